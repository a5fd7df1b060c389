package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 256 << 10
)

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Serve runs one connection until the client goes away or ctx is cancelled.
// Commands are executed on a context detached from the connection so a
// disconnect never abandons a mutation half way.
func (c *Coordinator) Serve(ctx context.Context, conn Conn) {
	subscriber := c.hub.Register()
	c.recorder.ConnectionOpened()
	logger := c.logger.With(zap.Int64("subscriber_id", subscriber.ID()))
	logger.Debug("realtime connection opened")

	sessionCtx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(sessionCtx, conn, subscriber, logger)
	}()

	c.readPump(context.WithoutCancel(ctx), conn, subscriber, logger)

	cancel()
	c.hub.Unregister(subscriber)
	<-writerDone
	_ = conn.Close()
	c.recorder.ConnectionClosed()
	logger.Debug("realtime connection closed")
}

func (c *Coordinator) readPump(ctx context.Context, conn Conn, subscriber *Subscriber, logger *zap.Logger) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("realtime read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		command, err := DecodeCommand(data)
		if err != nil {
			logger.Debug("realtime frame rejected", zap.Error(err))
			if errors.Is(err, ErrUnknownEvent) {
				c.sendError(subscriber, errorUnsupportedCommand)
			}
			continue
		}
		c.Handle(ctx, subscriber, command)
	}
}

// writePump is the only goroutine that writes data frames to conn.
func (c *Coordinator) writePump(ctx context.Context, conn Conn, subscriber *Subscriber, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			_ = conn.Close()
			return
		case frame, ok := <-subscriber.Stream():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				if ctx.Err() == nil {
					logger.Info("realtime connection dropped: send buffer full")
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"))
				}
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("realtime write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
