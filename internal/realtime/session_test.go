package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
)

var errConnClosed = errors.New("conn closed")

type writtenFrame struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []writtenFrame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.inbound:
		return websocket.TextMessage, frame, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, writtenFrame{messageType: messageType, data: append([]byte(nil), data...)})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []writtenFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]writtenFrame(nil), c.written...)
}

func serveInBackground(ctx context.Context, coordinator *Coordinator, conn Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.Serve(ctx, conn)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish")
	}
}

func TestServeJoinsAndCleansUpOnDisconnect(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	thread, err := fixture.coordinator.CreateThread(context.Background(), 1)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	conn := newFakeConn()
	done := serveInBackground(context.Background(), fixture.coordinator, conn)
	conn.inbound <- []byte(`{"event":"join-thread","data":"` + thread.ID + `"}`)

	deadline := time.Now().Add(2 * time.Second)
	for fixture.hub.GroupSize(thread.ID) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("session never joined the thread group")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = conn.Close()
	waitDone(t, done)

	if fixture.hub.GroupSize(thread.ID) != 0 || fixture.hub.Subscribers() != 0 {
		t.Fatalf("subscriber not released after disconnect")
	}
	fixture.recorder.mu.Lock()
	open := fixture.recorder.openConn
	fixture.recorder.mu.Unlock()
	if open != 0 {
		t.Fatalf("expected connection gauge back at zero, got %d", open)
	}
}

func TestServeAnswersUnknownEventWithError(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	conn := newFakeConn()
	done := serveInBackground(context.Background(), fixture.coordinator, conn)

	conn.inbound <- []byte(`{"event":"launch-missiles","data":{}}`)
	conn.inbound <- []byte(`not json`)

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.frames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no error frame written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = conn.Close()
	waitDone(t, done)

	frames := conn.frames()
	if frames[0].messageType != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", frames[0].messageType)
	}
	if string(frames[0].data) != `{"event":"error","data":{"message":"Unsupported event"}}` {
		t.Fatalf("unexpected error frame %s", frames[0].data)
	}
	for _, frame := range frames[1:] {
		if frame.messageType == websocket.TextMessage {
			t.Fatalf("malformed frame should be dropped silently, got %s", frame.data)
		}
	}
}

func TestServeSendsGoingAwayOnShutdown(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := serveInBackground(ctx, fixture.coordinator, conn)

	deadline := time.Now().Add(2 * time.Second)
	for fixture.hub.Subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	waitDone(t, done)

	frames := conn.frames()
	if len(frames) == 0 || frames[len(frames)-1].messageType != websocket.CloseMessage {
		t.Fatalf("expected a close frame, got %+v", frames)
	}
	expected := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	if string(frames[len(frames)-1].data) != string(expected) {
		t.Fatalf("expected going-away close payload")
	}
}
