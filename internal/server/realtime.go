package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	websocketReadBuffer  = 4 << 10
	websocketWriteBuffer = 4 << 10
)

type realtimeUpgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  websocketReadBuffer,
		WriteBufferSize: websocketWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
}

func originAllowed(origin string, allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 || origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return slices.ContainsFunc(allowedOrigins, func(allowed string) bool {
		return strings.EqualFold(strings.TrimRight(allowed, "/"), origin)
	})
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Debug("realtime upgrade rejected", zap.Error(err))
		return
	}
	h.coordinator.Serve(c.Request.Context(), conn)
}
