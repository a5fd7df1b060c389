package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
)

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dialRealtime(t *testing.T, baseURL string, header http.Header) *websocket.Conn {
	t.Helper()
	endpoint := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/realtime"
	conn, response, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial realtime (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame wireFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", payload, err)
	}
	return frame
}

func waitForGroupSize(t *testing.T, server *testServer, threadID string, expected int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if server.coordinator.Hub().GroupSize(threadID) == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("group %s never reached %d members", threadID, expected)
}

func TestRealtimeConversationOverWebSocket(t *testing.T) {
	server := newTestServer(t, nil)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	var created createThreadResponse
	decodeBody(t, server.do(t, http.MethodPost, "/api/thread", `{"timerHours":1}`), &created)
	threadID := created.ThreadID

	alice := dialRealtime(t, httpServer.URL, nil)
	bob := dialRealtime(t, httpServer.URL, nil)

	writeFrame(t, alice, "join-thread", threadID)
	writeFrame(t, bob, "join-thread", map[string]string{"threadId": threadID})
	waitForGroupSize(t, server, threadID, 2)

	writeFrame(t, alice, "register-participant", map[string]string{"threadId": threadID, "userId": "alice"})
	if frame := readFrame(t, bob); frame.Event != "thread-update" {
		t.Fatalf("expected thread-update for bob, got %s", frame.Event)
	}
	if frame := readFrame(t, alice); frame.Event != "thread-update" {
		t.Fatalf("expected thread-update for alice, got %s", frame.Event)
	}

	writeFrame(t, alice, "user-typing", map[string]string{"threadId": threadID, "userId": "alice"})
	typing := readFrame(t, bob)
	if typing.Event != "user-typing" {
		t.Fatalf("expected typing indicator, got %s", typing.Event)
	}

	writeFrame(t, alice, "send-message", map[string]any{
		"threadId": threadID,
		"senderId": "alice",
		"message":  "Y2lwaGVydGV4dA==",
	})
	for _, conn := range []*websocket.Conn{alice, bob} {
		message := readFrame(t, conn)
		if message.Event != "new-message" {
			t.Fatalf("expected new-message, got %s", message.Event)
		}
		var payload struct {
			Content  string `json:"content"`
			SenderID string `json:"senderId"`
			ID       string `json:"id"`
		}
		if err := json.Unmarshal(message.Data, &payload); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if payload.Content != "Y2lwaGVydGV4dA==" || payload.SenderID != "alice" || payload.ID == "" {
			t.Fatalf("unexpected message payload %+v", payload)
		}
		if update := readFrame(t, conn); update.Event != "thread-update" {
			t.Fatalf("expected thread-update after message, got %s", update.Event)
		}
	}

	writeFrame(t, bob, "no-such-event", map[string]string{})
	if frame := readFrame(t, bob); frame.Event != "error" {
		t.Fatalf("expected error frame for unknown event, got %s", frame.Event)
	}

	if recorder := server.do(t, http.MethodDelete, "/api/thread/"+threadID, ""); recorder.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", recorder.Code)
	}
	for _, conn := range []*websocket.Conn{alice, bob} {
		deleted := readFrame(t, conn)
		if deleted.Event != "thread-deleted" || string(deleted.Data) != `{"reason":"manual"}` {
			t.Fatalf("unexpected deletion frame %s %s", deleted.Event, deleted.Data)
		}
	}
}

func TestRealtimeRejectsForeignOrigin(t *testing.T) {
	server := newTestServer(t, func(deps *Dependencies) {
		deps.AllowedOrigins = []string{"https://vanish.example.com"}
	})
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	endpoint := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/realtime"
	conn, response, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("expected handshake to fail for a foreign origin")
	}
	if response == nil || response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", response)
	}
}

func TestRealtimeDisconnectLeavesGroup(t *testing.T) {
	server := newTestServer(t, nil)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	var created createThreadResponse
	decodeBody(t, server.do(t, http.MethodPost, "/api/thread", ""), &created)

	conn := dialRealtime(t, httpServer.URL, nil)
	writeFrame(t, conn, "join-thread", created.ThreadID)
	waitForGroupSize(t, server, created.ThreadID, 1)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	waitForGroupSize(t, server, created.ThreadID, 0)
}
