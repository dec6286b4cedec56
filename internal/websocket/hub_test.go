package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T, config *HubConfig) (*Hub, string) {
	t.Helper()
	hub := NewHub(config, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, header http.Header) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() > before }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastReachesClients(t *testing.T) {
	config := DefaultHubConfig()
	config.BroadcastConnections = false
	hub, url := startHub(t, config)
	conn := dial(t, hub, url, nil)

	hub.BroadcastEvent(Event{
		Type: EventTypeEmbeddingCompleted,
		Data: EmbeddingCompletedEvent{Language: "en", Rows: 3, Dims: 768},
	})

	msg := readEvent(t, conn)
	assert.Equal(t, "embedding_completed", msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, float64(768), data["dims"])
}

func TestDisabledEventTypesAreDropped(t *testing.T) {
	config := DefaultHubConfig()
	config.BroadcastConnections = false
	config.BroadcastProgress = false
	hub, url := startHub(t, config)
	conn := dial(t, hub, url, nil)

	hub.BroadcastEvent(Event{Type: EventTypeEmbeddingProgress, Data: EmbeddingProgressEvent{Done: 1, Total: 2}})
	hub.BroadcastEvent(Event{Type: EventTypeEmbeddingFailed, Data: EmbeddingFailedEvent{Error: "boom"}})

	msg := readEvent(t, conn)
	assert.Equal(t, "embedding_failed", msg["type"])
}

func TestSubscriptionFilters(t *testing.T) {
	config := DefaultHubConfig()
	config.BroadcastConnections = false
	hub, url := startHub(t, config)
	conn := dial(t, hub, url, nil)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type: "subscribe",
		Data: map[string]interface{}{"events": []string{"embedding_completed"}},
	}))
	assert.Equal(t, "subscribed", readEvent(t, conn)["type"])

	hub.BroadcastEvent(Event{Type: EventTypeEmbeddingStarted, Data: EmbeddingStartedEvent{Texts: 2}})
	hub.BroadcastEvent(Event{Type: EventTypeEmbeddingCompleted, Data: EmbeddingCompletedEvent{Rows: 2}})

	assert.Equal(t, "embedding_completed", readEvent(t, conn)["type"])
}

func TestPing(t *testing.T) {
	hub, url := startHub(t, DefaultHubConfig())
	conn := dial(t, hub, url, nil)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	assert.Equal(t, "pong", readEvent(t, conn)["type"])
}

func TestConnectionEventsGoToOthers(t *testing.T) {
	hub, url := startHub(t, DefaultHubConfig())
	first := dial(t, hub, url, nil)
	dial(t, hub, url, nil)

	msg := readEvent(t, first)
	assert.Equal(t, "connection", msg["type"])
	assert.Equal(t, "connected", msg["data"].(map[string]interface{})["action"])
}

func TestAuth(t *testing.T) {
	config := DefaultHubConfig()
	config.AuthEnabled = true
	config.Username = "admin"
	config.Password = "s3cret"
	hub, url := startHub(t, config)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	req.SetBasicAuth("admin", "s3cret")
	dial(t, hub, url, http.Header{"Authorization": req.Header["Authorization"]})
	assert.Equal(t, int64(1), hub.GetStats().TotalConnections)
}

func TestCheckOrigin(t *testing.T) {
	config := DefaultHubConfig()
	config.AllowedOrigins = []string{"https://dash.example.com"}
	hub := NewHub(config, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, hub.checkOrigin(r))
	r.Header.Set("Origin", "https://dash.example.com")
	assert.True(t, hub.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, hub.checkOrigin(r))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	assert.Equal(t, "10.0.0.1", getClientIP(r, false))
	assert.Equal(t, "203.0.113.5", getClientIP(r, true))
}
