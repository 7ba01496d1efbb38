package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/models"
)

type changePayload struct {
	Op    models.TokenChangeOp `json:"op"`
	ID    string               `json:"id"`
	Count int                  `json:"count"`
}

func dialFeed(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg.Type, msg.Payload
}

func waitForClients(t *testing.T, h *WebSocketHandler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_StatusThenChanges(t *testing.T) {
	service := newTestTokenService(t)
	ctx := context.Background()

	_, err := service.AddToken(ctx, &models.CapturedToken{Token: "existing", Domain: "a.com"})
	require.NoError(t, err)

	handler := NewWebSocketHandler(service, arbor.NewLogger(), &common.WebSocketConfig{})
	defer handler.Close()

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialFeed(t, server)

	msgType, payload := readMessage(t, conn)
	require.Equal(t, "status", msgType)
	var status StatusPayload
	require.NoError(t, json.Unmarshal(payload, &status))
	assert.Equal(t, 1, status.Count)
	assert.Equal(t, models.AppendPolicyAudit, status.Policy)
	assert.NotEmpty(t, status.ServerInstanceID)
	assert.Equal(t, common.CurrentBuild(), status.Build)

	waitForClients(t, handler, 1)

	added, err := service.AddToken(ctx, &models.CapturedToken{Token: "new", Domain: "b.com"})
	require.NoError(t, err)

	msgType, payload = readMessage(t, conn)
	require.Equal(t, "tokens_changed", msgType)
	var change changePayload
	require.NoError(t, json.Unmarshal(payload, &change))
	assert.Equal(t, models.TokenAppended, change.Op)
	assert.Equal(t, added.ID, change.ID)
	assert.Equal(t, 2, change.Count)

	require.NoError(t, service.ClearTokens(ctx))
	msgType, payload = readMessage(t, conn)
	require.Equal(t, "tokens_changed", msgType)
	require.NoError(t, json.Unmarshal(payload, &change))
	assert.Equal(t, models.TokensCleared, change.Op)
	assert.Equal(t, 0, change.Count)
}

func TestWebSocket_FanOut(t *testing.T) {
	handler := NewWebSocketHandler(nil, arbor.NewLogger(), nil)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	const subscribers = 4
	conns := make([]*websocket.Conn, subscribers)
	for i := range conns {
		conns[i] = dialFeed(t, server)
		msgType, _ := readMessage(t, conns[i])
		require.Equal(t, "status", msgType)
	}
	waitForClients(t, handler, subscribers)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handler.BroadcastChange(models.TokenChange{Op: models.TokenAppended, ID: "x", Count: i})
		}(i)
	}
	wg.Wait()

	for _, conn := range conns {
		for i := 0; i < 5; i++ {
			msgType, _ := readMessage(t, conn)
			assert.Equal(t, "tokens_changed", msgType)
		}
	}

	for _, conn := range conns {
		conn.Close()
	}
	waitForClients(t, handler, 0)
}

func TestWebSocket_ThrottleDeliversLatest(t *testing.T) {
	service := newTestTokenService(t)
	ctx := context.Background()

	handler := NewWebSocketHandler(service, arbor.NewLogger(), &common.WebSocketConfig{ThrottleInterval: "200ms"})
	defer handler.Close()

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialFeed(t, server)
	readMessage(t, conn) // status
	waitForClients(t, handler, 1)

	for i := 0; i < 5; i++ {
		_, err := service.AddToken(ctx, &models.CapturedToken{Token: "t", Domain: "a.com"})
		require.NoError(t, err)
	}

	// First change passes immediately, the rest of the burst collapses into one
	var counts []int
	for i := 0; i < 2; i++ {
		msgType, payload := readMessage(t, conn)
		require.Equal(t, "tokens_changed", msgType)
		var change changePayload
		require.NoError(t, json.Unmarshal(payload, &change))
		counts = append(counts, change.Count)
	}
	assert.Equal(t, []int{1, 5}, counts)

	conn.SetReadDeadline(time.Now().Add(400 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no further messages expected")
}

func TestWebSocket_InvalidThrottleDisablesThrottling(t *testing.T) {
	handler := NewWebSocketHandler(nil, arbor.NewLogger(), &common.WebSocketConfig{ThrottleInterval: "soon"})
	assert.Nil(t, handler.throttler)
}

func TestWebSocket_ChangesArriveInCommitOrder(t *testing.T) {
	service := newTestTokenService(t)
	ctx := context.Background()

	handler := NewWebSocketHandler(service, arbor.NewLogger(), &common.WebSocketConfig{})
	defer handler.Close()

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialFeed(t, server)
	readMessage(t, conn) // status
	waitForClients(t, handler, 1)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := service.AddToken(ctx, &models.CapturedToken{Token: "t", Domain: "a.com"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for want := 1; want <= writers; want++ {
		msgType, payload := readMessage(t, conn)
		require.Equal(t, "tokens_changed", msgType)
		var change changePayload
		require.NoError(t, json.Unmarshal(payload, &change))
		assert.Equal(t, want, change.Count)
	}
}

func TestWebSocket_QueueKeepsNewest(t *testing.T) {
	h := &WebSocketHandler{wake: make(chan struct{}, 1)}

	for i := 0; i < maxQueuedChanges+50; i++ {
		h.onChange(models.TokenChange{Op: models.TokenAppended, Count: i})
	}

	require.Len(t, h.queue, maxQueuedChanges)
	assert.Equal(t, 0, h.queue[0].Count)
	assert.Equal(t, maxQueuedChanges+49, h.queue[maxQueuedChanges-1].Count)
}

func TestWebSocket_RefusesForeignOrigin(t *testing.T) {
	handler := NewWebSocketHandler(nil, arbor.NewLogger(), nil)
	defer handler.Close()

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {server.URL}})
	require.NoError(t, err)
	conn.Close()
}
