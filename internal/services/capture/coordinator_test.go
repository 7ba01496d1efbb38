package capture

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/models"
)

func newTestCoordinator(sink *memorySink, now time.Time) *Coordinator {
	c := NewCoordinator(sink, arbor.NewLogger())
	c.now = func() time.Time { return now }
	return c
}

func envelope(t *testing.T, data map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"type": models.RelayMessageType,
		"data": data,
	})
	require.NoError(t, err)
	return raw
}

func TestCoordinator_StoresRelayedCapture(t *testing.T) {
	sink := &memorySink{}
	now := time.UnixMilli(1700000000123)
	c := newTestCoordinator(sink, now)

	raw := envelope(t, map[string]interface{}{
		"token":  "page-token",
		"url":    "https://api.example.com/v1/me",
		"method": "POST",
		"source": "fetch",
	})

	ok := c.HandleMessage(context.Background(), "https://app.example.com/dashboard", raw)
	require.True(t, ok)

	tokens := sink.snapshot()
	require.Len(t, tokens, 1)
	assert.Equal(t, "page-token", tokens[0].Token)
	assert.Equal(t, "app.example.com", tokens[0].Domain)
	assert.Equal(t, "https://api.example.com/v1/me", tokens[0].URL)
	assert.Equal(t, "POST", tokens[0].Method)
	assert.Equal(t, int64(1700000000123), tokens[0].Timestamp)
	assert.Equal(t, models.SourceFetch, tokens[0].Source)
	assert.NotEmpty(t, tokens[0].ID)
	assert.Empty(t, tokens[0].Headers)
}

func TestCoordinator_IgnoresPageSuppliedDomainAndTimestamp(t *testing.T) {
	sink := &memorySink{}
	now := time.UnixMilli(1700000000000)
	c := newTestCoordinator(sink, now)

	raw := envelope(t, map[string]interface{}{
		"token":     "t",
		"url":       "https://api.example.com/x",
		"method":    "GET",
		"domain":    "evil.example.net",
		"timestamp": 1,
	})

	require.True(t, c.HandleMessage(context.Background(), "https://app.example.com/", raw))

	tokens := sink.snapshot()
	require.Len(t, tokens, 1)
	assert.Equal(t, "app.example.com", tokens[0].Domain)
	assert.Equal(t, now.UnixMilli(), tokens[0].Timestamp)
	assert.Equal(t, models.SourceRelay, tokens[0].Source)
}

func TestCoordinator_FallsBackToRequestHost(t *testing.T) {
	sink := &memorySink{}
	c := newTestCoordinator(sink, time.Now())

	raw := envelope(t, map[string]interface{}{
		"token":  "t",
		"url":    "https://api.example.com/x",
		"method": "GET",
	})

	require.True(t, c.HandleMessage(context.Background(), "", raw))
	require.True(t, c.HandleMessage(context.Background(), "about:blank", raw))

	tokens := sink.snapshot()
	require.Len(t, tokens, 2)
	assert.Equal(t, "api.example.com", tokens[0].Domain)
	assert.Equal(t, "api.example.com", tokens[1].Domain)
}

func TestCoordinator_ResolvesRelativeURL(t *testing.T) {
	sink := &memorySink{}
	c := newTestCoordinator(sink, time.Now())

	raw := envelope(t, map[string]interface{}{
		"token":  "t",
		"url":    "/api/items?page=2",
		"method": "GET",
		"source": "xhr",
	})

	require.True(t, c.HandleMessage(context.Background(), "https://shop.example.com/cart", raw))

	tokens := sink.snapshot()
	require.Len(t, tokens, 1)
	assert.Equal(t, "https://shop.example.com/api/items?page=2", tokens[0].URL)
	assert.Equal(t, "shop.example.com", tokens[0].Domain)
	assert.Equal(t, models.SourceXHR, tokens[0].Source)
}

func TestCoordinator_DropsMalformedMessages(t *testing.T) {
	sink := &memorySink{}
	c := newTestCoordinator(sink, time.Now())
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"wrong type", `{"type":"SOMETHING_ELSE","data":{"token":"t","url":"https://a.com","method":"GET"}}`},
		{"page message type", `{"type":"WHATSMYTOKEN_TOKEN_CAPTURED","data":{"token":"t","url":"https://a.com","method":"GET"}}`},
		{"missing data", `{"type":"BEARER_TOKEN_CAPTURED"}`},
		{"missing token", `{"type":"BEARER_TOKEN_CAPTURED","data":{"url":"https://a.com","method":"GET"}}`},
		{"missing url", `{"type":"BEARER_TOKEN_CAPTURED","data":{"token":"t","method":"GET"}}`},
		{"missing method", `{"type":"BEARER_TOKEN_CAPTURED","data":{"token":"t","url":"https://a.com"}}`},
		{"wrong field type", `{"type":"BEARER_TOKEN_CAPTURED","data":{"token":42,"url":"https://a.com","method":"GET"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, c.HandleMessage(ctx, "https://a.com/", []byte(tt.raw)))
		})
	}

	assert.Empty(t, sink.snapshot())
	assert.False(t, c.Handle(ctx, "", nil))
}

func TestCoordinator_StoreFailureNotPropagated(t *testing.T) {
	sink := new(mockSink)
	sink.On("Append", mock.Anything, mock.Anything).Return(errors.New("boom"))
	c := NewCoordinator(sink, arbor.NewLogger())

	raw := envelope(t, map[string]interface{}{"token": "t", "url": "https://a.com", "method": "GET"})
	assert.NotPanics(t, func() {
		assert.False(t, c.HandleMessage(context.Background(), "https://a.com/", raw))
	})
	sink.AssertNumberOfCalls(t, "Append", 1)
}

func TestResolveURL(t *testing.T) {
	assert.Equal(t, "https://a.com/x", ResolveURL("https://b.com/", "https://a.com/x"))
	assert.Equal(t, "https://b.com/api", ResolveURL("https://b.com/page", "/api"))
	assert.Equal(t, "https://b.com/dir/api", ResolveURL("https://b.com/dir/page", "api"))
	assert.Equal(t, "/api", ResolveURL("", "/api"))
	assert.Equal(t, "/api", ResolveURL("not-absolute", "/api"))
}
