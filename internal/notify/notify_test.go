package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/factsync/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var fnCalls int
	m := Multi{a, nil, b, Func(func(context.Context, Event) { fnCalls++ }), Nop{}}

	m.Notify(context.Background(), Event{Type: EventComplete, Ticker: "AAPL"})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Equal(t, 1, fnCalls)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	LogNotifier{}.Notify(context.Background(), Event{Type: EventProgress, Ticker: "AAPL", Percent: 50, AdaptersCompleted: 1})
	LogNotifier{}.Notify(context.Background(), Event{Type: EventComplete, Ticker: "AAPL", Status: model.StatusFailed, Error: "insufficient sources"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "sync progress", entries[0].Message)
	assert.Equal(t, "sync complete", entries[1].Message)
	assert.Equal(t, "FAILED", entries[1].ContextMap()["status"])
	assert.Equal(t, "insufficient sources", entries[1].ContextMap()["error"])
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Broadcast(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	c1, c2 := dial(t, srv), dial(t, srv)
	waitClients(t, h, 2)

	h.Notify(context.Background(), Event{Type: EventProgress, Ticker: "AAPL", Percent: 50, AdaptersCompleted: 1, AdaptersTotal: 2})

	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "sync:progress", got["type"])
		assert.Equal(t, "AAPL", got["ticker"])
		assert.Equal(t, 50.0, got["percent"])
		assert.Equal(t, 1.0, got["adapters_completed"])
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	c := dial(t, srv)
	waitClients(t, h, 1)
	require.NoError(t, c.Close())
	waitClients(t, h, 0)

	// Broadcasting with no clients is harmless.
	h.Notify(context.Background(), Event{Type: EventComplete, Ticker: "AAPL"})
}

func TestHub_Close(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dial(t, srv)
	waitClients(t, h, 1)
	h.Close()
	assert.Zero(t, h.Clients())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.Error(t, err, "server closes the connection")
}
