package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glowstream/engine/internal/config"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeRelay is a minimal websocket endpoint that records received
// frames and can push frames back to the client.
type fakeRelay struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, ws)
		r.mu.Unlock()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.received = append(r.received, string(raw))
			r.mu.Unlock()
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) push(t *testing.T, frame string) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.conns)
	require.NoError(t, r.conns[len(r.conns)-1].WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (r *fakeRelay) frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received...)
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range r.conns {
		_ = ws.Close()
	}
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		DialTimeout:       2 * time.Second,
		WriteTimeout:      2 * time.Second,
		HeartbeatInterval: time.Second,
		StaleAfter:        5 * time.Second,
		BackoffMin:        50 * time.Millisecond,
		BackoffMax:        200 * time.Millisecond,
		MaxMessageSize:    1 << 20,
		PublishRateLimit:  100,
		PublishBurst:      100,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPoolConnectsAndSends(t *testing.T) {
	relay := newFakeRelay(t)
	p := New(testPoolConfig(), []config.RelayConfig{
		{URL: relay.url(), Read: true, Write: true},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Connect(ctx)
	waitFor(t, func() bool { return p.Healthy() }, "pool never connected")

	require.NoError(t, p.Send(relay.url(), "REQ", "sub-1", map[string]any{"kinds": []int{1}}))
	waitFor(t, func() bool { return len(relay.frames()) == 1 }, "frame never arrived")
	assert.Contains(t, relay.frames()[0], `"REQ"`)

	p.Shutdown()
}

func TestPoolDeliversInboundFrames(t *testing.T) {
	relay := newFakeRelay(t)
	p := New(testPoolConfig(), []config.RelayConfig{
		{URL: relay.url(), Read: true, Write: false},
	})

	var mu sync.Mutex
	var got []string
	p.SetHandlers(func(relayURL string, raw []byte) {
		mu.Lock()
		got = append(got, string(raw))
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Connect(ctx)
	waitFor(t, func() bool { return p.Healthy() }, "pool never connected")

	relay.push(t, `["NOTICE","hello"]`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "inbound frame never delivered")

	p.Shutdown()
}

func TestPoolReconnectsAfterDrop(t *testing.T) {
	relay := newFakeRelay(t)
	p := New(testPoolConfig(), []config.RelayConfig{
		{URL: relay.url(), Read: true, Write: true},
	})

	var mu sync.Mutex
	connects := 0
	p.SetHandlers(nil, func(relayURL string) {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Connect(ctx)
	waitFor(t, func() bool { return p.Healthy() }, "pool never connected")

	relay.dropAll()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2
	}, "pool never reconnected")

	p.Shutdown()
}

func TestPoolSendToDisconnectedRelayFails(t *testing.T) {
	p := New(testPoolConfig(), []config.RelayConfig{
		{URL: "ws://127.0.0.1:1", Read: true, Write: true},
	})
	err := p.Send("ws://127.0.0.1:1", "REQ", "sub-1")
	assert.Error(t, err)
}

func TestPoolSendToUnknownRelayFails(t *testing.T) {
	p := New(testPoolConfig(), nil)
	err := p.Send("ws://nowhere.example", "REQ", "sub-1")
	assert.Error(t, err)
}

func TestPoolRelayRoles(t *testing.T) {
	p := New(testPoolConfig(), []config.RelayConfig{
		{URL: "ws://a.example", Read: true, Write: false},
		{URL: "ws://b.example", Read: false, Write: true},
		{URL: "ws://c.example", Read: true, Write: true},
	})
	assert.Equal(t, []string{"ws://a.example", "ws://c.example"}, p.ReadRelays())
	assert.Equal(t, []string{"ws://b.example", "ws://c.example"}, p.WriteRelays())
}
