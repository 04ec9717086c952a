// Package pool maintains persistent websocket connections to a set of
// relays, reconnecting with exponential backoff and surfacing inbound
// frames to a single handler.
package pool

import (
	"context"
	"sync"

	"github.com/glowstream/engine/internal/config"
	enginerrors "github.com/glowstream/engine/internal/errors"
	"github.com/glowstream/engine/internal/logger"
	"go.uber.org/zap"
)

// MessageHandler receives every raw frame read from a relay. It runs
// on the relay's read goroutine and must not block.
type MessageHandler func(relayURL string, raw []byte)

// ConnectHandler fires whenever a relay (re)connects, before any frame
// is read from it. Subscription replay hangs off this hook.
type ConnectHandler func(relayURL string)

// Pool owns one RelayConnection per configured relay.
type Pool struct {
	cfg config.PoolConfig
	log *zap.Logger

	mu      sync.RWMutex
	conns   map[string]*RelayConnection
	order   []string
	started bool

	onMessage MessageHandler
	onConnect ConnectHandler
}

// New builds a pool for the given endpoints. Handlers must be set
// before Connect.
func New(cfg config.PoolConfig, relays []config.RelayConfig) *Pool {
	p := &Pool{
		cfg:   cfg,
		log:   logger.New("pool"),
		conns: make(map[string]*RelayConnection, len(relays)),
	}
	for _, r := range relays {
		p.conns[r.URL] = newRelayConnection(
			r.URL, r.Read, r.Write, cfg, p.log,
			p.dispatchMessage, p.dispatchConnect,
		)
		p.order = append(p.order, r.URL)
	}
	return p
}

// SetHandlers installs the frame and reconnect callbacks. Must be
// called before Connect.
func (p *Pool) SetHandlers(onMessage MessageHandler, onConnect ConnectHandler) {
	p.onMessage = onMessage
	p.onConnect = onConnect
}

func (p *Pool) dispatchMessage(relayURL string, raw []byte) {
	if p.onMessage != nil {
		p.onMessage(relayURL, raw)
	}
}

func (p *Pool) dispatchConnect(relayURL string) {
	if p.onConnect != nil {
		p.onConnect(relayURL)
	}
}

// Connect starts every relay's reconnect loop. It returns immediately;
// connections are established in the background.
func (p *Pool) Connect(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for _, c := range p.conns {
		go c.run(ctx)
	}
	p.log.Info("pool started", zap.Int("relays", len(p.conns)))
}

func (p *Pool) conn(relayURL string) (*RelayConnection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[relayURL]
	if !ok {
		return nil, enginerrors.ErrUnknownRelay
	}
	return c, nil
}

// Send writes one frame to a single relay.
func (p *Pool) Send(relayURL string, frame ...any) error {
	c, err := p.conn(relayURL)
	if err != nil {
		return err
	}
	return c.Send(frame...)
}

// Publish writes an event frame to a single relay, subject to that
// relay's publish rate limit.
func (p *Pool) Publish(ctx context.Context, relayURL string, frame ...any) error {
	c, err := p.conn(relayURL)
	if err != nil {
		return err
	}
	return c.Publish(ctx, frame...)
}

// ReadRelays lists relays eligible for subscription traffic, in
// configuration order.
func (p *Pool) ReadRelays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, url := range p.order {
		if p.conns[url].read {
			out = append(out, url)
		}
	}
	return out
}

// WriteRelays lists relays eligible for publish traffic, in
// configuration order.
func (p *Pool) WriteRelays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, url := range p.order {
		if p.conns[url].write {
			out = append(out, url)
		}
	}
	return out
}

// Status reports the current state of every relay connection.
func (p *Pool) Status() map[string]ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ConnState, len(p.conns))
	for url, c := range p.conns {
		out[url] = c.State()
	}
	return out
}

// Healthy reports whether at least one relay is currently connected.
func (p *Pool) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		if c.State() == StateConnected {
			return true
		}
	}
	return false
}

// ForceReconnect drops and redials one relay immediately.
func (p *Pool) ForceReconnect(relayURL string) error {
	c, err := p.conn(relayURL)
	if err != nil {
		return err
	}
	c.ForceReconnect()
	return nil
}

// ForceReconnectAll drops and redials every relay. Used as a recovery
// action when the remote signer stops responding.
func (p *Pool) ForceReconnectAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		c.ForceReconnect()
	}
}

// Shutdown closes every connection and waits for the run loops.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}
	var wg sync.WaitGroup
	p.mu.RLock()
	for _, c := range p.conns {
		wg.Add(1)
		go func(c *RelayConnection) {
			defer wg.Done()
			c.Shutdown()
		}(c)
	}
	p.mu.RUnlock()
	wg.Wait()
	p.log.Info("pool stopped")
}
