package pool

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glowstream/engine/internal/config"
	enginerrors "github.com/glowstream/engine/internal/errors"
	"github.com/glowstream/engine/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConnState is the lifecycle state of one relay connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	}
	return "unknown"
}

// RelayConnection owns one outbound websocket and its reconnect loop.
// All writes go through Send under writeMu; reads happen on the run
// loop goroutine only.
type RelayConnection struct {
	url   string
	read  bool
	write bool

	cfg config.PoolConfig
	log *zap.Logger

	onMessage func(relayURL string, raw []byte)
	onConnect func(relayURL string)

	writeMu sync.Mutex
	ws      *websocket.Conn

	state       atomic.Int32
	lastMessage atomic.Int64

	// limiter applies to published events only, protocol frames such
	// as REQ and CLOSE are never throttled.
	limiter *rate.Limiter

	backoff *backoff

	// forceCh wakes the run loop out of a backoff wait.
	forceCh chan struct{}

	closed atomic.Bool
	done   chan struct{}
}

func newRelayConnection(url string, read, write bool, cfg config.PoolConfig,
	log *zap.Logger, onMessage func(string, []byte), onConnect func(string)) *RelayConnection {

	c := &RelayConnection{
		url:       url,
		read:      read,
		write:     write,
		cfg:       cfg,
		log:       log.With(zap.String("relay", url)),
		onMessage: onMessage,
		onConnect: onConnect,
		limiter:   rate.NewLimiter(rate.Limit(cfg.PublishRateLimit), cfg.PublishBurst),
		backoff:   newBackoff(cfg.BackoffMin, cfg.BackoffMax),
		forceCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.setState(StateDisconnected)
	return c
}

func (c *RelayConnection) setState(s ConnState) {
	c.state.Store(int32(s))
	metrics.SetConnectionState(c.url, s.String())
}

// State returns the connection's current lifecycle state.
func (c *RelayConnection) State() ConnState {
	return ConnState(c.state.Load())
}

// run drives the connect/read/backoff cycle until ctx is canceled or
// the connection is shut down.
func (c *RelayConnection) run(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil || c.closed.Load() {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		ws, err := c.dial(ctx)
		if err != nil {
			metrics.RelayDialFailures.WithLabelValues(c.url).Inc()
			c.log.Warn("dial failed", zap.Error(err))
			if !c.waitBackoff(ctx) {
				c.setState(StateDisconnected)
				return
			}
			continue
		}

		c.writeMu.Lock()
		c.ws = ws
		c.writeMu.Unlock()
		c.setState(StateConnected)
		c.backoff.Reset()
		c.lastMessage.Store(time.Now().UnixNano())
		c.log.Info("connected")

		if c.onConnect != nil {
			c.onConnect(c.url)
		}

		c.readLoop(ctx, ws)

		c.writeMu.Lock()
		c.ws = nil
		c.writeMu.Unlock()
		_ = ws.Close()

		if ctx.Err() != nil || c.closed.Load() {
			c.setState(StateDisconnected)
			return
		}

		metrics.RelayReconnects.WithLabelValues(c.url).Inc()
		if !c.waitBackoff(ctx) {
			c.setState(StateDisconnected)
			return
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (c *RelayConnection) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.DialTimeout,
		EnableCompression: true,
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		kind := enginerrors.ConnectFailed
		if isTimeout(err) {
			kind = enginerrors.Timeout
		}
		return nil, &enginerrors.TransportError{
			Kind:  kind,
			Relay: c.url,
			Err:   err,
		}
	}

	ws.SetReadLimit(c.cfg.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.lastMessage.Store(time.Now().UnixNano())
		return nil
	})
	return ws, nil
}

// readLoop reads frames until the socket fails. A heartbeat goroutine
// pings the relay and forces a reconnect when nothing has been heard
// for longer than the staleness threshold.
func (c *RelayConnection) readLoop(ctx context.Context, ws *websocket.Conn) {
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go c.heartbeat(ctx, ws, heartbeatDone)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && ctx.Err() == nil {
				c.log.Warn("read failed, reconnecting", zap.Error(err))
			}
			return
		}
		c.lastMessage.Store(time.Now().UnixNano())
		if c.onMessage != nil {
			c.onMessage(c.url, raw)
		}
	}
}

func (c *RelayConnection) heartbeat(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = ws.Close()
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastMessage.Load())
			if time.Since(last) > c.cfg.StaleAfter {
				c.log.Warn("connection stale, forcing reconnect",
					zap.Duration("silent_for", time.Since(last)))
				_ = ws.Close()
				return
			}

			c.writeMu.Lock()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			err := ws.WriteControl(websocket.PingMessage, nil, deadline)
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				_ = ws.Close()
				return
			}
		}
	}
}

// waitBackoff sleeps for the next backoff interval. Returns false when
// the wait was interrupted by shutdown.
func (c *RelayConnection) waitBackoff(ctx context.Context) bool {
	c.setState(StateBackoff)
	d := c.backoff.Next()
	c.log.Debug("backing off", zap.Duration("delay", d))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !c.closed.Load()
	case <-c.forceCh:
		return !c.closed.Load()
	}
}

// Send marshals a top-level frame array like ["REQ", id, filter] and
// writes it to the relay.
func (c *RelayConnection) Send(frame ...any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.sendRaw(raw, frameType(frame))
}

// Publish writes an ["EVENT", ev] frame subject to the publish rate
// limit. ctx bounds the limiter wait.
func (c *RelayConnection) Publish(ctx context.Context, frame ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.sendRaw(raw, frameType(frame))
}

func frameType(frame []any) string {
	if len(frame) > 0 {
		if s, ok := frame[0].(string); ok {
			return s
		}
	}
	return "unknown"
}

func (c *RelayConnection) sendRaw(raw []byte, ft string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ws == nil || c.State() != StateConnected {
		return &enginerrors.TransportError{
			Kind:  enginerrors.Closed,
			Relay: c.url,
			Err:   enginerrors.ErrNotConnected,
		}
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.log.Warn("write failed", zap.Error(err))
		_ = c.ws.Close()
		kind := enginerrors.Closed
		if isTimeout(err) {
			kind = enginerrors.Timeout
		}
		return &enginerrors.TransportError{
			Kind:  kind,
			Relay: c.url,
			Err:   err,
		}
	}
	metrics.FramesSent.WithLabelValues(c.url, ft).Inc()
	return nil
}

// ForceReconnect drops the current socket, skipping any backoff wait.
// The run loop dials again immediately.
func (c *RelayConnection) ForceReconnect() {
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
	c.writeMu.Lock()
	ws := c.ws
	c.writeMu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// Shutdown closes the connection permanently and waits for the run
// loop to exit.
func (c *RelayConnection) Shutdown() {
	if c.closed.Swap(true) {
		<-c.done
		return
	}
	c.ForceReconnect()
	<-c.done
}
