// Package engine assembles the client protocol stack: connection pool,
// frame router, validation, profile cache, and the remote signer
// session, behind one façade.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glowstream/engine/internal/codec"
	"github.com/glowstream/engine/internal/config"
	"github.com/glowstream/engine/internal/constants"
	"github.com/glowstream/engine/internal/domain"
	"github.com/glowstream/engine/internal/logger"
	"github.com/glowstream/engine/internal/metrics"
	"github.com/glowstream/engine/internal/pool"
	"github.com/glowstream/engine/internal/profile"
	"github.com/glowstream/engine/internal/router"
	"github.com/glowstream/engine/internal/signer"
	"github.com/glowstream/engine/internal/workers"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Engine is the top-level client protocol engine.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	validator *codec.Validator
	pool      *pool.Pool
	router    *router.Router
	profiles  *profile.Cache
	workers   *workers.WorkerPool

	metricsSrv *metrics.Server

	mu      sync.Mutex
	session *signer.Session
}

// New wires the engine from configuration. Start must be called before
// any traffic flows.
func New(cfg *config.Config) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       logger.New("engine"),
		validator: codec.NewValidator(),
		profiles:  profile.NewCache(cfg.Cache.ProfileCapacity),
		workers:   workers.NewWorkerPool(4, 256),
	}

	e.pool = pool.New(cfg.Pool, cfg.Relays)
	e.router = router.New(e.pool, e.validator)

	// Frames route on the read goroutine; subscription replay after a
	// reconnect is pushed onto the worker pool so a slow relay cannot
	// hold up the dial loop.
	e.pool.SetHandlers(e.router.HandleFrame, func(relayURL string) {
		if !e.workers.AddJob(func() { e.router.HandleReconnect(relayURL) }) {
			e.router.HandleReconnect(relayURL)
		}
	})

	if cfg.Metrics.Enabled {
		e.metricsSrv = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, e.healthStatus)
	}
	return e
}

func (e *Engine) healthStatus() (bool, map[string]any) {
	status := e.pool.Status()
	detail := map[string]any{
		"subscriptions": e.router.ActiveSubscriptions(),
		"profiles":      e.profiles.Len(),
	}
	relays := make(map[string]string, len(status))
	for url, st := range status {
		relays[url] = st.String()
	}
	detail["relays"] = relays
	return e.pool.Healthy(), detail
}

// Start connects the pool and opens any configured startup
// subscriptions. It returns immediately; connections come up in the
// background.
func (e *Engine) Start(ctx context.Context) error {
	e.pool.Connect(ctx)
	if e.metricsSrv != nil {
		e.metricsSrv.Start()
	}

	for _, sc := range e.cfg.Subscriptions {
		filter := nostr.Filter{Kinds: sc.Kinds, Authors: sc.Authors, Limit: sc.Limit}
		log := e.log
		if _, err := e.Subscribe(nostr.Filters{filter}, func(ev *nostr.Event) {
			log.Info("event",
				zap.String("event_id", ev.ID),
				zap.Int("kind", ev.Kind),
				zap.String("pubkey", ev.PubKey))
		}); err != nil {
			return fmt.Errorf("startup subscription: %w", err)
		}
	}

	e.log.Info("engine started",
		zap.Int("relays", len(e.cfg.Relays)),
		zap.Int("startup_subscriptions", len(e.cfg.Subscriptions)))
	return nil
}

// Subscribe opens a subscription across the read relays. Profile
// metadata events passing through any subscription also land in the
// profile cache.
func (e *Engine) Subscribe(filters nostr.Filters, handler domain.EventHandler) (domain.Subscription, error) {
	wrapped := func(ev *nostr.Event) {
		if ev.Kind == constants.KindProfileMetadata {
			if meta := profile.ParseMetadata(ev); meta != nil {
				e.profiles.Put(meta)
			}
		}
		handler(ev)
	}
	return e.router.Subscribe(filters, wrapped)
}

// Publish validates and sends an event to the write relays.
func (e *Engine) Publish(ctx context.Context, ev *nostr.Event) error {
	return e.router.Publish(ctx, ev)
}

// PublishStatus reports per-relay verdicts for a published event.
func (e *Engine) PublishStatus(eventID string) (router.PublishStatus, bool) {
	return e.router.StatusOf(eventID)
}

// Profile returns the cached profile for pubkey, if any.
func (e *Engine) Profile(pubkey string) (*profile.Metadata, bool) {
	return e.profiles.Get(pubkey)
}

// ResolveProfile returns the profile for pubkey, fetching it from the
// relays on a cache miss. ctx bounds the fetch.
func (e *Engine) ResolveProfile(ctx context.Context, pubkey string) (*profile.Metadata, error) {
	if meta, ok := e.profiles.Get(pubkey); ok {
		return meta, nil
	}

	found := make(chan *nostr.Event, 1)
	sub, err := e.router.Subscribe(nostr.Filters{{
		Kinds:   []int{constants.KindProfileMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}}, func(ev *nostr.Event) {
		select {
		case found <- ev:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-found:
		meta := profile.ParseMetadata(ev)
		if meta == nil {
			return nil, fmt.Errorf("relay returned a non-profile event")
		}
		e.profiles.Put(meta)
		return meta, nil
	}
}

// ProfileSnapshot serializes the profile cache for persistence.
func (e *Engine) ProfileSnapshot() ([]byte, error) {
	return e.profiles.Snapshot()
}

// RestoreProfiles loads a previously saved profile cache snapshot.
func (e *Engine) RestoreProfiles(data []byte) error {
	return e.profiles.Restore(data)
}

/* ------------------------------------------------------------------ *
|  Remote signer                                                      |
* -------------------------------------------------------------------*/

// signerTransport adapts the router and pool to the signer's needs.
type signerTransport struct{ e *Engine }

func (t *signerTransport) Subscribe(filters nostr.Filters, handler func(*nostr.Event)) (signer.Closer, error) {
	return t.e.router.Subscribe(filters, handler)
}

func (t *signerTransport) Publish(ctx context.Context, ev *nostr.Event) error {
	return t.e.router.Publish(ctx, ev)
}

// StartBunkerSession opens a fresh remote signer session and returns
// the connection URI for the signer to scan. onRecord, when non-nil,
// receives the session record for persistence once the handshake
// completes. Extra options (a state listener, typically) are passed
// through to the session.
func (e *Engine) StartBunkerSession(ctx context.Context, onRecord func(signer.Record), extra ...signer.Option) (string, *signer.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && e.session.CurrentState() != signer.StateDisconnected {
		return "", nil, fmt.Errorf("a signer session is already active")
	}

	opts := []signer.Option{
		signer.WithReconnectHook(e.pool.ForceReconnectAll),
	}
	if onRecord != nil {
		opts = append(opts, signer.WithRecordSink(onRecord))
	}
	opts = append(opts, extra...)
	s := signer.NewSession(e.cfg.Bunker, &signerTransport{e: e}, opts...)

	uri, err := s.Start(ctx)
	if err != nil {
		return "", nil, err
	}
	e.session = s
	return uri, s, nil
}

// RestoreBunkerSession resumes a persisted signer session.
func (e *Engine) RestoreBunkerSession(rec signer.Record) (*signer.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && e.session.CurrentState() != signer.StateDisconnected {
		return nil, fmt.Errorf("a signer session is already active")
	}

	s := signer.NewSession(e.cfg.Bunker, &signerTransport{e: e},
		signer.WithReconnectHook(e.pool.ForceReconnectAll))
	if err := s.Restore(rec); err != nil {
		return nil, err
	}
	e.session = s
	return s, nil
}

// Session returns the active signer session, or nil.
func (e *Engine) Session() *signer.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// SignEvent signs ev through the active signer session.
func (e *Engine) SignEvent(ctx context.Context, ev *nostr.Event) error {
	s := e.Session()
	if s == nil {
		return fmt.Errorf("no signer session")
	}
	return s.SignEvent(ctx, ev)
}

// Shutdown stops everything in dependency order: signer first so its
// teardown can still use the transport, then subscriptions, the pool,
// and finally the workers.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s != nil {
		s.Shutdown()
	}

	e.router.Shutdown()
	e.pool.Shutdown()
	e.workers.Stop()

	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.metricsSrv.Shutdown(ctx)
	}
	e.log.Info("engine stopped")
}
