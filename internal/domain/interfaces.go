// Package domain defines the interfaces shared across the engine's
// packages, keeping the pool, router, and signer decoupled from each
// other's concrete types.
package domain

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Transport abstracts the relay connection pool for frame producers.
// Frames are top-level protocol arrays marshaled as JSON.
type Transport interface {
	// Send writes one frame to a single relay.
	Send(relayURL string, frame ...any) error

	// Publish writes an event frame to a single relay. Unlike Send it
	// is subject to the relay's publish rate limit; ctx bounds the
	// limiter wait.
	Publish(ctx context.Context, relayURL string, frame ...any) error

	// ReadRelays lists relays eligible for subscription traffic.
	ReadRelays() []string

	// WriteRelays lists relays eligible for publish traffic.
	WriteRelays() []string
}

// EventHandler receives validated events for one subscription. Handlers
// run on the subscription's dispatch goroutine; a slow handler delays
// only its own subscription.
type EventHandler func(ev *nostr.Event)

// Subscription is the caller's handle on a live subscription.
type Subscription interface {
	// ID is the wire subscription identifier.
	ID() string

	// Close cancels the subscription. It is idempotent and safe to
	// call from inside the subscription's own handler.
	Close()
}

// Signer produces signatures for outbound events. Implementations may
// hold a local key or proxy to a remote signer.
type Signer interface {
	// PublicKey returns the hex public key events will be attributed to.
	PublicKey(ctx context.Context) (string, error)

	// SignEvent fills in the event's pubkey, id, and signature.
	SignEvent(ctx context.Context, ev *nostr.Event) error
}
