package router

import (
	"sort"
	"sync"

	"github.com/glowstream/engine/internal/constants"
	"github.com/glowstream/engine/internal/domain"
	"github.com/glowstream/engine/internal/metrics"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// subscription is one live REQ fan-out. Events from every relay funnel
// through deliver; a dedicated dispatch goroutine invokes the handler
// so one slow consumer cannot stall relay read loops or sibling
// subscriptions.
type subscription struct {
	id      string
	filters nostr.Filters
	handler domain.EventHandler
	router  *Router

	ch        chan *nostr.Event
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	seenIDs      map[string]struct{}
	buffering    bool
	buffer       []*nostr.Event
	closedRelays map[string]struct{}
}

func newSubscription(id string, filters nostr.Filters, handler domain.EventHandler, r *Router) *subscription {
	s := &subscription{
		id:        id,
		filters:   filters,
		handler:   handler,
		router:    r,
		ch:        make(chan *nostr.Event, constants.SubscriptionBuffer),
		done:      make(chan struct{}),
		seenIDs:   make(map[string]struct{}),
		buffering: true,
	}
	go s.dispatch()
	return s
}

// dispatch runs the handler on this subscription's own goroutine. The
// done re-check before each invocation guarantees no handler call can
// begin after Close returns control flow to the caller.
func (s *subscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(ev)
			metrics.EventsDelivered.Inc()
		}
	}
}

// deliver routes one validated event into the subscription: duplicates
// are suppressed, stored events accumulate until end-of-stored, live
// events go straight to the dispatch queue.
func (s *subscription) deliver(ev *nostr.Event) {
	s.mu.Lock()
	if _, dup := s.seenIDs[ev.ID]; dup {
		s.mu.Unlock()
		metrics.EventsDuplicate.Inc()
		return
	}
	s.seenIDs[ev.ID] = struct{}{}

	if s.buffering {
		s.buffer = append(s.buffer, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.enqueue(ev)
}

// flushStored ends the buffering phase: stored events are reordered by
// creation time and handed over before any live event. Called on the
// first end-of-stored marker from any relay; later markers are no-ops.
func (s *subscription) flushStored() {
	s.mu.Lock()
	if !s.buffering {
		s.mu.Unlock()
		return
	}
	s.buffering = false
	stored := s.buffer
	s.buffer = nil

	sort.SliceStable(stored, func(i, j int) bool {
		if stored[i].CreatedAt != stored[j].CreatedAt {
			return stored[i].CreatedAt < stored[j].CreatedAt
		}
		return stored[i].ID < stored[j].ID
	})
	s.mu.Unlock()

	for _, ev := range stored {
		s.enqueue(ev)
	}
}

func (s *subscription) enqueue(ev *nostr.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- ev:
	default:
		metrics.EventsDropped.Inc()
		s.router.log.Warn("subscription queue full, dropping event",
			zap.String("sub_id", s.id),
			zap.String("event_id", ev.ID))
	}
}

// markRelayClosed records that relay ended this subscription on its
// side. The relay drops out of the active set: no CLOSE frame on
// release, no replay on reconnect.
func (s *subscription) markRelayClosed(relay string) {
	s.mu.Lock()
	if s.closedRelays == nil {
		s.closedRelays = make(map[string]struct{})
	}
	s.closedRelays[relay] = struct{}{}
	s.mu.Unlock()
}

func (s *subscription) relayActive(relay string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, closed := s.closedRelays[relay]
	return !closed
}

// ID returns the wire subscription identifier.
func (s *subscription) ID() string { return s.id }

// Close cancels the subscription. Idempotent, never blocks, and safe
// to call from inside the subscription's own handler.
func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		s.router.remove(s.id)
		close(s.done)

		// Best effort; a relay that is down simply never sees the
		// CLOSE and forgets the subscription when the socket drops.
		for _, relay := range s.router.transport.ReadRelays() {
			if !s.relayActive(relay) {
				continue
			}
			if err := s.router.transport.Send(relay, "CLOSE", s.id); err != nil {
				s.router.log.Debug("close frame not delivered",
					zap.String("sub_id", s.id),
					zap.String("relay", relay),
					zap.Error(err))
			}
		}
	})
}
