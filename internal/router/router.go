// Package router demultiplexes relay frames into subscriptions and
// tracks the fate of published events.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"sync"

	"github.com/glowstream/engine/internal/codec"
	"github.com/glowstream/engine/internal/constants"
	"github.com/glowstream/engine/internal/domain"
	enginerrors "github.com/glowstream/engine/internal/errors"
	"github.com/glowstream/engine/internal/logger"
	"github.com/glowstream/engine/internal/metrics"
	"github.com/nbd-wtf/go-nostr"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

// PublishResult is one relay's verdict on a published event.
type PublishResult struct {
	Accepted bool
	Message  string
}

// PublishStatus tracks a published event across the write relays.
type PublishStatus struct {
	EventID string
	SentTo  []string
	Results map[string]PublishResult
}

// Router owns all live subscriptions and routes inbound frames to
// them. One Router serves one connection pool.
type Router struct {
	transport domain.Transport
	validator *codec.Validator
	log       *zap.Logger

	mu   sync.RWMutex
	subs map[string]*subscription

	// seen is an approximate record of every event id ever routed,
	// feeding the cross-subscription duplicate metric. Correctness of
	// per-subscription dedup rests on each subscription's exact set.
	seenMu sync.Mutex
	seen   *bloom.BloomFilter

	pubMu    sync.Mutex
	statuses map[string]*PublishStatus
	pubOrder []string
}

// New builds a router on top of a transport. Events pass through the
// validator before reaching any subscriber.
func New(transport domain.Transport, validator *codec.Validator) *Router {
	return &Router{
		transport: transport,
		validator: validator,
		log:       logger.New("router"),
		subs:      make(map[string]*subscription),
		seen:      bloom.NewWithEstimates(100000, 0.01),
		statuses:  make(map[string]*PublishStatus),
	}
}

func newSubID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("sub-%d", nostr.Now())
	}
	return hex.EncodeToString(b)
}

// Subscribe opens a subscription across all read relays. Stored events
// are buffered and delivered in creation order once the first relay
// signals end-of-stored; live events stream through afterwards.
func (r *Router) Subscribe(filters nostr.Filters, handler domain.EventHandler) (domain.Subscription, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("at least one filter is required")
	}
	readRelays := r.transport.ReadRelays()
	if len(readRelays) == 0 {
		return nil, fmt.Errorf("no read relays configured")
	}

	sub := newSubscription(newSubID(), filters, handler, r)

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	frame := reqFrame(sub.id, filters)
	delivered := 0
	for _, relay := range readRelays {
		if err := r.transport.Send(relay, frame...); err != nil {
			r.log.Debug("subscription request not delivered, will replay on reconnect",
				zap.String("sub_id", sub.id),
				zap.String("relay", relay),
				zap.Error(err))
			continue
		}
		delivered++
	}
	r.log.Info("subscription opened",
		zap.String("sub_id", sub.id),
		zap.Int("filters", len(filters)),
		zap.Int("relays", delivered))
	return sub, nil
}

func reqFrame(subID string, filters nostr.Filters) []any {
	frame := make([]any, 0, 2+len(filters))
	frame = append(frame, "REQ", subID)
	for i := range filters {
		frame = append(frame, filters[i])
	}
	return frame
}

func (r *Router) remove(subID string) {
	r.mu.Lock()
	delete(r.subs, subID)
	r.mu.Unlock()
}

// HandleFrame processes one raw frame from a relay. Runs on the
// relay's read goroutine, so everything here must be fast; handler
// work happens on subscription dispatch goroutines.
func (r *Router) HandleFrame(relayURL string, raw []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
		r.log.Debug("malformed frame", zap.String("relay", relayURL))
		return
	}
	var frameType string
	if err := json.Unmarshal(arr[0], &frameType); err != nil {
		r.log.Debug("frame type is not a string", zap.String("relay", relayURL))
		return
	}
	metrics.FramesReceived.WithLabelValues(relayURL, frameType).Inc()

	switch frameType {
	case "EVENT":
		r.handleEvent(relayURL, arr)
	case "EOSE":
		r.handleEOSE(relayURL, arr)
	case "OK":
		r.handleOK(relayURL, arr)
	case "CLOSED":
		r.handleClosed(relayURL, arr)
	case "NOTICE":
		var msg string
		if len(arr) >= 2 {
			_ = json.Unmarshal(arr[1], &msg)
		}
		r.log.Info("relay notice", zap.String("relay", relayURL), zap.String("message", msg))
	default:
		r.log.Debug("unknown frame type",
			zap.String("relay", relayURL),
			zap.String("type", frameType))
	}
}

func (r *Router) handleEvent(relayURL string, arr []json.RawMessage) {
	if len(arr) < 3 {
		return
	}
	var subID string
	if err := json.Unmarshal(arr[1], &subID); err != nil {
		return
	}
	var ev nostr.Event
	if err := json.Unmarshal(arr[2], &ev); err != nil {
		r.log.Debug("event does not parse",
			zap.String("relay", relayURL),
			zap.String("sub_id", subID))
		return
	}

	if err := r.validator.Validate(&ev); err != nil {
		r.log.Debug("event rejected",
			zap.String("relay", relayURL),
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return
	}

	r.seenMu.Lock()
	already := r.seen.TestAndAddString(ev.ID)
	r.seenMu.Unlock()
	if already {
		metrics.EventsCrossSubDuplicate.Inc()
	}

	r.mu.RLock()
	sub, ok := r.subs[subID]
	r.mu.RUnlock()
	if !ok {
		// Frames for closed subscriptions keep arriving until every
		// relay processes the CLOSE. Drop them silently.
		return
	}
	sub.deliver(&ev)
}

func (r *Router) handleEOSE(relayURL string, arr []json.RawMessage) {
	if len(arr) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(arr[1], &subID); err != nil {
		return
	}
	r.mu.RLock()
	sub, ok := r.subs[subID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	sub.flushStored()
}

func (r *Router) handleOK(relayURL string, arr []json.RawMessage) {
	if len(arr) < 3 {
		return
	}
	var eventID string
	var accepted bool
	if err := json.Unmarshal(arr[1], &eventID); err != nil {
		return
	}
	if err := json.Unmarshal(arr[2], &accepted); err != nil {
		return
	}
	var message string
	if len(arr) >= 4 {
		_ = json.Unmarshal(arr[3], &message)
	}

	metrics.PublishResults.WithLabelValues(relayURL, fmt.Sprintf("%t", accepted)).Inc()

	r.pubMu.Lock()
	if status, ok := r.statuses[eventID]; ok {
		status.Results[relayURL] = PublishResult{Accepted: accepted, Message: message}
	}
	r.pubMu.Unlock()

	if !accepted {
		r.log.Warn("relay rejected event",
			zap.String("relay", relayURL),
			zap.String("event_id", eventID),
			zap.String("message", message))
	}
}

func (r *Router) handleClosed(relayURL string, arr []json.RawMessage) {
	if len(arr) < 2 {
		return
	}
	var subID, reason string
	_ = json.Unmarshal(arr[1], &subID)
	if len(arr) >= 3 {
		_ = json.Unmarshal(arr[2], &reason)
	}

	r.mu.RLock()
	sub, ok := r.subs[subID]
	r.mu.RUnlock()
	if ok {
		sub.markRelayClosed(relayURL)
	}

	r.log.Warn("relay closed subscription",
		zap.String("relay", relayURL),
		zap.String("sub_id", subID),
		zap.String("reason", reason))
}

// HandleReconnect replays every live subscription's request to a relay
// that just (re)connected. Replayed subscriptions stay in live mode;
// re-sent stored events are absorbed by per-subscription dedup.
func (r *Router) HandleReconnect(relayURL string) {
	isRead := false
	for _, url := range r.transport.ReadRelays() {
		if url == relayURL {
			isRead = true
			break
		}
	}
	if !isRead {
		return
	}

	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		if !sub.relayActive(relayURL) {
			continue
		}
		if err := r.transport.Send(relayURL, reqFrame(sub.id, sub.filters)...); err != nil {
			r.log.Debug("subscription replay failed",
				zap.String("sub_id", sub.id),
				zap.String("relay", relayURL),
				zap.Error(err))
			continue
		}
		r.log.Debug("subscription replayed",
			zap.String("sub_id", sub.id),
			zap.String("relay", relayURL))
	}
}

// Publish validates ev and sends it to every write relay. Delivery is
// best effort per relay; an error is returned only when ev is invalid,
// no write relays exist, or no relay accepted the frame at all.
func (r *Router) Publish(ctx context.Context, ev *nostr.Event) error {
	if err := r.validator.Validate(ev); err != nil {
		return err
	}
	writeRelays := r.transport.WriteRelays()
	if len(writeRelays) == 0 {
		return enginerrors.ErrNoWriteRelays
	}

	status := &PublishStatus{
		EventID: ev.ID,
		Results: make(map[string]PublishResult),
	}
	r.recordStatus(status)

	sent := 0
	var lastErr error
	for _, relay := range writeRelays {
		if err := r.transport.Publish(ctx, relay, "EVENT", ev); err != nil {
			lastErr = err
			r.log.Warn("publish not delivered",
				zap.String("relay", relay),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			continue
		}
		sent++
		r.pubMu.Lock()
		status.SentTo = append(status.SentTo, relay)
		r.pubMu.Unlock()
	}
	if sent == 0 {
		return fmt.Errorf("event %s reached no relay: %w", ev.ID, lastErr)
	}
	return nil
}

// recordStatus stores a publish status, evicting the oldest entries
// beyond the history bound.
func (r *Router) recordStatus(status *PublishStatus) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if _, exists := r.statuses[status.EventID]; !exists {
		r.pubOrder = append(r.pubOrder, status.EventID)
	}
	r.statuses[status.EventID] = status
	for len(r.pubOrder) > constants.PublishHistory {
		oldest := r.pubOrder[0]
		r.pubOrder = r.pubOrder[1:]
		delete(r.statuses, oldest)
	}
}

// StatusOf returns a copy of the publish status for an event, or false
// when the event is unknown or already evicted from history.
func (r *Router) StatusOf(eventID string) (PublishStatus, bool) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	status, ok := r.statuses[eventID]
	if !ok {
		return PublishStatus{}, false
	}
	out := PublishStatus{
		EventID: status.EventID,
		SentTo:  append([]string(nil), status.SentTo...),
		Results: make(map[string]PublishResult, len(status.Results)),
	}
	for relay, res := range status.Results {
		out.Results[relay] = res
	}
	return out, true
}

// ActiveSubscriptions reports how many subscriptions are live.
func (r *Router) ActiveSubscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Shutdown closes every live subscription.
func (r *Router) Shutdown() {
	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
}
