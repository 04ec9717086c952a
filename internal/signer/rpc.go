package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glowstream/engine/internal/constants"
	enginerrors "github.com/glowstream/engine/internal/errors"
	"github.com/glowstream/engine/internal/metrics"
	"github.com/glowstream/engine/internal/nip44"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// request and response are the JSON-RPC shapes carried inside
// encrypted kind 24133 events.
type request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type response struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// callResult is what a pending call delivers to its waiter. The
// timedOut and closed markers are set only by the timeout timer and
// by teardown; wire JSON cannot populate them, so a remote error that
// happens to say "timeout" is still just a remote error.
type callResult struct {
	resp     response
	timedOut bool
	closed   bool
}

// pendingCall is one in-flight request. resolve runs at most once,
// whether the response, the timeout, or teardown gets there first.
type pendingCall struct {
	method string
	ch     chan callResult
	once   sync.Once
	timer  *time.Timer
}

func (p *pendingCall) resolve(res callResult) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- res
	})
}

func newRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// call sends one request to the signer and waits for the correlated
// response. Correlation is by request id alone; responses for unknown
// ids are dropped by the inbox handler.
func (s *Session) call(ctx context.Context, method string, params []string) (string, error) {
	s.mu.Lock()
	signerPub := s.signerPub
	convKey := s.convKey
	s.mu.Unlock()
	if signerPub == "" {
		return "", &enginerrors.SessionError{
			Kind:   enginerrors.Unauthenticated,
			Reason: "no signer attached to this session",
		}
	}

	req := request{ID: newRequestID(), Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	ciphertext, err := nip44.Encrypt(string(payload), convKey)
	if err != nil {
		return "", err
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      constants.KindNostrConnect,
		Tags:      nostr.Tags{{constants.TagPubKey, signerPub}},
		Content:   ciphertext,
	}
	if err := ev.Sign(s.clientSec); err != nil {
		return "", err
	}

	pending := &pendingCall{method: method, ch: make(chan callResult, 1)}
	pending.timer = time.AfterFunc(s.cfg.RPCTimeout, func() {
		metrics.SignerRPCTimeouts.WithLabelValues(method).Inc()
		pending.resolve(callResult{timedOut: true})
	})

	s.pendingMu.Lock()
	s.pending[req.ID] = pending
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, req.ID)
		s.pendingMu.Unlock()
	}()

	start := time.Now()
	if err := s.transport.Publish(ctx, ev); err != nil {
		pending.resolve(callResult{})
		return "", err
	}

	select {
	case <-ctx.Done():
		pending.resolve(callResult{})
		return "", ctx.Err()
	case res := <-pending.ch:
		metrics.SignerRPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if res.timedOut {
			s.log.Warn("signer call timed out", zap.String("method", method))
			return "", &enginerrors.RpcError{
				Kind:    enginerrors.RpcTimeout,
				Method:  method,
				Message: fmt.Sprintf("no response within %s", s.cfg.RPCTimeout),
			}
		}
		if res.closed {
			return "", enginerrors.ErrSessionClosed
		}
		if res.resp.Error != "" {
			return "", &enginerrors.RpcError{
				Kind:    enginerrors.RpcRemoteError,
				Method:  method,
				Message: res.resp.Error,
			}
		}
		return res.resp.Result, nil
	}
}

// callAsync fires a request without waiting for any response. Used for
// the disconnect notification during logout.
func (s *Session) callAsync(method string, params []string) {
	s.mu.Lock()
	signerPub := s.signerPub
	convKey := s.convKey
	s.mu.Unlock()
	if signerPub == "" {
		return
	}

	req := request{ID: newRequestID(), Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	ciphertext, err := nip44.Encrypt(string(payload), convKey)
	if err != nil {
		return
	}
	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      constants.KindNostrConnect,
		Tags:      nostr.Tags{{constants.TagPubKey, signerPub}},
		Content:   ciphertext,
	}
	if err := ev.Sign(s.clientSec); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.transport.Publish(ctx, ev); err != nil {
		s.log.Debug("fire-and-forget request not delivered",
			zap.String("method", method), zap.Error(err))
	}
}
