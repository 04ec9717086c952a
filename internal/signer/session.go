// Package signer maintains a remote signing session over the relay
// network. The private key never leaves the signer device; this side
// holds only an ephemeral client key and an encrypted RPC channel.
package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glowstream/engine/internal/config"
	"github.com/glowstream/engine/internal/constants"
	enginerrors "github.com/glowstream/engine/internal/errors"
	"github.com/glowstream/engine/internal/logger"
	"github.com/glowstream/engine/internal/metrics"
	"github.com/glowstream/engine/internal/nip44"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// State is the lifecycle state of a signing session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateWaitingForScan
	StateWaitingForApproval
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWaitingForScan:
		return "waiting_for_scan"
	case StateWaitingForApproval:
		return "waiting_for_approval"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Closer releases a transport subscription.
type Closer interface {
	Close()
}

// Transport carries encrypted signer traffic over the relay network.
// The engine adapts its router and pool to this.
type Transport interface {
	Subscribe(filters nostr.Filters, handler func(*nostr.Event)) (Closer, error)
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Record is everything needed to resume a session after a restart.
// It contains the ephemeral client secret key, so treat stored records
// like credentials.
type Record struct {
	ClientSecretKey string          `json:"client_secret_key"`
	SignerPubKey    string          `json:"signer_pub_key"`
	UserPubKey      string          `json:"user_pub_key"`
	Relay           string          `json:"relay"`
	CreatedAt       nostr.Timestamp `json:"created_at"`
	LastUsed        nostr.Timestamp `json:"last_used"`
}

// Option configures a Session.
type Option func(*Session)

// WithStateListener registers a callback invoked on every state
// transition. The callback must not block.
func WithStateListener(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithRecordSink registers a callback invoked when the session reaches
// a resumable state, handing over the persistence record.
func WithRecordSink(fn func(Record)) Option {
	return func(s *Session) { s.onRecord = fn }
}

// WithReconnectHook registers a recovery action, typically forcing the
// relay pool to redial, invoked when the signer stops answering pings.
func WithReconnectHook(fn func()) Option {
	return func(s *Session) { s.reconnect = fn }
}

// Session is one remote signing relationship. All exported methods are
// safe for concurrent use.
type Session struct {
	cfg       config.BunkerConfig
	transport Transport
	log       *zap.Logger

	onState   func(State)
	onRecord  func(Record)
	reconnect func()

	state atomic.Int32

	mu        sync.Mutex
	clientSec string
	clientPub string
	secret    string
	signerPub string
	userPub   string
	convKey   nip44.ConversationKey
	inbox     Closer
	scanTimer *time.Timer

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	pingStop chan struct{}
	downOnce sync.Once
}

// NewSession builds a session. Call Start or Restore to bring it up.
func NewSession(cfg config.BunkerConfig, transport Transport, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg,
		transport: transport,
		log:       logger.New("signer"),
		pending:   make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setState(StateDisconnected)
	return s
}

// CurrentState returns the session's lifecycle state.
func (s *Session) CurrentState() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	metrics.SetSessionState(st.String())
	if prev != st {
		s.log.Info("session state changed",
			zap.String("from", prev.String()),
			zap.String("to", st.String()))
		if s.onState != nil {
			s.onState(st)
		}
	}
}

// Start opens a fresh session and returns the connection URI for the
// signer to scan. The session waits up to the scan timeout for the
// signer to appear.
func (s *Session) Start(ctx context.Context) (string, error) {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return "", fmt.Errorf("session already started")
	}
	metrics.SetSessionState(StateConnecting.String())

	clientSec := nostr.GeneratePrivateKey()
	clientPub, err := nostr.GetPublicKey(clientSec)
	if err != nil {
		s.setState(StateDisconnected)
		return "", err
	}
	secretBytes := make([]byte, 16)
	if _, err := rand.Read(secretBytes); err != nil {
		s.setState(StateDisconnected)
		return "", err
	}
	secret := hex.EncodeToString(secretBytes)

	inbox, err := s.transport.Subscribe(nostr.Filters{{
		Kinds: []int{constants.KindNostrConnect},
		Tags:  nostr.TagMap{constants.TagPubKey: []string{clientPub}},
	}}, s.handleInbox)
	if err != nil {
		s.setState(StateDisconnected)
		return "", err
	}

	s.mu.Lock()
	s.clientSec = clientSec
	s.clientPub = clientPub
	s.secret = secret
	s.inbox = inbox
	s.scanTimer = time.AfterFunc(s.cfg.ScanTimeout, s.scanTimedOut)
	s.mu.Unlock()

	s.setState(StateWaitingForScan)
	return connectURI(clientPub, s.cfg.DefaultRelay, secret, s.cfg.AppName, s.cfg.AppURL), nil
}

func (s *Session) scanTimedOut() {
	if s.CurrentState() != StateWaitingForScan {
		return
	}
	err := &enginerrors.SessionError{
		Kind:   enginerrors.ScanTimeout,
		Reason: fmt.Sprintf("no signer connected within %s", s.cfg.ScanTimeout),
	}
	s.log.Warn("abandoning handshake", zap.Error(err))
	s.setState(StateError)
}

// handleInbox processes one inbound signer event: either a response to
// a pending call or, during the handshake, the signer announcing
// itself with our secret.
func (s *Session) handleInbox(ev *nostr.Event) {
	if ev.Kind != constants.KindNostrConnect {
		return
	}

	s.mu.Lock()
	clientSec := s.clientSec
	signerPub := s.signerPub
	convKey := s.convKey
	secret := s.secret
	s.mu.Unlock()

	// Once a signer is attached, events from anyone else are noise.
	if signerPub != "" && ev.PubKey != signerPub {
		s.log.Debug("ignoring event from foreign pubkey",
			zap.String("pubkey", ev.PubKey))
		return
	}

	key := convKey
	if signerPub == "" {
		candidate, err := nip44.NewConversationKey(clientSec, ev.PubKey)
		if err != nil {
			return
		}
		key = candidate
	}

	plaintext, err := nip44.Decrypt(ev.Content, key)
	if err != nil {
		metrics.SignerDecryptFailures.Inc()
		s.log.Debug("inbox payload did not decrypt",
			zap.String("pubkey", ev.PubKey), zap.Error(err))
		return
	}

	var resp response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		s.log.Debug("inbox payload is not a response", zap.Error(err))
		return
	}

	s.pendingMu.Lock()
	pending, ok := s.pending[resp.ID]
	s.pendingMu.Unlock()
	if ok {
		pending.resolve(callResult{resp: resp})
		return
	}

	if s.CurrentState() == StateWaitingForScan {
		s.handleHandshake(ev.PubKey, key, secret, resp)
		return
	}

	// Late responses to calls that already timed out land here.
	s.log.Debug("dropping uncorrelated response", zap.String("id", resp.ID))
}

// handleHandshake validates the signer's opening message. A wrong
// secret is ignored outright so a stray or malicious signer cannot
// claim the session.
func (s *Session) handleHandshake(fromPub string, key nip44.ConversationKey, secret string, resp response) {
	if resp.Result != secret && resp.Result != constants.ConnectAckToken {
		s.log.Warn("signer presented wrong secret, ignoring",
			zap.String("pubkey", fromPub))
		return
	}

	s.mu.Lock()
	if s.signerPub != "" {
		s.mu.Unlock()
		return
	}
	s.signerPub = fromPub
	s.convKey = key
	if s.scanTimer != nil {
		s.scanTimer.Stop()
	}
	s.mu.Unlock()

	s.setState(StateWaitingForApproval)
	s.log.Info("signer attached", zap.String("signer_pubkey", fromPub))

	// Finish the handshake off the inbox path: the user pubkey fetch
	// round-trips through the signer and may wait on user approval.
	go s.completeHandshake()
}

func (s *Session) completeHandshake() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
	defer cancel()

	userPub, err := s.call(ctx, "get_public_key", nil)
	if err != nil {
		s.log.Error("signer rejected or never approved the session", zap.Error(err))
		s.setState(StateError)
		return
	}
	if !nostr.IsValid32ByteHex(userPub) {
		s.log.Error("signer returned malformed user pubkey")
		s.setState(StateError)
		return
	}

	s.mu.Lock()
	s.userPub = userPub
	s.mu.Unlock()

	s.setState(StateConnected)
	s.log.Info("session established", zap.String("user_pubkey", userPub))

	s.emitRecord()
	s.startPingLoop()
}

func (s *Session) emitRecord() {
	if s.onRecord == nil {
		return
	}
	s.mu.Lock()
	rec := Record{
		ClientSecretKey: s.clientSec,
		SignerPubKey:    s.signerPub,
		UserPubKey:      s.userPub,
		Relay:           s.cfg.DefaultRelay,
		CreatedAt:       nostr.Now(),
		LastUsed:        nostr.Now(),
	}
	s.mu.Unlock()
	s.onRecord(rec)
}

// Restore resumes a previously persisted session without a new
// handshake. The signer is assumed reachable; the first failed ping
// will flag the session otherwise.
func (s *Session) Restore(rec Record) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("session already started")
	}
	metrics.SetSessionState(StateConnecting.String())

	clientPub, err := nostr.GetPublicKey(rec.ClientSecretKey)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("restore: invalid client secret key: %w", err)
	}
	convKey, err := nip44.NewConversationKey(rec.ClientSecretKey, rec.SignerPubKey)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("restore: %w", err)
	}
	if !nostr.IsValid32ByteHex(rec.UserPubKey) {
		s.setState(StateDisconnected)
		return fmt.Errorf("restore: invalid user pubkey")
	}

	inbox, err := s.transport.Subscribe(nostr.Filters{{
		Kinds: []int{constants.KindNostrConnect},
		Tags:  nostr.TagMap{constants.TagPubKey: []string{clientPub}},
	}}, s.handleInbox)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.mu.Lock()
	s.clientSec = rec.ClientSecretKey
	s.clientPub = clientPub
	s.signerPub = rec.SignerPubKey
	s.userPub = rec.UserPubKey
	s.convKey = convKey
	s.inbox = inbox
	s.mu.Unlock()

	s.setState(StateConnected)
	s.log.Info("session restored",
		zap.String("user_pubkey", rec.UserPubKey),
		zap.String("signer_pubkey", rec.SignerPubKey))
	s.startPingLoop()
	return nil
}

/* ------------------------------------------------------------------ *
|  Signing operations                                                 |
* -------------------------------------------------------------------*/

// PublicKey returns the user's pubkey, asking the signer if it is not
// known yet.
func (s *Session) PublicKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	userPub := s.userPub
	s.mu.Unlock()
	if userPub != "" {
		return userPub, nil
	}
	userPub, err := s.call(ctx, "get_public_key", nil)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.userPub = userPub
	s.mu.Unlock()
	return userPub, nil
}

// SignEvent sends ev to the signer and copies the returned id, pubkey,
// and signature back into it.
func (s *Session) SignEvent(ctx context.Context, ev *nostr.Event) error {
	st := s.CurrentState()
	if st != StateConnected && st != StateError {
		return &enginerrors.SessionError{
			Kind:   enginerrors.Unauthenticated,
			Reason: fmt.Sprintf("cannot sign in state %s", st),
		}
	}

	unsigned, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	result, err := s.call(ctx, "sign_event", []string{string(unsigned)})
	if err != nil {
		return err
	}

	var signed nostr.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return &enginerrors.RpcError{
			Kind:    enginerrors.RpcMalformed,
			Method:  "sign_event",
			Message: "result is not a valid event",
		}
	}
	ev.ID = signed.ID
	ev.PubKey = signed.PubKey
	ev.Sig = signed.Sig
	ev.CreatedAt = signed.CreatedAt
	ev.Tags = signed.Tags
	ev.Content = signed.Content
	return nil
}

// Ping checks that the signer is still responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.call(ctx, "ping", nil)
	return err
}

/* ------------------------------------------------------------------ *
|  Liveness and teardown                                              |
* -------------------------------------------------------------------*/

func (s *Session) startPingLoop() {
	s.mu.Lock()
	if s.pingStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.pingStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.checkLiveness()
			}
		}
	}()
}

// checkLiveness pings the signer. A failure flags the session and
// kicks the reconnect hook; the next successful ping clears the flag
// without a new handshake.
func (s *Session) checkLiveness() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		if s.CurrentState() == StateConnected {
			s.log.Warn("signer stopped answering pings", zap.Error(err))
			s.setState(StateError)
			if s.reconnect != nil {
				s.reconnect()
			}
		}
		return
	}
	if s.CurrentState() == StateError {
		s.log.Info("signer reachable again")
		s.setState(StateConnected)
	}
}

// Logout tells the signer the session is over and tears everything
// down. The disconnect notification is fire-and-forget: teardown
// happens whether or not the signer hears it.
func (s *Session) Logout() {
	s.callAsync("disconnect", nil)
	s.teardown()
}

// Shutdown tears the session down without notifying the signer, for
// process exit where the session will be restored later.
func (s *Session) Shutdown() {
	s.teardown()
}

func (s *Session) teardown() {
	s.downOnce.Do(func() {
		s.mu.Lock()
		if s.scanTimer != nil {
			s.scanTimer.Stop()
		}
		if s.pingStop != nil {
			close(s.pingStop)
			s.pingStop = nil
		}
		inbox := s.inbox
		s.inbox = nil
		s.convKey.Zero()
		s.mu.Unlock()

		if inbox != nil {
			inbox.Close()
		}

		s.pendingMu.Lock()
		for _, pending := range s.pending {
			pending.resolve(callResult{closed: true})
		}
		s.pending = make(map[string]*pendingCall)
		s.pendingMu.Unlock()

		s.setState(StateDisconnected)
		s.log.Info("session closed")
	})
}
