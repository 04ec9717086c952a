package signer

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	stderrors "errors"

	"github.com/glowstream/engine/internal/config"
	enginerrors "github.com/glowstream/engine/internal/errors"
	"github.com/glowstream/engine/internal/nip44"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSigner plays the remote signer side of the protocol: it receives
// the client's published events, decrypts them, and answers through
// the subscribed inbox handler.
type fakeSigner struct {
	t *testing.T

	signerSec string
	signerPub string
	userSec   string
	userPub   string

	mu        sync.Mutex
	handler   func(*nostr.Event)
	published []*nostr.Event
	respond   bool
	failWith  string
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	signerSec := nostr.GeneratePrivateKey()
	signerPub, err := nostr.GetPublicKey(signerSec)
	require.NoError(t, err)
	userSec := nostr.GeneratePrivateKey()
	userPub, err := nostr.GetPublicKey(userSec)
	require.NoError(t, err)
	return &fakeSigner{
		t:         t,
		signerSec: signerSec,
		signerPub: signerPub,
		userSec:   userSec,
		userPub:   userPub,
		respond:   true,
	}
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() { f.closed = true }

func (f *fakeSigner) Subscribe(_ nostr.Filters, handler func(*nostr.Event)) (Closer, error) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return &fakeCloser{}, nil
}

func (f *fakeSigner) Publish(_ context.Context, ev *nostr.Event) error {
	f.mu.Lock()
	f.published = append(f.published, ev)
	respond := f.respond
	failWith := f.failWith
	f.mu.Unlock()
	if !respond {
		return nil
	}

	key, err := nip44.NewConversationKey(f.signerSec, ev.PubKey)
	require.NoError(f.t, err)
	plaintext, err := nip44.Decrypt(ev.Content, key)
	if err != nil {
		return nil
	}
	var req request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return nil
	}

	resp := response{ID: req.ID}
	if failWith != "" {
		resp.Error = failWith
		go f.deliver(ev.PubKey, resp)
		return nil
	}
	switch req.Method {
	case "get_public_key":
		resp.Result = f.userPub
	case "ping":
		resp.Result = "pong"
	case "sign_event":
		var toSign nostr.Event
		if err := json.Unmarshal([]byte(req.Params[0]), &toSign); err != nil {
			resp.Error = "bad event"
			break
		}
		if err := toSign.Sign(f.userSec); err != nil {
			resp.Error = "sign failed"
			break
		}
		signed, _ := json.Marshal(toSign)
		resp.Result = string(signed)
	case "disconnect":
		// no reply expected
		return nil
	default:
		resp.Error = "unknown method"
	}

	go f.deliver(ev.PubKey, resp)
	return nil
}

// deliver encrypts a response and feeds it into the client's inbox.
func (f *fakeSigner) deliver(clientPub string, resp response) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return
	}

	payload, err := json.Marshal(resp)
	require.NoError(f.t, err)
	key, err := nip44.NewConversationKey(f.signerSec, clientPub)
	require.NoError(f.t, err)
	ciphertext, err := nip44.Encrypt(string(payload), key)
	require.NoError(f.t, err)

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      24133,
		Tags:      nostr.Tags{{"p", clientPub}},
		Content:   ciphertext,
	}
	require.NoError(f.t, ev.Sign(f.signerSec))
	handler(ev)
}

// announce plays the signer scanning the URI and publishing its
// opening message carrying the handshake secret.
func (f *fakeSigner) announce(clientPub, secret string) {
	f.deliver(clientPub, response{ID: "boot", Result: secret})
}

func (f *fakeSigner) publishedMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.published {
		key, err := nip44.NewConversationKey(f.signerSec, ev.PubKey)
		if err != nil {
			continue
		}
		plaintext, err := nip44.Decrypt(ev.Content, key)
		if err != nil {
			continue
		}
		var req request
		if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
			continue
		}
		out = append(out, req.Method)
	}
	return out
}

func testBunkerConfig() config.BunkerConfig {
	return config.BunkerConfig{
		AppName:      "glowstream-test",
		DefaultRelay: "wss://relay.test.example",
		ScanTimeout:  2 * time.Second,
		RPCTimeout:   2 * time.Second,
		PingInterval: time.Hour, // keep the ping loop quiet unless a test wants it
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.CurrentState() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached %s, stuck in %s", want, s.CurrentState())
}

func parseURI(t *testing.T, uri string) (clientPub, relay, secret string) {
	t.Helper()
	require.True(t, strings.HasPrefix(uri, "nostrconnect://"))
	u, err := url.Parse(uri)
	require.NoError(t, err)
	return u.Host, u.Query().Get("relay"), u.Query().Get("secret")
}

func TestStartProducesConnectURI(t *testing.T) {
	fs := newFakeSigner(t)
	s := NewSession(testBunkerConfig(), fs)

	uri, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown()

	clientPub, relay, secret := parseURI(t, uri)
	assert.True(t, nostr.IsValid32ByteHex(clientPub))
	assert.Equal(t, "wss://relay.test.example", relay)
	assert.NotEmpty(t, secret)
	assert.Equal(t, StateWaitingForScan, s.CurrentState())
}

func TestHandshakeWithCorrectSecret(t *testing.T) {
	fs := newFakeSigner(t)
	var recorded Record
	var recMu sync.Mutex
	s := NewSession(testBunkerConfig(), fs, WithRecordSink(func(r Record) {
		recMu.Lock()
		recorded = r
		recMu.Unlock()
	}))

	uri, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown()

	clientPub, _, secret := parseURI(t, uri)
	fs.announce(clientPub, secret)

	waitForState(t, s, StateConnected)

	pub, err := s.PublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fs.userPub, pub)

	recMu.Lock()
	defer recMu.Unlock()
	assert.Equal(t, fs.userPub, recorded.UserPubKey)
	assert.Equal(t, fs.signerPub, recorded.SignerPubKey)
	assert.NotEmpty(t, recorded.ClientSecretKey)
}

func TestHandshakeIgnoresWrongSecret(t *testing.T) {
	fs := newFakeSigner(t)
	s := NewSession(testBunkerConfig(), fs)

	uri, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown()

	clientPub, _, _ := parseURI(t, uri)
	fs.announce(clientPub, "not-the-secret")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateWaitingForScan, s.CurrentState())
}

func TestHandshakeAcceptsAckToken(t *testing.T) {
	fs := newFakeSigner(t)
	s := NewSession(testBunkerConfig(), fs)

	uri, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown()

	clientPub, _, _ := parseURI(t, uri)
	fs.announce(clientPub, "ack")

	waitForState(t, s, StateConnected)
}

func TestScanTimeoutFlagsSession(t *testing.T) {
	fs := newFakeSigner(t)
	cfg := testBunkerConfig()
	cfg.ScanTimeout = 50 * time.Millisecond
	s := NewSession(cfg, fs)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown()

	waitForState(t, s, StateError)
}

func TestSignEventRoundTrip(t *testing.T) {
	fs := newFakeSigner(t)
	s := NewSession(testBunkerConfig(), fs)

	uri, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown()

	clientPub, _, secret := parseURI(t, uri)
	fs.announce(clientPub, secret)
	waitForState(t, s, StateConnected)

	ev := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Content:   "signed remotely",
	}
	require.NoError(t, s.SignEvent(context.Background(), ev))

	assert.Equal(t, fs.userPub, ev.PubKey)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCallTimesOutWhenSignerSilent(t *testing.T) {
	fs := newFakeSigner(t)
	cfg := testBunkerConfig()
	cfg.RPCTimeout = 100 * time.Millisecond
	s := NewSession(cfg, fs)

	uri, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown()

	clientPub, _, secret := parseURI(t, uri)
	fs.announce(clientPub, secret)
	waitForState(t, s, StateConnected)

	fs.mu.Lock()
	fs.respond = false
	fs.mu.Unlock()

	err = s.Ping(context.Background())
	require.Error(t, err)
	var rpcErr *enginerrors.RpcError
	require.True(t, stderrors.As(err, &rpcErr))
	assert.Equal(t, enginerrors.RpcTimeout, rpcErr.Kind)
}

func TestRemoteErrorStringsAreNotMisclassified(t *testing.T) {
	fs := newFakeSigner(t)
	s := NewSession(testBunkerConfig(), fs)

	uri, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown()

	clientPub, _, secret := parseURI(t, uri)
	fs.announce(clientPub, secret)
	waitForState(t, s, StateConnected)

	for _, remote := range []string{"timeout", "session closed"} {
		fs.mu.Lock()
		fs.failWith = remote
		fs.mu.Unlock()

		err := s.Ping(context.Background())
		require.Error(t, err)
		require.NotErrorIs(t, err, enginerrors.ErrSessionClosed)
		var rpcErr *enginerrors.RpcError
		require.True(t, stderrors.As(err, &rpcErr))
		assert.Equal(t, enginerrors.RpcRemoteError, rpcErr.Kind)
		assert.Equal(t, remote, rpcErr.Message)
	}
}

func TestShutdownResolvesInFlightCalls(t *testing.T) {
	fs := newFakeSigner(t)
	cfg := testBunkerConfig()
	cfg.RPCTimeout = time.Hour
	s := NewSession(cfg, fs)

	uri, err := s.Start(context.Background())
	require.NoError(t, err)

	clientPub, _, secret := parseURI(t, uri)
	fs.announce(clientPub, secret)
	waitForState(t, s, StateConnected)

	fs.mu.Lock()
	fs.respond = false
	fs.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Ping(context.Background()) }()

	// Give the call a moment to register before tearing down.
	time.Sleep(50 * time.Millisecond)
	s.Shutdown()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, enginerrors.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("in-flight call never resolved after shutdown")
	}
}

func TestPingFailureFlagsSessionAndRecovers(t *testing.T) {
	fs := newFakeSigner(t)
	cfg := testBunkerConfig()
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond

	reconnects := make(chan struct{}, 8)
	s := NewSession(cfg, fs, WithReconnectHook(func() {
		select {
		case reconnects <- struct{}{}:
		default:
		}
	}))

	uri, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown()

	clientPub, _, secret := parseURI(t, uri)
	fs.announce(clientPub, secret)
	waitForState(t, s, StateConnected)

	fs.mu.Lock()
	fs.respond = false
	fs.mu.Unlock()
	waitForState(t, s, StateError)

	select {
	case <-reconnects:
	case <-time.After(time.Second):
		t.Fatal("reconnect hook never fired")
	}

	// The signer coming back clears the flag without a new handshake.
	fs.mu.Lock()
	fs.respond = true
	fs.mu.Unlock()
	waitForState(t, s, StateConnected)
}

func TestLogoutNotifiesSignerAndTearsDown(t *testing.T) {
	fs := newFakeSigner(t)
	s := NewSession(testBunkerConfig(), fs)

	uri, err := s.Start(context.Background())
	require.NoError(t, err)

	clientPub, _, secret := parseURI(t, uri)
	fs.announce(clientPub, secret)
	waitForState(t, s, StateConnected)

	s.Logout()
	assert.Equal(t, StateDisconnected, s.CurrentState())
	assert.Contains(t, fs.publishedMethods(), "disconnect")
}

func TestRestoreResumesWithoutHandshake(t *testing.T) {
	fs := newFakeSigner(t)
	clientSec := nostr.GeneratePrivateKey()
	rec := Record{
		ClientSecretKey: clientSec,
		SignerPubKey:    fs.signerPub,
		UserPubKey:      fs.userPub,
		Relay:           "wss://relay.test.example",
	}

	s := NewSession(testBunkerConfig(), fs)
	require.NoError(t, s.Restore(rec))
	defer s.Shutdown()

	assert.Equal(t, StateConnected, s.CurrentState())

	pub, err := s.PublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fs.userPub, pub)

	require.NoError(t, s.Ping(context.Background()))
	assert.NotContains(t, fs.publishedMethods(), "connect")
}

func TestRestoreRejectsBadRecord(t *testing.T) {
	fs := newFakeSigner(t)
	s := NewSession(testBunkerConfig(), fs)

	err := s.Restore(Record{ClientSecretKey: "junk", SignerPubKey: "junk", UserPubKey: "junk"})
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, s.CurrentState())
}
