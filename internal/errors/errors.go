// Package errors defines the typed error taxonomy shared by the engine
// components. Every failure a caller can observe is one of the kinded
// error structs below or one of the sentinel values; none of them is
// ever allowed to terminate the host process.
package errors

import (
	"fmt"
)

// Sentinel errors for common conditions
var (
	ErrNoWriteRelays = fmt.Errorf("no write-eligible relay is connected")
	ErrSessionClosed = fmt.Errorf("signer session is closed")
	ErrNotConnected  = fmt.Errorf("not connected")
	ErrUnknownRelay  = fmt.Errorf("relay is not configured")
)

/* ------------------------------------------------------------------ *
|  Validation                                                         |
* -------------------------------------------------------------------*/

// ValidationKind discriminates why an event was rejected.
type ValidationKind int

const (
	HashMismatch ValidationKind = iota
	BadSignature
	SchemaViolation
)

func (k ValidationKind) String() string {
	switch k {
	case HashMismatch:
		return "hash_mismatch"
	case BadSignature:
		return "bad_signature"
	case SchemaViolation:
		return "schema_violation"
	default:
		return "unknown"
	}
}

// ValidationError reports an event that must never reach a handler.
type ValidationError struct {
	Kind    ValidationKind
	EventID string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid event %s: %s", e.EventID, e.Kind)
	}
	return fmt.Sprintf("invalid event %s: %s: %s", e.EventID, e.Kind, e.Reason)
}

/* ------------------------------------------------------------------ *
|  Decryption                                                         |
* -------------------------------------------------------------------*/

// DecryptKind discriminates why a ciphertext was rejected.
type DecryptKind int

const (
	BadVersion DecryptKind = iota
	Truncated
	AuthFailed
)

func (k DecryptKind) String() string {
	switch k {
	case BadVersion:
		return "bad_version"
	case Truncated:
		return "truncated"
	case AuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// DecryptError is returned whenever decryption fails closed. Partial
// plaintext is never returned alongside it.
type DecryptError struct {
	Kind   DecryptKind
	Reason string
}

func (e *DecryptError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("decrypt failed: %s", e.Kind)
	}
	return fmt.Sprintf("decrypt failed: %s: %s", e.Kind, e.Reason)
}

/* ------------------------------------------------------------------ *
|  Transport                                                          |
* -------------------------------------------------------------------*/

// TransportKind discriminates relay transport failures.
type TransportKind int

const (
	ConnectFailed TransportKind = iota
	Closed
	Timeout
)

func (k TransportKind) String() string {
	switch k {
	case ConnectFailed:
		return "connect_failed"
	case Closed:
		return "closed"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TransportError wraps a failure on a single relay connection. It is
// surfaced as a connection-state transition, never as a hard failure
// of an unrelated operation.
type TransportError struct {
	Kind  TransportKind
	Relay string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("relay %s: %s", e.Relay, e.Kind)
	}
	return fmt.Sprintf("relay %s: %s: %v", e.Relay, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

/* ------------------------------------------------------------------ *
|  Remote signer RPC                                                  |
* -------------------------------------------------------------------*/

// RpcKind discriminates remote-signing RPC failures.
type RpcKind int

const (
	RpcTimeout RpcKind = iota
	RpcRemoteError
	RpcMalformed
)

func (k RpcKind) String() string {
	switch k {
	case RpcTimeout:
		return "timeout"
	case RpcRemoteError:
		return "remote_error"
	case RpcMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// RpcError is the typed result of a failed signer RPC. The caller
// decides any UI-level fallback.
type RpcError struct {
	Kind    RpcKind
	Method  string
	Message string
}

func (e *RpcError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc %s: %s", e.Method, e.Kind)
	}
	return fmt.Sprintf("rpc %s: %s: %s", e.Method, e.Kind, e.Message)
}

/* ------------------------------------------------------------------ *
|  Signer session                                                     |
* -------------------------------------------------------------------*/

// SessionKind discriminates bunker session failures.
type SessionKind int

const (
	ScanTimeout SessionKind = iota
	Unauthenticated
)

func (k SessionKind) String() string {
	switch k {
	case ScanTimeout:
		return "scan_timeout"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// SessionError reports a bunker session level failure. A connect
// response carrying the wrong secret is not one of these: it is
// ignored as noise and the session keeps waiting.
type SessionError struct {
	Kind   SessionKind
	Reason string
}

func (e *SessionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("signer session: %s", e.Kind)
	}
	return fmt.Sprintf("signer session: %s: %s", e.Kind, e.Reason)
}
