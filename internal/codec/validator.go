package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/glowstream/engine/internal/errors"
	"github.com/glowstream/engine/internal/logger"
	"github.com/glowstream/engine/internal/metrics"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Validator checks inbound events before they reach subscribers:
// envelope shape, id integrity, signature, then kind schema. Safe for
// concurrent use once constructed.
type Validator struct {
	log *zap.Logger
}

// NewValidator creates an event validator instance.
func NewValidator() *Validator {
	return &Validator{log: logger.New("codec")}
}

// Validate returns nil when ev is authentic and well-formed. Failures
// return *errors.ValidationError; checks run cheapest first.
func (v *Validator) Validate(ev *nostr.Event) error {
	if err := v.checkEnvelope(ev); err != nil {
		metrics.EventsInvalid.WithLabelValues("schema").Inc()
		return err
	}
	if err := v.checkID(ev); err != nil {
		metrics.EventsInvalid.WithLabelValues("hash").Inc()
		v.log.Debug("event id mismatch", zap.String("event_id", ev.ID))
		return err
	}
	if err := v.checkSignature(ev); err != nil {
		metrics.EventsInvalid.WithLabelValues("signature").Inc()
		v.log.Debug("event signature invalid",
			zap.String("event_id", ev.ID),
			zap.String("pubkey", ev.PubKey))
		return err
	}
	if schema, ok := kindSchemas[ev.Kind]; ok {
		if err := schema(ev); err != nil {
			metrics.EventsInvalid.WithLabelValues("schema").Inc()
			return err
		}
	}
	return nil
}

func (v *Validator) checkEnvelope(ev *nostr.Event) error {
	if !nostr.IsValid32ByteHex(strings.ToLower(ev.ID)) {
		return &errors.ValidationError{
			Kind:    errors.SchemaViolation,
			EventID: ev.ID,
			Reason:  "id is not 32-byte hex",
		}
	}
	if !nostr.IsValid32ByteHex(strings.ToLower(ev.PubKey)) {
		return &errors.ValidationError{
			Kind:    errors.SchemaViolation,
			EventID: ev.ID,
			Reason:  "pubkey is not 32-byte hex",
		}
	}
	if ev.Kind < 0 || ev.Kind > 65535 {
		return &errors.ValidationError{
			Kind:    errors.SchemaViolation,
			EventID: ev.ID,
			Reason:  "kind out of range",
		}
	}
	for _, tag := range ev.Tags {
		if len(tag) == 0 || tag[0] == "" {
			return &errors.ValidationError{
				Kind:    errors.SchemaViolation,
				EventID: ev.ID,
				Reason:  "tag with empty name",
			}
		}
	}
	return nil
}

// checkID recomputes the canonical serialization hash and compares it
// against the claimed id.
func (v *Validator) checkID(ev *nostr.Event) error {
	sum := sha256.Sum256(ev.Serialize())
	if hex.EncodeToString(sum[:]) != strings.ToLower(ev.ID) {
		return &errors.ValidationError{
			Kind:    errors.HashMismatch,
			EventID: ev.ID,
			Reason:  "id does not match serialized event hash",
		}
	}
	return nil
}

// checkSignature verifies the BIP-340 signature over the event id.
func (v *Validator) checkSignature(ev *nostr.Event) error {
	badSig := func(reason string) error {
		return &errors.ValidationError{
			Kind:    errors.BadSignature,
			EventID: ev.ID,
			Reason:  reason,
		}
	}

	pkBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return badSig("pubkey is not valid hex")
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return badSig("pubkey is not a valid point")
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sigBytes) != 64 {
		return badSig("signature is not 64-byte hex")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return badSig("signature does not parse")
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return badSig("id is not valid hex")
	}
	if !sig.Verify(idBytes, pk) {
		return badSig("signature verification failed")
	}
	return nil
}
