package codec

import (
	"fmt"

	"github.com/glowstream/engine/internal/constants"
	"github.com/glowstream/engine/internal/errors"
	"github.com/nbd-wtf/go-nostr"
)

// SchemaFunc checks kind-specific structure. A nil return means the
// event satisfies the schema for its kind.
type SchemaFunc func(ev *nostr.Event) error

// kindSchemas maps event kinds to their structural checks. Kinds
// without an entry carry no structural requirements beyond the
// envelope itself.
var kindSchemas = map[int]SchemaFunc{
	constants.KindLiveActivity:    checkLiveActivity,
	constants.KindLiveChatMessage: checkLiveChat,
	constants.KindZapReceipt:      checkZapReceipt,
}

// RegisterSchema installs or replaces the structural check for a kind.
// Call before the validator is shared across goroutines.
func RegisterSchema(kind int, fn SchemaFunc) {
	kindSchemas[kind] = fn
}

func schemaViolation(ev *nostr.Event, format string, args ...any) error {
	return &errors.ValidationError{
		Kind:    errors.SchemaViolation,
		EventID: ev.ID,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// checkLiveActivity enforces the live activity shape: a non-empty "d"
// identifier and a recognized "status" value.
func checkLiveActivity(ev *nostr.Event) error {
	d := ev.Tags.Find(constants.TagIdentifier)
	if d == nil || d[1] == "" {
		return schemaViolation(ev, "live activity missing %q tag", constants.TagIdentifier)
	}
	status := ev.Tags.Find(constants.TagStatus)
	if status == nil {
		return schemaViolation(ev, "live activity missing %q tag", constants.TagStatus)
	}
	if !constants.LiveActivityStatuses[status[1]] {
		return schemaViolation(ev, "live activity status %q not recognized", status[1])
	}
	return nil
}

// checkLiveChat enforces that a chat message points at a live activity
// through a well-formed "a" coordinate of the activity kind.
func checkLiveChat(ev *nostr.Event) error {
	a := ev.Tags.Find(constants.TagAddress)
	if a == nil {
		return schemaViolation(ev, "live chat message missing %q tag", constants.TagAddress)
	}
	coord, err := ParseCoordinate(a[1])
	if err != nil {
		return schemaViolation(ev, "live chat coordinate: %v", err)
	}
	if coord.Kind != constants.KindLiveActivity {
		return schemaViolation(ev, "live chat coordinate kind %d, want %d",
			coord.Kind, constants.KindLiveActivity)
	}
	return nil
}

// checkZapReceipt enforces the zap receipt shape: the paid invoice and
// the recipient pubkey.
func checkZapReceipt(ev *nostr.Event) error {
	if ev.Tags.Find(constants.TagBolt11) == nil {
		return schemaViolation(ev, "zap receipt missing %q tag", constants.TagBolt11)
	}
	p := ev.Tags.Find(constants.TagPubKey)
	if p == nil || !nostr.IsValid32ByteHex(p[1]) {
		return schemaViolation(ev, "zap receipt missing valid %q tag", constants.TagPubKey)
	}
	return nil
}
