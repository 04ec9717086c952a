package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/glowstream/engine/internal/errors"
	"github.com/nbd-wtf/go-nostr"
)

// Coordinate addresses a replaceable event as <kind>:<pubkey>:<identifier>.
// The identifier may itself contain colons, so parsing splits on the
// first two separators only.
type Coordinate struct {
	Kind       int
	PubKey     string
	Identifier string
}

// ParseCoordinate parses an "a" tag value into its parts.
func ParseCoordinate(raw string) (Coordinate, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return Coordinate{}, &errors.ValidationError{
			Kind:   errors.SchemaViolation,
			Reason: fmt.Sprintf("coordinate %q must have three colon-separated parts", raw),
		}
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 || kind > 65535 {
		return Coordinate{}, &errors.ValidationError{
			Kind:   errors.SchemaViolation,
			Reason: fmt.Sprintf("coordinate %q has invalid kind", raw),
		}
	}
	pubkey := strings.ToLower(parts[1])
	if !nostr.IsValid32ByteHex(pubkey) {
		return Coordinate{}, &errors.ValidationError{
			Kind:   errors.SchemaViolation,
			Reason: fmt.Sprintf("coordinate %q has invalid pubkey", raw),
		}
	}
	return Coordinate{Kind: kind, PubKey: pubkey, Identifier: parts[2]}, nil
}

// CoordinateOf derives the coordinate of a replaceable event from the
// event itself. The event's own pubkey is authoritative.
func CoordinateOf(ev *nostr.Event) (Coordinate, bool) {
	d := ev.Tags.Find("d")
	if d == nil {
		return Coordinate{}, false
	}
	return Coordinate{
		Kind:       ev.Kind,
		PubKey:     strings.ToLower(ev.PubKey),
		Identifier: d[1],
	}, true
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%s:%s", c.Kind, c.PubKey, c.Identifier)
}

// Equal compares coordinates with case-insensitive pubkeys.
func (c Coordinate) Equal(other Coordinate) bool {
	return c.Kind == other.Kind &&
		strings.EqualFold(c.PubKey, other.PubKey) &&
		c.Identifier == other.Identifier
}
