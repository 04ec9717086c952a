// Package profile parses user metadata events and caches them with
// least-recently-used eviction.
package profile

import (
	"encoding/json"
	"strings"

	"github.com/glowstream/engine/internal/constants"
	"github.com/nbd-wtf/go-nostr"
)

// Metadata is the parsed content of a kind 0 event. Unknown fields are
// ignored; missing fields stay empty.
type Metadata struct {
	PubKey      string          `json:"pubkey"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	About       string          `json:"about"`
	Picture     string          `json:"picture"`
	Banner      string          `json:"banner"`
	Website     string          `json:"website"`
	NIP05       string          `json:"nip05"`
	LUD16       string          `json:"lud16"`
	UpdatedAt   nostr.Timestamp `json:"updated_at"`
}

// BestName returns the best human-readable name available.
func (m *Metadata) BestName() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	if m.Name != "" {
		return m.Name
	}
	if m.NIP05 != "" {
		return m.NIP05
	}
	if len(m.PubKey) >= 8 {
		return m.PubKey[:8]
	}
	return m.PubKey
}

// ParseMetadata extracts profile metadata from a kind 0 event. Content
// that is not a JSON object yields an empty profile rather than an
// error, matching how relays treat junk metadata in the wild.
func ParseMetadata(ev *nostr.Event) *Metadata {
	if ev == nil || ev.Kind != constants.KindProfileMetadata {
		return nil
	}
	m := &Metadata{
		PubKey:    strings.ToLower(ev.PubKey),
		UpdatedAt: ev.CreatedAt,
	}
	// Tolerant parse, junk content leaves the fields empty.
	_ = json.Unmarshal([]byte(ev.Content), m)
	m.PubKey = strings.ToLower(ev.PubKey)
	m.UpdatedAt = ev.CreatedAt
	return m
}
