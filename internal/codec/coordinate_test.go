package codec

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCoordinate(t *testing.T) {
	pub := strings.Repeat("ab", 32)

	c, err := ParseCoordinate("30311:" + pub + ":stream-1")
	require.NoError(t, err)
	assert.Equal(t, 30311, c.Kind)
	assert.Equal(t, pub, c.PubKey)
	assert.Equal(t, "stream-1", c.Identifier)
}

func TestParseCoordinateIdentifierMayContainColons(t *testing.T) {
	pub := strings.Repeat("ab", 32)

	c, err := ParseCoordinate("30311:" + pub + ":a:b:c")
	require.NoError(t, err)
	assert.Equal(t, "a:b:c", c.Identifier)
}

func TestParseCoordinateNormalizesPubkeyCase(t *testing.T) {
	upper := strings.Repeat("AB", 32)

	c, err := ParseCoordinate("30311:" + upper + ":x")
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(upper), c.PubKey)
}

func TestParseCoordinateRejectsMalformed(t *testing.T) {
	pub := strings.Repeat("ab", 32)

	for _, raw := range []string{
		"",
		"30311:" + pub,
		"notanumber:" + pub + ":x",
		"-1:" + pub + ":x",
		"30311:shortkey:x",
	} {
		_, err := ParseCoordinate(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestCoordinateOfUsesEventAuthor(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	ev := &nostr.Event{
		Kind:      30311,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"d", "stream-1"}},
	}
	require.NoError(t, ev.Sign(sk))

	c, ok := CoordinateOf(ev)
	require.True(t, ok)
	assert.Equal(t, pub, c.PubKey)
	assert.Equal(t, "30311:"+pub+":stream-1", c.String())
}

func TestCoordinateEqualIgnoresPubkeyCase(t *testing.T) {
	a := Coordinate{Kind: 30311, PubKey: strings.Repeat("ab", 32), Identifier: "x"}
	b := Coordinate{Kind: 30311, PubKey: strings.Repeat("AB", 32), Identifier: "x"}
	assert.True(t, a.Equal(b))
}
