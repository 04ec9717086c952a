package nip44

import (
	"encoding/base64"
	"strings"
	"testing"

	stderrors "errors"

	enginerrors "github.com/glowstream/engine/internal/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyPair(t *testing.T) (sec, pub string) {
	t.Helper()
	sec = nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sec)
	require.NoError(t, err)
	return sec, pub
}

func decryptKind(t *testing.T, err error) enginerrors.DecryptKind {
	t.Helper()
	var derr *enginerrors.DecryptError
	require.True(t, stderrors.As(err, &derr), "expected DecryptError, got %v", err)
	return derr.Kind
}

func TestConversationKeySymmetry(t *testing.T) {
	aliceSec, alicePub := keyPair(t)
	bobSec, bobPub := keyPair(t)

	ab, err := NewConversationKey(aliceSec, bobPub)
	require.NoError(t, err)
	ba, err := NewConversationKey(bobSec, alicePub)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	aliceSec, _ := keyPair(t)
	_, bobPub := keyPair(t)
	key, err := NewConversationKey(aliceSec, bobPub)
	require.NoError(t, err)

	for _, plaintext := range []string{
		"",
		"a",
		"hello, world",
		strings.Repeat("x", 32),
		strings.Repeat("y", 33),
		strings.Repeat("z", 65535),
	} {
		payload, err := Encrypt(plaintext, key)
		require.NoError(t, err, "len=%d", len(plaintext))

		got, err := Decrypt(payload, key)
		require.NoError(t, err, "len=%d", len(plaintext))
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	aliceSec, _ := keyPair(t)
	_, bobPub := keyPair(t)
	key, err := NewConversationKey(aliceSec, bobPub)
	require.NoError(t, err)

	_, err = Encrypt(strings.Repeat("x", 65536), key)
	assert.Error(t, err)
}

func TestDecryptWithWrongKeyFailsAuthentication(t *testing.T) {
	aliceSec, _ := keyPair(t)
	_, bobPub := keyPair(t)
	key, err := NewConversationKey(aliceSec, bobPub)
	require.NoError(t, err)

	eveSec, _ := keyPair(t)
	wrong, err := NewConversationKey(eveSec, bobPub)
	require.NoError(t, err)

	payload, err := Encrypt("secret", key)
	require.NoError(t, err)

	_, err = Decrypt(payload, wrong)
	require.Error(t, err)
	assert.Equal(t, enginerrors.AuthFailed, decryptKind(t, err))
}

func TestDecryptDetectsTampering(t *testing.T) {
	aliceSec, _ := keyPair(t)
	_, bobPub := keyPair(t)
	key, err := NewConversationKey(aliceSec, bobPub)
	require.NoError(t, err)

	payload, err := Encrypt("secret", key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	raw[40] ^= 0x01 // flip one ciphertext bit
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = Decrypt(tampered, key)
	require.Error(t, err)
	assert.Equal(t, enginerrors.AuthFailed, decryptKind(t, err))
}

func TestDecryptRejectsUnsupportedVersions(t *testing.T) {
	aliceSec, _ := keyPair(t)
	_, bobPub := keyPair(t)
	key, err := NewConversationKey(aliceSec, bobPub)
	require.NoError(t, err)

	_, err = Decrypt("#future-version-payload", key)
	assert.Equal(t, enginerrors.BadVersion, decryptKind(t, err))

	payload, err := Encrypt("secret", key)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	raw[0] = 1
	_, err = Decrypt(base64.StdEncoding.EncodeToString(raw), key)
	assert.Equal(t, enginerrors.BadVersion, decryptKind(t, err))
}

func TestDecryptRejectsTruncatedPayloads(t *testing.T) {
	aliceSec, _ := keyPair(t)
	_, bobPub := keyPair(t)
	key, err := NewConversationKey(aliceSec, bobPub)
	require.NoError(t, err)

	_, err = Decrypt("not base64!!!", key)
	assert.Equal(t, enginerrors.Truncated, decryptKind(t, err))

	short := base64.StdEncoding.EncodeToString(make([]byte, 50))
	_, err = Decrypt(short, key)
	assert.Equal(t, enginerrors.Truncated, decryptKind(t, err))
}

func TestPaddingHidesExactLength(t *testing.T) {
	aliceSec, _ := keyPair(t)
	_, bobPub := keyPair(t)
	key, err := NewConversationKey(aliceSec, bobPub)
	require.NoError(t, err)

	// Everything up to 32 bytes lands in the same bucket.
	short, err := Encrypt("a", key)
	require.NoError(t, err)
	long, err := Encrypt(strings.Repeat("a", 32), key)
	require.NoError(t, err)

	shortRaw, _ := base64.StdEncoding.DecodeString(short)
	longRaw, _ := base64.StdEncoding.DecodeString(long)
	assert.Equal(t, len(shortRaw), len(longRaw))
}

func TestCalcPaddedLenBuckets(t *testing.T) {
	cases := map[int]int{
		0:   32,
		1:   32,
		32:  32,
		33:  64,
		37:  64,
		64:  64,
		65:  96,
		256: 256,
		257: 320,
		512: 512,
	}
	for in, want := range cases {
		assert.Equal(t, want, calcPaddedLen(in), "in=%d", in)
	}
}

func TestConversationKeyZero(t *testing.T) {
	aliceSec, _ := keyPair(t)
	_, bobPub := keyPair(t)
	key, err := NewConversationKey(aliceSec, bobPub)
	require.NoError(t, err)

	key.Zero()
	assert.Equal(t, ConversationKey{}, key)
}
