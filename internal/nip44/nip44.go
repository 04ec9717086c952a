// Package nip44 implements the version 2 payload encryption used for
// remote signer traffic: secp256k1 ECDH conversation keys, per-message
// key derivation via HKDF, ChaCha20 with HMAC-SHA256 authentication,
// and power-of-two bucket padding that hides plaintext lengths.
package nip44

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/glowstream/engine/internal/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	version          = 2
	saltInfo         = "nip44-v2"
	maxPlaintextSize = 65535
	minPayloadSize   = 99
	maxPayloadSize   = 65603
)

// ConversationKey is the long-lived symmetric key shared by two
// parties. It is symmetric in the key pair: key(a.sec, b.pub) equals
// key(b.sec, a.pub).
type ConversationKey [32]byte

// Zero wipes the key material. Call when a session ends.
func (k *ConversationKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// NewConversationKey derives the shared key from our private key and
// the peer's x-only public key, both hex-encoded.
func NewConversationKey(secretHex, peerPubHex string) (ConversationKey, error) {
	var key ConversationKey

	secBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(secBytes) != 32 {
		return key, fmt.Errorf("secret key must be 32-byte hex")
	}
	pubBytes, err := hex.DecodeString(peerPubHex)
	if err != nil || len(pubBytes) != 32 {
		return key, fmt.Errorf("peer public key must be 32-byte hex")
	}

	sec, _ := btcec.PrivKeyFromBytes(secBytes)

	// An x-only key has two candidate points. Lifting with even parity
	// first matches the BIP-340 convention.
	prefixed := append([]byte{0x02}, pubBytes...)
	pub, err := btcec.ParsePubKey(prefixed)
	if err != nil {
		prefixed[0] = 0x03
		pub, err = btcec.ParsePubKey(prefixed)
		if err != nil {
			return key, fmt.Errorf("peer public key is not on the curve")
		}
	}

	// ECDH x coordinate, then HKDF extract binds it to this scheme.
	shared := btcec.GenerateSharedSecret(sec, pub)
	sharedX := make([]byte, 32)
	copy(sharedX[32-len(shared):], shared)

	copy(key[:], hkdf.Extract(sha256.New, sharedX, []byte(saltInfo)))
	return key, nil
}

// messageKeys expands the conversation key and per-message nonce into
// the cipher key, cipher nonce, and authentication key.
func messageKeys(key ConversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(nonce) != 32 {
		return nil, nil, nil, fmt.Errorf("nonce must be 32 bytes")
	}
	out := make([]byte, 76)
	if _, err := hkdf.Expand(sha256.New, key[:], nonce).Read(out); err != nil {
		return nil, nil, nil, err
	}
	return out[0:32], out[32:44], out[44:76], nil
}

// calcPaddedLen returns the bucket size for a plaintext length: 32 up
// to 32 bytes, then the chunk walk over powers of two.
func calcPaddedLen(unpadded int) int {
	if unpadded <= 32 {
		return 32
	}
	nextPower := 1
	for nextPower < unpadded {
		nextPower <<= 1
	}
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpadded-1)/chunk + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	if len(plaintext) > maxPlaintextSize {
		return nil, fmt.Errorf("plaintext exceeds %d bytes", maxPlaintextSize)
	}
	out := make([]byte, 2+calcPaddedLen(len(plaintext)))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(plaintext)))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, &errors.DecryptError{Kind: errors.Truncated, Reason: "padded data too short"}
	}
	unpadded := int(binary.BigEndian.Uint16(padded[0:2]))
	if unpadded > len(padded)-2 || len(padded) != 2+calcPaddedLen(unpadded) {
		return nil, &errors.DecryptError{Kind: errors.Truncated, Reason: "padding length inconsistent"}
	}
	return padded[2 : 2+unpadded], nil
}

func authTag(hmacKey, ciphertext, nonce []byte) []byte {
	h := hmac.New(sha256.New, hmacKey)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// Encrypt seals plaintext into a base64 payload with a random nonce.
func Encrypt(plaintext string, key ConversationKey) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return EncryptWithNonce(plaintext, key, nonce)
}

// EncryptWithNonce seals plaintext with the caller's nonce. Exposed so
// tests can exercise fixed vectors; normal callers use Encrypt.
func EncryptWithNonce(plaintext string, key ConversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(key, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	mac := authTag(hmacKey, ciphertext, nonce)

	payload := make([]byte, 0, 1+32+len(ciphertext)+32)
	payload = append(payload, version)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, mac...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt opens a base64 payload. The authentication tag is verified
// before any plaintext is produced. Failures return *errors.DecryptError.
func Decrypt(payload string, key ConversationKey) (string, error) {
	// A leading '#' marks a version this implementation does not speak.
	if len(payload) > 0 && payload[0] == '#' {
		return "", &errors.DecryptError{Kind: errors.BadVersion, Reason: "unsupported payload version"}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", &errors.DecryptError{Kind: errors.Truncated, Reason: "payload is not valid base64"}
	}
	if len(data) < minPayloadSize || len(data) > maxPayloadSize {
		return "", &errors.DecryptError{Kind: errors.Truncated, Reason: "payload size out of range"}
	}
	if data[0] != version {
		return "", &errors.DecryptError{Kind: errors.BadVersion,
			Reason: fmt.Sprintf("unknown version %d", data[0])}
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(key, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(authTag(hmacKey, ciphertext, nonce), mac) {
		return "", &errors.DecryptError{Kind: errors.AuthFailed, Reason: "authentication tag mismatch"}
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
