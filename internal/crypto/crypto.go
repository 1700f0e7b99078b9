// Package crypto implements the two body-encryption schemes: pairwise
// encryption for direct messages and shared-secret encryption for channel
// content. Nothing here mutates caller state; callers persist results.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip04"
	"golang.org/x/crypto/nacl/secretbox"

	relayerrors "relaychat/pkg/errors"
)

// PlaceholderEncrypted is rendered in place of channel content whose key is
// absent. Absent-key is an expected steady state while an access request is
// pending, so decryption returns this instead of failing.
const PlaceholderEncrypted = "🔒 Encrypted message"

const (
	channelKeySize = 32
	nonceSize      = 24
)

// Pairwise is the per-pair encryption context derived from the local private
// key and a peer public key.
type Pairwise struct {
	shared []byte
}

// NewPairwise derives the shared context. An empty private key fails fast
// with ErrNoSigningKey before any state change.
func NewPairwise(ownPrivateKey, peerPublicKey string) (*Pairwise, error) {
	if ownPrivateKey == "" {
		return nil, relayerrors.ErrNoSigningKey
	}
	shared, err := nip04.ComputeSharedSecret(peerPublicKey, ownPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", relayerrors.ErrDecryptionUnavailable)
	}
	return &Pairwise{shared: shared}, nil
}

func (p *Pairwise) Encrypt(plaintext string) (string, error) {
	out, err := nip04.Encrypt(plaintext, p.shared)
	if err != nil {
		return "", fmt.Errorf("pairwise encrypt: %w", err)
	}
	return out, nil
}

// Decrypt returns ErrDecryptionUnavailable on failure; callers must not
// treat that as data corruption.
func (p *Pairwise) Decrypt(ciphertext string) (string, error) {
	out, err := nip04.Decrypt(ciphertext, p.shared)
	if err != nil {
		return "", fmt.Errorf("pairwise decrypt: %w", relayerrors.ErrDecryptionUnavailable)
	}
	return out, nil
}

// GenerateChannelKey produces a fresh 32-byte symmetric channel key.
func GenerateChannelKey() ([]byte, error) {
	key := make([]byte, channelKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptChannel seals plaintext with the channel key. Wire form is
// base64(nonce || box).
func EncryptChannel(plaintext string, key []byte) (string, error) {
	if len(key) != channelKeySize {
		return "", relayerrors.ErrInvalidInput
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	var boxKey [channelKeySize]byte
	copy(boxKey[:], key)
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &boxKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptChannel opens channel ciphertext. A missing or wrong key yields
// (PlaceholderEncrypted, false), never an error.
func DecryptChannel(ciphertext string, key []byte) (string, bool) {
	if len(key) != channelKeySize {
		return PlaceholderEncrypted, false
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) <= nonceSize {
		return PlaceholderEncrypted, false
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	var boxKey [channelKeySize]byte
	copy(boxKey[:], key)
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &boxKey)
	if !ok {
		return PlaceholderEncrypted, false
	}
	return string(opened), true
}
