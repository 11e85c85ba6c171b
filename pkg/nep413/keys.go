package nep413

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// KeyPrefix tags NEAR ed25519 keys and signatures in their string form
const KeyPrefix = "ed25519:"

// KeyPair is an ed25519 signing key in the layout NEAR and Solana share
// (32-byte seed followed by the 32-byte public key).
type KeyPair struct {
	private solana.PrivateKey
}

// Credentials identify the account a worker invocation acts for. They are
// handed in by the hosting secret store and live only for one invocation.
type Credentials struct {
	AccountID string
	Key       *KeyPair
}

// ParsePrivateKey decodes a base58 NEAR secret key, with or without the
// "ed25519:" prefix. Both the 64-byte seed+public form and a bare 32-byte
// seed are accepted; the public half is always re-derived from the seed.
func ParsePrivateKey(encoded string) (*KeyPair, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(encoded), KeyPrefix)
	if raw == "" {
		return nil, fmt.Errorf("private key is empty")
	}

	decoded, err := base58.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	var seed []byte
	switch len(decoded) {
	case ed25519.SeedSize:
		seed = decoded
	case ed25519.PrivateKeySize:
		seed = decoded[:ed25519.SeedSize]
	default:
		return nil, fmt.Errorf("invalid private key length: %d (expected 32 or 64)", len(decoded))
	}

	private := ed25519.NewKeyFromSeed(seed)
	if len(decoded) == ed25519.PrivateKeySize && !bytes.Equal(decoded[ed25519.SeedSize:], private[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("private key public half does not match its seed")
	}

	return &KeyPair{private: solana.PrivateKey(private)}, nil
}

// NewKeyPairFromSeed builds a key pair from a raw 32-byte seed
func NewKeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: %d", len(seed))
	}
	return &KeyPair{private: solana.PrivateKey(ed25519.NewKeyFromSeed(seed))}, nil
}

// PublicKey returns the raw public key
func (k *KeyPair) PublicKey() solana.PublicKey {
	return k.private.PublicKey()
}

// PublicKeyString returns the public key as "ed25519:<base58>"
func (k *KeyPair) PublicKeyString() string {
	return KeyPrefix + k.PublicKey().String()
}

// SecretString returns the secret key as "ed25519:<base58 of seed+public>"
func (k *KeyPair) SecretString() string {
	return KeyPrefix + k.private.String()
}

// Sign signs msg with the private key
func (k *KeyPair) Sign(msg []byte) (solana.Signature, error) {
	sig, err := k.private.Sign(msg)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// String never exposes the secret
func (k *KeyPair) String() string {
	return k.PublicKeyString()
}
