// Package nep413 signs off-chain messages following NEP-413, the format the
// intents contract verifies for published intents.
package nep413

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58"

	"near-swap-worker/pkg/borsh"
)

const (
	// Standard is the value of signed_data.standard
	Standard = "nep413"

	// NonceSize is the length of the single-use payload nonce
	NonceSize = 32

	// tag is 2^31 + 413, prepended to the payload before hashing
	tag uint32 = 1<<31 + 413
)

// Payload is the Borsh-serialized structure covered by the signature
type Payload struct {
	Message     string
	Nonce       [NonceSize]byte
	Recipient   string
	CallbackURL *string
}

// Encode returns the Borsh bytes of the payload without the tag
func (p Payload) Encode() ([]byte, error) {
	return borsh.NewWriter().
		String(p.Message).
		Fixed(p.Nonce[:]).
		String(p.Recipient).
		OptionalString(p.CallbackURL).
		Bytes()
}

// Hash returns sha256(tag || borsh(payload)), the bytes that get signed
func (p Payload) Hash() ([32]byte, error) {
	body, err := p.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	prefixed, err := borsh.NewWriter().U32(tag).Fixed(body).Bytes()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(prefixed), nil
}

// EnvelopePayload is the payload part of a signed envelope as sent to the relay
type EnvelopePayload struct {
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
	Recipient string `json:"recipient"`
}

// SignedEnvelope is the signed_data object of a publish_intent call
type SignedEnvelope struct {
	Standard  string          `json:"standard"`
	Payload   EnvelopePayload `json:"payload"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key"`
}

// Signer produces signed envelopes. Nonces are read from its random source.
type Signer struct {
	random io.Reader
}

// NewSigner creates a signer drawing nonces from crypto/rand
func NewSigner() *Signer {
	return &Signer{random: rand.Reader}
}

// NewSignerWithRandom creates a signer with a custom nonce source
func NewSignerWithRandom(random io.Reader) *Signer {
	return &Signer{random: random}
}

// Sign signs message for recipient with key. The message string is carried
// verbatim in the envelope, so it must not be re-serialized afterwards.
func (s *Signer) Sign(key *KeyPair, message, recipient string) (*SignedEnvelope, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is missing")
	}

	payload := Payload{Message: message, Recipient: recipient}
	if _, err := io.ReadFull(s.random, payload.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	hash, err := payload.Hash()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	sig, err := key.Sign(hash[:])
	if err != nil {
		return nil, err
	}

	return &SignedEnvelope{
		Standard: Standard,
		Payload: EnvelopePayload{
			Message:   message,
			Nonce:     base64.StdEncoding.EncodeToString(payload.Nonce[:]),
			Recipient: recipient,
		},
		Signature: KeyPrefix + sig.String(),
		PublicKey: key.PublicKeyString(),
	}, nil
}

// Verify checks the envelope signature against its own public key
func Verify(env *SignedEnvelope) error {
	if env.Standard != Standard {
		return fmt.Errorf("unsupported standard %q", env.Standard)
	}

	pub, err := decodePrefixed(env.PublicKey, ed25519.PublicKeySize)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	sig, err := decodePrefixed(env.Signature, ed25519.SignatureSize)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Payload.Nonce)
	if err != nil {
		return fmt.Errorf("invalid nonce: %w", err)
	}
	if len(nonce) != NonceSize {
		return fmt.Errorf("invalid nonce length: %d", len(nonce))
	}

	payload := Payload{Message: env.Payload.Message, Recipient: env.Payload.Recipient}
	copy(payload.Nonce[:], nonce)

	hash, err := payload.Hash()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, hash[:], sig) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

func decodePrefixed(s string, size int) ([]byte, error) {
	if !strings.HasPrefix(s, KeyPrefix) {
		return nil, fmt.Errorf("missing %q prefix", KeyPrefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, KeyPrefix))
	if err != nil {
		return nil, err
	}
	if len(raw) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(raw))
	}
	return raw, nil
}
