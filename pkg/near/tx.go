package near

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"

	"near-swap-worker/pkg/borsh"
	"near-swap-worker/pkg/nep413"
)

const (
	keyTypeED25519       uint8 = 0
	actionFunctionCallID uint8 = 2

	// TGas is 10^12 gas units
	TGas uint64 = 1_000_000_000_000
)

// OneYocto is the 1 yoctoNEAR deposit required by NEP-141 transfer methods
var OneYocto = uint256.NewInt(1)

// FunctionCall is the only action this worker ever signs
type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    *uint256.Int
}

// Transaction is a NEAR transaction carrying function call actions
type Transaction struct {
	SignerID   string
	PublicKey  [32]byte
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []FunctionCall
}

func (t *Transaction) encode(w *borsh.Writer) {
	w.String(t.SignerID).
		U8(keyTypeED25519).Fixed(t.PublicKey[:]).
		U64(t.Nonce).
		String(t.ReceiverID).
		Fixed(t.BlockHash[:]).
		U32(uint32(len(t.Actions)))

	for _, action := range t.Actions {
		deposit := action.Deposit
		if deposit == nil {
			deposit = new(uint256.Int)
		}
		w.U8(actionFunctionCallID).
			String(action.MethodName).
			Vec(action.Args).
			U64(action.Gas).
			U128(deposit)
	}
}

// Encode returns the Borsh encoding of the unsigned transaction
func (t *Transaction) Encode() ([]byte, error) {
	w := borsh.NewWriter()
	t.encode(w)
	return w.Bytes()
}

// Hash is sha256 of the Borsh-encoded transaction, which is what gets signed
// and what explorers show as the transaction hash.
func (t *Transaction) Hash() ([32]byte, error) {
	encoded, err := t.Encode()
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return sha256.Sum256(encoded), nil
}

// Sign signs the transaction and returns the Borsh-encoded SignedTransaction
// together with the base58 transaction hash.
func (t *Transaction) Sign(key *nep413.KeyPair) ([]byte, string, error) {
	hash, err := t.Hash()
	if err != nil {
		return nil, "", err
	}

	sig, err := key.Sign(hash[:])
	if err != nil {
		return nil, "", err
	}

	w := borsh.NewWriter()
	t.encode(w)
	w.U8(keyTypeED25519).Fixed(sig[:])

	signed, err := w.Bytes()
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return signed, base58.Encode(hash[:]), nil
}

// DecodeBlockHash parses a base58 block hash
func DecodeBlockHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return out, fmt.Errorf("failed to decode block hash: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("invalid block hash length: %d bytes", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// ParseAmount parses a decimal u128 amount
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid amount %q: not a decimal integer", s)
		}
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if v.BitLen() > 128 {
		return nil, fmt.Errorf("amount %q overflows u128", s)
	}
	return v, nil
}
