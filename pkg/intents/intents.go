// Package intents models the intent message signed and published to the
// solver relay.
package intents

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeadlineLayout is the ISO-8601 form the intents contract accepts
const DeadlineLayout = "2006-01-02T15:04:05.000Z"

// Intent kinds, as written in the "intent" discriminator field
const (
	KindTokenDiff  = "token_diff"
	KindTransfer   = "transfer"
	KindFtWithdraw = "ft_withdraw"
)

// Intent is one of DifferenceIntent, TransferIntent or WithdrawIntent
type Intent interface {
	json.Marshaler
	Kind() string
}

// DifferenceIntent declares signed balance deltas keyed by canonical token id
type DifferenceIntent struct {
	Diff map[string]string
}

func (DifferenceIntent) Kind() string { return KindTokenDiff }

func (i DifferenceIntent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Intent string            `json:"intent"`
		Diff   map[string]string `json:"diff"`
	}{KindTokenDiff, i.Diff})
}

// TransferIntent moves balances inside the intents contract to another account
type TransferIntent struct {
	ReceiverID string
	Tokens     map[string]string
}

func (TransferIntent) Kind() string { return KindTransfer }

func (i TransferIntent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Intent     string            `json:"intent"`
		ReceiverID string            `json:"receiver_id"`
		Tokens     map[string]string `json:"tokens"`
	}{KindTransfer, i.ReceiverID, i.Tokens})
}

// WithdrawIntent moves a token out of the intents contract. Token is the
// bare contract account id, never the nep141-prefixed form.
type WithdrawIntent struct {
	Token      string
	ReceiverID string
	Amount     string
	Memo       string
}

func (WithdrawIntent) Kind() string { return KindFtWithdraw }

func (i WithdrawIntent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Intent     string `json:"intent"`
		Token      string `json:"token"`
		ReceiverID string `json:"receiver_id"`
		Amount     string `json:"amount"`
		Memo       string `json:"memo,omitempty"`
	}{KindFtWithdraw, i.Token, i.ReceiverID, i.Amount, i.Memo})
}

// Payload is the full, ordered intent plan for one swap
type Payload struct {
	SignerID string
	Deadline time.Time
	Intents  []Intent
}

type message struct {
	SignerID string   `json:"signer_id"`
	Deadline string   `json:"deadline"`
	Intents  []Intent `json:"intents"`
}

// Settlement returns the intents that settle through the relay, in order
func (p *Payload) Settlement() []Intent {
	out := make([]Intent, 0, len(p.Intents))
	for _, intent := range p.Intents {
		if intent.Kind() != KindFtWithdraw {
			out = append(out, intent)
		}
	}
	return out
}

// Withdrawals returns the withdraw intents, in order
func (p *Payload) Withdrawals() []WithdrawIntent {
	var out []WithdrawIntent
	for _, intent := range p.Intents {
		if w, ok := intent.(WithdrawIntent); ok {
			out = append(out, w)
		}
	}
	return out
}

// Message serializes the settlement intents into the exact JSON string that
// is signed and published.
func (p *Payload) Message() (string, error) {
	return encode(p.SignerID, p.Deadline, p.Settlement())
}

func encode(signerID string, deadline time.Time, list []Intent) (string, error) {
	if list == nil {
		list = []Intent{}
	}
	data, err := json.Marshal(message{
		SignerID: signerID,
		Deadline: deadline.UTC().Format(DeadlineLayout),
		Intents:  list,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal intent message: %w", err)
	}
	return string(data), nil
}
