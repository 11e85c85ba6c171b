// Package withdraw moves tokens into and out of the intents contract.
package withdraw

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/intents"
	"near-swap-worker/pkg/near"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/tokenid"
)

var (
	// GasFtWithdraw covers the withdrawal and the token's ft_transfer callback
	GasFtWithdraw = 50 * near.TGas
	// GasFtTransferCall covers the intents contract's ft_on_transfer
	GasFtTransferCall = 300 * near.TGas
)

type ftWithdrawArgs struct {
	Token      string `json:"token"`
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

// Executor funds the intents contract before publishing and withdraws
// settled output afterwards
type Executor struct {
	sender          near.Sender
	intentsContract string
}

// NewExecutor creates a withdrawal executor
func NewExecutor(sender near.Sender, intentsContract string) *Executor {
	return &Executor{sender: sender, intentsContract: intentsContract}
}

// Withdraw executes one withdraw intent. The token is always sent to the
// contract in bare form. Success is reported only when every receipt of the
// transaction succeeded.
func (e *Executor) Withdraw(ctx context.Context, creds nep413.Credentials, w intents.WithdrawIntent) (*near.TxResult, error) {
	args, err := json.Marshal(ftWithdrawArgs{
		Token:      tokenid.ToBare(w.Token),
		ReceiverID: w.ReceiverID,
		Amount:     w.Amount,
		Memo:       w.Memo,
	})
	if err != nil {
		return nil, failure.New(failure.Internal, "could not encode ft_withdraw args", err)
	}

	entry := log.WithFields(log.Fields{
		"component": "withdraw",
		"token":     tokenid.ToBare(w.Token),
		"receiver":  w.ReceiverID,
		"amount":    w.Amount,
	})
	entry.Info("withdrawing from intents contract")

	res, err := e.sender.FunctionCall(ctx, creds, e.intentsContract, near.FunctionCall{
		MethodName: "ft_withdraw",
		Args:       args,
		Gas:        GasFtWithdraw,
		Deposit:    near.OneYocto,
	})
	res, err = e.checked(res, err, "ft_withdraw of "+w.Amount)
	if err != nil {
		return res, err
	}

	entry.WithField("tx", res.Hash).Info("withdrawal confirmed")
	return res, nil
}

func (e *Executor) checked(res *near.TxResult, err error, what string) (*near.TxResult, error) {
	if err != nil {
		if f := failure.From(err); f.Reason == failure.TransactionFailure || f.Reason == failure.SigningError {
			return res, f
		}
		return res, failure.New(failure.TransactionFailure, fmt.Sprintf("%s failed", what), err)
	}
	if !res.Verdict.Success {
		return res, failure.New(failure.TransactionFailure, res.Verdict.Err().Error(), nil)
	}
	return res, nil
}

// Deposit credits amount of token to the signer's balance inside the intents
// contract through ft_transfer_call with an empty message.
func (e *Executor) Deposit(ctx context.Context, creds nep413.Credentials, token, amount string) (*near.TxResult, error) {
	args, err := json.Marshal(map[string]string{
		"receiver_id": e.intentsContract,
		"amount":      amount,
		"msg":         "",
	})
	if err != nil {
		return nil, failure.New(failure.Internal, "could not encode ft_transfer_call args", err)
	}

	log.WithFields(log.Fields{
		"component": "withdraw",
		"token":     tokenid.ToBare(token),
		"amount":    amount,
	}).Info("funding intents contract")

	res, err := e.sender.FunctionCall(ctx, creds, tokenid.ToBare(token), near.FunctionCall{
		MethodName: "ft_transfer_call",
		Args:       args,
		Gas:        GasFtTransferCall,
		Deposit:    near.OneYocto,
	})
	return e.checked(res, err, "ft_transfer_call of "+amount)
}
