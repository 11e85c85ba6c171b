package near

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"

	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/tokenid"
)

var (
	// GasFtTransferCall covers the receiver's ft_on_transfer and the resolve callback
	GasFtTransferCall = 300 * TGas
	GasFtTransfer     = 30 * TGas
	GasStorageDeposit = 30 * TGas

	// StorageDepositAmount is 0.00125 NEAR, the NEP-145 registration minimum
	StorageDepositAmount = uint256.MustFromDecimal("1250000000000000000000")
)

// StorageBalance is the NEP-145 storage_balance_of result
type StorageBalance struct {
	Total     string `json:"total"`
	Available string `json:"available"`
}

// Viewer runs read-only contract calls
type Viewer interface {
	ViewFunction(ctx context.Context, contractID, method string, args interface{}) ([]byte, error)
}

// TokenClient performs NEP-141/NEP-145 calls on fungible token contracts.
// Token identifiers may be given canonical or bare.
type TokenClient struct {
	viewer Viewer
	sender Sender
}

// NewTokenClient creates a token client
func NewTokenClient(viewer Viewer, sender Sender) *TokenClient {
	return &TokenClient{viewer: viewer, sender: sender}
}

// StorageBalanceOf returns the account's storage balance on token, or nil
// when the account is not registered.
func (c *TokenClient) StorageBalanceOf(ctx context.Context, token, accountID string) (*StorageBalance, error) {
	raw, err := c.viewer.ViewFunction(ctx, tokenid.ToBare(token), "storage_balance_of", map[string]string{
		"account_id": accountID,
	})
	if err != nil {
		return nil, err
	}

	var balance *StorageBalance
	if err := json.Unmarshal(raw, &balance); err != nil {
		return nil, fmt.Errorf("failed to parse storage balance: %w", err)
	}
	return balance, nil
}

// StorageDeposit registers accountID on token, or the signer when accountID is empty
func (c *TokenClient) StorageDeposit(ctx context.Context, creds nep413.Credentials, token, accountID string, registrationOnly bool) (*TxResult, error) {
	args := map[string]interface{}{
		"account_id":        nil,
		"registration_only": registrationOnly,
	}
	if accountID != "" {
		args["account_id"] = accountID
	}
	return c.call(ctx, creds, token, "storage_deposit", args, GasStorageDeposit, StorageDepositAmount)
}

// FtTransfer sends amount of token to receiver
func (c *TokenClient) FtTransfer(ctx context.Context, creds nep413.Credentials, token, receiverID, amount, memo string) (*TxResult, error) {
	args := map[string]interface{}{
		"receiver_id": receiverID,
		"amount":      amount,
	}
	if memo != "" {
		args["memo"] = memo
	}
	return c.call(ctx, creds, token, "ft_transfer", args, GasFtTransfer, OneYocto)
}

// FtTransferCall sends amount of token to receiver and invokes its ft_on_transfer
func (c *TokenClient) FtTransferCall(ctx context.Context, creds nep413.Credentials, token, receiverID, amount, msg string) (*TxResult, error) {
	args := map[string]interface{}{
		"receiver_id": receiverID,
		"amount":      amount,
		"msg":         msg,
	}
	return c.call(ctx, creds, token, "ft_transfer_call", args, GasFtTransferCall, OneYocto)
}

func (c *TokenClient) call(ctx context.Context, creds nep413.Credentials, token, method string, args interface{}, gas uint64, deposit *uint256.Int) (*TxResult, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s args: %w", method, err)
	}
	return c.sender.FunctionCall(ctx, creds, tokenid.ToBare(token), FunctionCall{
		MethodName: method,
		Args:       encoded,
		Gas:        gas,
		Deposit:    deposit,
	})
}

// IsRegistered reports whether accountID holds a storage deposit on token
func (c *TokenClient) IsRegistered(ctx context.Context, token, accountID string) (bool, error) {
	balance, err := c.StorageBalanceOf(ctx, token, accountID)
	if err != nil {
		return false, err
	}
	return balance != nil, nil
}
