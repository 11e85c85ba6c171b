package ledger

import (
	"time"

	"near-swap-worker/pkg/types"
)

// PendingStatus tracks a pending swap between deposit and resolution
type PendingStatus string

const (
	StatusRequested    PendingStatus = "requested"     // Handed to the execution host
	StatusResolving    PendingStatus = "resolving"     // Payout or refund sent, outcome not yet recorded
	StatusPayoutFailed PendingStatus = "payout_failed" // Output transfer failed, awaiting redelivery
	StatusRefundFailed PendingStatus = "refund_failed" // Refund transfer failed, awaiting redelivery
)

// PendingSwap is a deposit whose swap result has not been applied yet
type PendingSwap struct {
	CorrelationID string        `json:"correlation_id"`
	Sender        string        `json:"sender"`
	TokenIn       string        `json:"token_in"`  // Bare token account id
	TokenOut      string        `json:"token_out"` // Bare token account id
	AmountIn      string        `json:"amount_in"` // Full deposited amount, refunded on failure
	SwapAmount    string        `json:"swap_amount"`
	Fee           string        `json:"fee"`
	MinAmountOut  string        `json:"min_amount_out"`
	Status        PendingStatus `json:"status"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Settings are the operator-controlled switches of the ledger
type Settings struct {
	Paused         bool   `json:"paused"`
	SwapPaused     bool   `json:"swap_paused"`
	FeeBasisPoints uint16 `json:"fee_basis_points"`
}

// ExecutionRequest hands one swap to the compute host
type ExecutionRequest struct {
	CorrelationID string
	Input         types.SwapInput
}

// ResolutionAction says what a callback did with the deposit
type ResolutionAction string

const (
	ActionPayout ResolutionAction = "payout"
	ActionRefund ResolutionAction = "refund"
)

// Resolution describes the transfer made for a resolved pending swap
type Resolution struct {
	CorrelationID string           `json:"correlation_id"`
	Action        ResolutionAction `json:"action"`
	Token         string           `json:"token"`
	Receiver      string           `json:"receiver"`
	Amount        string           `json:"amount"`
	Memo          string           `json:"memo"`
	TxHash        string           `json:"tx_hash,omitempty"`
}
