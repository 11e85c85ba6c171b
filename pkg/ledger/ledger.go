// Package ledger holds deposits while their swap executes and pays out or
// refunds exactly once when the result comes back.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/metrics"
	"near-swap-worker/pkg/near"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/parser"
	"near-swap-worker/pkg/tokenid"
	"near-swap-worker/pkg/types"
)

// MaxFeeBasisPoints caps the ledger fee at 10%
const MaxFeeBasisPoints = 1000

// ExecutionHost runs a swap off-ledger and later reports back through
// OnSwapResult. An error means the request was not accepted.
type ExecutionHost interface {
	RequestExecution(ctx context.Context, req ExecutionRequest) error
}

// TokenTransferer pays tokens out of the ledger account
type TokenTransferer interface {
	FtTransfer(ctx context.Context, creds nep413.Credentials, token, receiverID, amount, memo string) (*near.TxResult, error)
}

// Ledger is the pending-swap ledger of one swap account
type Ledger struct {
	accountID string
	storage   *Storage
	registry  *Registry
	host      ExecutionHost
	transfer  TokenTransferer
	metrics   *metrics.SwapMetrics
	now       func() time.Time

	// mu serializes deposits and callbacks
	mu sync.Mutex
}

// Option customizes a ledger
type Option func(*Ledger)

// WithMetrics records ledger events on m
func WithMetrics(m *metrics.SwapMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger for the swap account accountID
func New(accountID string, storage *Storage, host ExecutionHost, transfer TokenTransferer, opts ...Option) *Ledger {
	l := &Ledger{
		accountID: accountID,
		storage:   storage,
		registry:  NewRegistry(storage),
		host:      host,
		transfer:  transfer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.metrics.SetPendingSwaps(storage.CountPending())
	return l
}

// Registry returns the token whitelist
func (l *Ledger) Registry() *Registry {
	return l.registry
}

// OnTransfer handles a token deposit of amount tokenIn from sender. An error
// rejects the deposit and the token contract returns the funds; in that case
// no execution is requested.
func (l *Ledger) OnTransfer(ctx context.Context, tokenIn, sender, amount, msg string) (*PendingSwap, error) {
	entry := log.WithFields(log.Fields{
		"component": "ledger",
		"sender":    sender,
		"token_in":  tokenIn,
		"amount":    amount,
	})

	pending, err := l.admit(tokenIn, sender, amount, msg)
	if err != nil {
		l.metrics.ObserveLedgerEvent("rejected")
		entry.WithError(err).Warn("deposit rejected")
		return nil, err
	}
	entry = entry.WithField("correlation_id", pending.CorrelationID)

	req := ExecutionRequest{
		CorrelationID: pending.CorrelationID,
		Input: types.SwapInput{
			SenderID:       pending.Sender,
			TokenIn:        tokenid.ToCanonical(pending.TokenIn),
			TokenOut:       tokenid.ToCanonical(pending.TokenOut),
			AmountIn:       pending.SwapAmount,
			MinAmountOut:   pending.MinAmountOut,
			SwapContractID: l.accountID,
		},
	}

	// The host may call back before returning, so the lock is not held here
	if err := l.host.RequestExecution(ctx, req); err != nil {
		l.mu.Lock()
		if delErr := l.storage.DeletePending(pending.CorrelationID); delErr != nil {
			entry.WithError(delErr).Error("could not drop rejected pending swap")
		}
		l.metrics.SetPendingSwaps(l.storage.CountPending())
		l.mu.Unlock()

		l.metrics.ObserveLedgerEvent("rejected")
		entry.WithError(err).Warn("execution request rejected")
		return nil, failure.New(failure.Internal, "execution request rejected", err)
	}

	l.metrics.ObserveLedgerEvent("deposit")
	entry.WithField("swap_amount", pending.SwapAmount).Info("swap requested")
	return pending, nil
}

func (l *Ledger) admit(tokenIn, sender, amount, msg string) (*PendingSwap, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	settings := l.storage.Settings()
	if settings.Paused || settings.SwapPaused {
		return nil, failure.Newf(failure.Paused, "swaps are paused")
	}

	params, err := parser.ParseTransferMessage(msg)
	if err != nil {
		return nil, err
	}

	tokenIn = tokenid.ToBare(tokenIn)
	tokenOut := tokenid.ToBare(params.TokenOut)

	inConfig, ok := l.registry.Get(tokenIn)
	if !ok {
		return nil, failure.Newf(failure.TokenNotWhitelisted, "token %s is not whitelisted", tokenIn)
	}
	if !l.registry.IsWhitelisted(tokenOut) {
		return nil, failure.Newf(failure.TokenNotWhitelisted, "token %s is not whitelisted", tokenOut)
	}
	if tokenIn == tokenOut {
		return nil, failure.Newf(failure.InvalidRequest, "cannot swap %s for itself", tokenIn)
	}

	value, err := near.ParseAmount(amount)
	if err != nil {
		return nil, failure.New(failure.InvalidRequest, "invalid amount", err)
	}
	if value.IsZero() {
		return nil, failure.Newf(failure.InvalidRequest, "amount must be positive")
	}
	minSwap, err := near.ParseAmount(inConfig.MinSwapAmount)
	if err != nil {
		minSwap = new(uint256.Int)
	}
	if value.Lt(minSwap) {
		return nil, failure.Newf(failure.InvalidRequest, "amount %s is below the minimum swap amount %s", value.Dec(), minSwap.Dec())
	}

	fee := new(uint256.Int).Mul(value, uint256.NewInt(uint64(settings.FeeBasisPoints)))
	fee.Div(fee, uint256.NewInt(10_000))
	swapAmount := new(uint256.Int).Sub(value, fee)

	now := l.now().UTC()
	pending := &PendingSwap{
		CorrelationID: uuid.New().String(),
		Sender:        sender,
		TokenIn:       tokenIn,
		TokenOut:      tokenOut,
		AmountIn:      value.Dec(),
		SwapAmount:    swapAmount.Dec(),
		Fee:           fee.Dec(),
		MinAmountOut:  params.MinAmountOut,
		Status:        StatusRequested,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.storage.CreatePending(pending); err != nil {
		return nil, failure.New(failure.Internal, "could not record pending swap", err)
	}
	l.metrics.SetPendingSwaps(l.storage.CountPending())
	return pending, nil
}

// OnSwapResult applies the worker result for correlation id. Success with at
// least the requested minimum pays the output to the sender; anything else
// refunds the full deposit. The entry is marked resolving on disk before the
// transfer and removed after it, so an unknown or resolving id is never paid
// again.
func (l *Ledger) OnSwapResult(ctx context.Context, creds nep413.Credentials, id string, out types.WorkerOutput) (*Resolution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := log.WithFields(log.Fields{"component": "ledger", "correlation_id": id})

	pending, ok := l.storage.GetPending(id)
	if !ok {
		l.metrics.ObserveLedgerEvent("replay")
		entry.Warn("callback for unknown or resolved swap")
		return nil, failure.Newf(failure.CallbackReplay, "no pending swap %s", id)
	}
	if pending.Status == StatusResolving {
		l.metrics.ObserveLedgerEvent("replay")
		entry.Warn("callback for swap with a transfer of unknown outcome")
		return nil, failure.Newf(failure.CallbackReplay, "swap %s already has a transfer in flight; check it and run 'ledger release'", id)
	}

	res := l.resolve(pending, out)
	entry = entry.WithFields(log.Fields{
		"action":   res.Action,
		"token":    res.Token,
		"receiver": res.Receiver,
		"amount":   res.Amount,
	})

	pending.Status = StatusResolving
	pending.LastError = ""
	pending.UpdatedAt = l.now().UTC()
	if err := l.storage.UpdatePending(pending); err != nil {
		entry.WithError(err).Error("could not mark swap resolving")
		return nil, failure.New(failure.Internal, "could not mark swap resolving", err)
	}

	tx, err := l.transfer.FtTransfer(ctx, creds, res.Token, res.Receiver, res.Amount, res.Memo)
	if err != nil {
		pending.Status = StatusRefundFailed
		if res.Action == ActionPayout {
			pending.Status = StatusPayoutFailed
		}
		pending.LastError = err.Error()
		pending.UpdatedAt = l.now().UTC()
		if updErr := l.storage.UpdatePending(pending); updErr != nil {
			entry.WithError(updErr).Error("could not record failed transfer")
		}
		entry.WithError(err).Error("transfer failed, swap stays pending")
		return nil, failure.New(failure.TransactionFailure, fmt.Sprintf("%s transfer failed", res.Action), err)
	}
	res.TxHash = tx.Hash

	// Still resolving on disk if this fails, which blocks another transfer
	if err := l.storage.DeletePending(id); err != nil {
		entry.WithError(err).WithField("tx", res.TxHash).Error("transfer sent but swap could not be removed")
		return res, failure.New(failure.Internal, "could not remove resolved swap", err)
	}
	l.metrics.SetPendingSwaps(l.storage.CountPending())

	if res.Action == ActionPayout {
		if err := l.collectFee(pending); err != nil {
			entry.WithError(err).Error("could not record collected fee")
		}
	}

	l.metrics.ObserveLedgerEvent(string(res.Action))
	entry.WithField("tx", res.TxHash).Info("swap resolved")
	return res, nil
}

// Release returns a resolving swap to the failed state so the next callback
// retries its transfer. Only for swaps whose transfer is known not to have
// landed.
func (l *Ledger) Release(id string, action ResolutionAction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending, ok := l.storage.GetPending(id)
	if !ok {
		return failure.Newf(failure.InvalidRequest, "no pending swap %s", id)
	}
	if pending.Status != StatusResolving {
		return failure.Newf(failure.InvalidRequest, "swap %s is %s, not resolving", id, pending.Status)
	}

	switch action {
	case ActionPayout:
		pending.Status = StatusPayoutFailed
	case ActionRefund:
		pending.Status = StatusRefundFailed
	default:
		return failure.Newf(failure.InvalidRequest, "unknown action %q", action)
	}
	pending.LastError = "released by operator"
	pending.UpdatedAt = l.now().UTC()
	if err := l.storage.UpdatePending(pending); err != nil {
		return failure.New(failure.Internal, "could not release swap", err)
	}
	log.WithFields(log.Fields{"component": "ledger", "correlation_id": id, "status": pending.Status}).Warn("resolving swap released")
	return nil
}

func (l *Ledger) resolve(p *PendingSwap, out types.WorkerOutput) *Resolution {
	refund := func(reason string) *Resolution {
		return &Resolution{
			CorrelationID: p.CorrelationID,
			Action:        ActionRefund,
			Token:         p.TokenIn,
			Receiver:      p.Sender,
			Amount:        p.AmountIn,
			Memo:          "NEAR Intents swap refunded: " + reason,
		}
	}

	if !out.Success {
		reason := out.FailureReason
		if reason == "" {
			reason = "swap failed"
		}
		return refund(reason)
	}

	amountOut, err := near.ParseAmount(out.AmountOut)
	if err != nil || amountOut.IsZero() {
		return refund("invalid amount_out")
	}
	minOut, err := near.ParseAmount(p.MinAmountOut)
	if err != nil {
		minOut = new(uint256.Int)
	}
	if amountOut.Lt(minOut) {
		return refund(fmt.Sprintf("amount_out %s below minimum %s", amountOut.Dec(), minOut.Dec()))
	}

	return &Resolution{
		CorrelationID: p.CorrelationID,
		Action:        ActionPayout,
		Token:         p.TokenOut,
		Receiver:      p.Sender,
		Amount:        amountOut.Dec(),
		Memo:          "NEAR Intents swap completed. Intent: " + out.IntentHash,
	}
}

func (l *Ledger) collectFee(p *PendingSwap) error {
	fee, err := near.ParseAmount(p.Fee)
	if err != nil || fee.IsZero() {
		return err
	}
	total, err := near.ParseAmount(l.storage.CollectedFee(p.TokenIn))
	if err != nil {
		total = new(uint256.Int)
	}
	total.Add(total, fee)
	return l.storage.SetCollectedFee(p.TokenIn, total.Dec())
}

// Pending returns the swaps awaiting a result
func (l *Ledger) Pending() []*PendingSwap {
	return l.storage.ListPending()
}

// GetPending returns one pending swap
func (l *Ledger) GetPending(id string) (*PendingSwap, bool) {
	return l.storage.GetPending(id)
}

// Settings returns the current operator settings
func (l *Ledger) Settings() Settings {
	return l.storage.Settings()
}

// SetPaused stops or resumes all deposits
func (l *Ledger) SetPaused(paused bool) error {
	return l.storage.UpdateSettings(func(s *Settings) { s.Paused = paused })
}

// SetSwapPaused stops or resumes swap deposits only
func (l *Ledger) SetSwapPaused(paused bool) error {
	return l.storage.UpdateSettings(func(s *Settings) { s.SwapPaused = paused })
}

// SetFeeBasisPoints sets the deposit fee for new swaps
func (l *Ledger) SetFeeBasisPoints(bps uint16) error {
	if bps > MaxFeeBasisPoints {
		return failure.Newf(failure.InvalidRequest, "fee %d bps exceeds maximum %d", bps, MaxFeeBasisPoints)
	}
	return l.storage.UpdateSettings(func(s *Settings) { s.FeeBasisPoints = bps })
}

// CollectedFees returns the fees collected in token
func (l *Ledger) CollectedFees(token string) string {
	return l.storage.CollectedFee(tokenid.ToBare(token))
}
