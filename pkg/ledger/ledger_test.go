package ledger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/metrics"
	"near-swap-worker/pkg/near"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/types"
)

const usdc = "17208628f84f5d6ad33f0da3bbbeb27ffcb398eac501a31bd6ad2011e36133a1"

type fakeHost struct {
	mu       sync.Mutex
	err      error
	requests []ExecutionRequest
}

func (h *fakeHost) RequestExecution(_ context.Context, req ExecutionRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return h.err
}

type transfer struct {
	token, receiver, amount, memo string
}

type fakeTransferer struct {
	mu        sync.Mutex
	err       error
	transfers []transfer
	afterSend func()
}

func (f *fakeTransferer) FtTransfer(_ context.Context, _ nep413.Credentials, token, receiverID, amount, memo string) (*near.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.transfers = append(f.transfers, transfer{token, receiverID, amount, memo})
	if f.afterSend != nil {
		f.afterSend()
	}
	return &near.TxResult{Hash: "PayTx"}, nil
}

type fixture struct {
	ledger   *Ledger
	host     *fakeHost
	transfer *fakeTransferer
	metrics  *metrics.SwapMetrics
	creds    nep413.Credentials
}

func newFixture(t *testing.T) *fixture {
	storage, err := NewStorage("")
	require.NoError(t, err)
	return newFixtureWithStorage(t, storage)
}

func newFixtureWithStorage(t *testing.T, storage *Storage) *fixture {
	key, err := nep413.NewKeyPairFromSeed(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	f := &fixture{
		host:     &fakeHost{},
		transfer: &fakeTransferer{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		creds:    nep413.Credentials{AccountID: "swap.testnet", Key: key},
	}
	f.ledger = New("swap.testnet", storage, f.host, f.transfer, WithMetrics(f.metrics))

	_, err = f.ledger.Registry().Whitelist(types.TokenConfig{TokenID: "wrap.near", Symbol: "wNEAR", Decimals: 24, MinSwapAmount: "100"})
	require.NoError(t, err)
	_, err = f.ledger.Registry().Whitelist(types.TokenConfig{TokenID: "nep141:" + usdc, Symbol: "USDC", Decimals: 6})
	require.NoError(t, err)
	return f
}

func swapMsg(tokenOut, minOut string) string {
	if minOut == "" {
		return `{"Swap":{"token_out":"` + tokenOut + `"}}`
	}
	return `{"Swap":{"token_out":"` + tokenOut + `","min_amount_out":"` + minOut + `"}}`
}

func TestOnTransferRequestsExecution(t *testing.T) {
	f := newFixture(t)

	pending, err := f.ledger.OnTransfer(context.Background(), "wrap.near", "user.testnet", "1000000", swapMsg(usdc, "900000"))
	require.NoError(t, err)
	require.Equal(t, "1000000", pending.AmountIn)
	require.Equal(t, "1000", pending.Fee)
	require.Equal(t, "999000", pending.SwapAmount)

	require.Len(t, f.host.requests, 1)
	req := f.host.requests[0]
	require.Equal(t, pending.CorrelationID, req.CorrelationID)
	require.Equal(t, types.SwapInput{
		SenderID:       "user.testnet",
		TokenIn:        "nep141:wrap.near",
		TokenOut:       "nep141:" + usdc,
		AmountIn:       "999000",
		MinAmountOut:   "900000",
		SwapContractID: "swap.testnet",
	}, req.Input)

	require.Len(t, f.ledger.Pending(), 1)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PendingGauge()))
}

func TestOnTransferRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture)
		tokenIn string
		amount  string
		msg     string
		reason  failure.Reason
	}{
		{"input not whitelisted", nil, "dai.near", "1000", swapMsg(usdc, ""), failure.TokenNotWhitelisted},
		{"output not whitelisted", nil, "wrap.near", "1000", swapMsg("dai.near", ""), failure.TokenNotWhitelisted},
		{"same token", nil, "wrap.near", "1000", swapMsg("nep141:wrap.near", ""), failure.InvalidRequest},
		{"zero amount", nil, "wrap.near", "0", swapMsg(usdc, ""), failure.InvalidRequest},
		{"below min swap amount", nil, "wrap.near", "99", swapMsg(usdc, ""), failure.InvalidRequest},
		{"bad message", nil, "wrap.near", "1000", `{"Deposit":{}}`, failure.InvalidRequest},
		{"bad min out", nil, "wrap.near", "1000", swapMsg(usdc, "-1"), failure.InvalidRequest},
		{
			name:    "paused",
			setup:   func(t *testing.T, f *fixture) { require.NoError(t, f.ledger.SetPaused(true)) },
			tokenIn: "wrap.near", amount: "1000", msg: swapMsg(usdc, ""), reason: failure.Paused,
		},
		{
			name:    "swap paused",
			setup:   func(t *testing.T, f *fixture) { require.NoError(t, f.ledger.SetSwapPaused(true)) },
			tokenIn: "dai.near", amount: "1000", msg: swapMsg(usdc, ""), reason: failure.Paused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}

			_, err := f.ledger.OnTransfer(context.Background(), tt.tokenIn, "user.testnet", tt.amount, tt.msg)
			require.Equal(t, tt.reason, failure.ReasonOf(err))
			require.Empty(t, f.host.requests)
			require.Empty(t, f.ledger.Pending())
		})
	}
}

func TestOnTransferHostRejectionDropsEntry(t *testing.T) {
	f := newFixture(t)
	f.host.err = errors.New("worker unavailable")

	_, err := f.ledger.OnTransfer(context.Background(), "wrap.near", "user.testnet", "1000", swapMsg(usdc, ""))
	require.Error(t, err)
	require.Len(t, f.host.requests, 1)
	require.Empty(t, f.ledger.Pending())
}

func deposit(t *testing.T, f *fixture, minOut string) *PendingSwap {
	pending, err := f.ledger.OnTransfer(context.Background(), "wrap.near", "user.testnet", "1000000", swapMsg(usdc, minOut))
	require.NoError(t, err)
	return pending
}

func TestOnSwapResultPaysOutOnce(t *testing.T) {
	f := newFixture(t)
	pending := deposit(t, f, "900000")

	out := types.WorkerOutput{Success: true, AmountOut: "950000", IntentHash: "ih1"}
	res, err := f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.NoError(t, err)
	require.Equal(t, ActionPayout, res.Action)
	require.Equal(t, "PayTx", res.TxHash)
	require.Equal(t, []transfer{{usdc, "user.testnet", "950000", "NEAR Intents swap completed. Intent: ih1"}}, f.transfer.transfers)
	require.Equal(t, "1000", f.ledger.CollectedFees("nep141:wrap.near"))
	require.Empty(t, f.ledger.Pending())

	_, err = f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.Equal(t, failure.CallbackReplay, failure.ReasonOf(err))
	require.Len(t, f.transfer.transfers, 1)
}

func TestOnSwapResultRefundsExactDeposit(t *testing.T) {
	tests := []struct {
		name string
		out  types.WorkerOutput
		memo string
	}{
		{
			name: "relay rejected",
			out:  types.WorkerOutput{FailureReason: "RELAY_REJECTED"},
			memo: "NEAR Intents swap refunded: RELAY_REJECTED",
		},
		{
			name: "settlement timeout",
			out:  types.WorkerOutput{FailureReason: "SETTLEMENT_TIMEOUT", Retryable: true},
			memo: "NEAR Intents swap refunded: SETTLEMENT_TIMEOUT",
		},
		{
			name: "below minimum",
			out:  types.WorkerOutput{Success: true, AmountOut: "899999", IntentHash: "ih"},
			memo: "NEAR Intents swap refunded: amount_out 899999 below minimum 900000",
		},
		{
			name: "unparsable amount",
			out:  types.WorkerOutput{Success: true, AmountOut: "lots"},
			memo: "NEAR Intents swap refunded: invalid amount_out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			pending := deposit(t, f, "900000")

			res, err := f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, tt.out)
			require.NoError(t, err)
			require.Equal(t, ActionRefund, res.Action)
			require.Equal(t, []transfer{{"wrap.near", "user.testnet", "1000000", tt.memo}}, f.transfer.transfers)
			require.Equal(t, "0", f.ledger.CollectedFees("wrap.near"))

			_, ok := f.ledger.GetPending(pending.CorrelationID)
			require.False(t, ok)
		})
	}
}

func TestOnSwapResultTransferFailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	pending := deposit(t, f, "")
	f.transfer.err = errors.New("receiver not registered")

	out := types.WorkerOutput{Success: true, AmountOut: "5", IntentHash: "ih"}
	_, err := f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.Equal(t, failure.TransactionFailure, failure.ReasonOf(err))

	stored, ok := f.ledger.GetPending(pending.CorrelationID)
	require.True(t, ok)
	require.Equal(t, StatusPayoutFailed, stored.Status)
	require.Contains(t, stored.LastError, "receiver not registered")

	f.transfer.err = nil
	res, err := f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.NoError(t, err)
	require.Equal(t, ActionPayout, res.Action)
	require.Empty(t, f.ledger.Pending())
}

func TestConcurrentCallbacksPayOnce(t *testing.T) {
	f := newFixture(t)
	pending := deposit(t, f, "")
	out := types.WorkerOutput{Success: true, AmountOut: "950000", IntentHash: "ih"}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.Equal(t, failure.CallbackReplay, failure.ReasonOf(err))
	}
	require.Equal(t, 1, succeeded)
	require.Len(t, f.transfer.transfers, 1)
}

func TestFeeSettings(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, uint16(DefaultFeeBasisPoints), f.ledger.Settings().FeeBasisPoints)

	require.Equal(t, failure.InvalidRequest, failure.ReasonOf(f.ledger.SetFeeBasisPoints(1001)))
	require.NoError(t, f.ledger.SetFeeBasisPoints(0))

	pending := deposit(t, f, "")
	require.Equal(t, "0", pending.Fee)
	require.Equal(t, "1000000", pending.SwapAmount)
}

func TestStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	storage, err := NewStorage(path)
	require.NoError(t, err)

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	l := New("swap.testnet", storage, &fakeHost{}, &fakeTransferer{}, WithClock(func() time.Time { return now }))
	_, err = l.Registry().Whitelist(types.TokenConfig{TokenID: "wrap.near"})
	require.NoError(t, err)
	_, err = l.Registry().Whitelist(types.TokenConfig{TokenID: usdc})
	require.NoError(t, err)
	require.NoError(t, l.SetSwapPaused(false))
	pending, err := l.OnTransfer(context.Background(), "wrap.near", "user.testnet", "5000", swapMsg(usdc, "1"))
	require.NoError(t, err)

	reloaded, err := NewStorage(path)
	require.NoError(t, err)
	stored, ok := reloaded.GetPending(pending.CorrelationID)
	require.True(t, ok)
	require.Equal(t, pending, stored)
	require.Len(t, reloaded.ListTokens(), 2)
	require.Equal(t, "nep141:wrap.near", reloaded.ListTokens()[1].DefuseAssetID)
}

func TestRegistry(t *testing.T) {
	storage, err := NewStorage("")
	require.NoError(t, err)
	r := NewRegistry(storage)

	cfg, err := r.Whitelist(types.TokenConfig{TokenID: "nep141:wrap.near", Symbol: "wNEAR"})
	require.NoError(t, err)
	require.Equal(t, "wrap.near", cfg.TokenID)
	require.Equal(t, "0", cfg.MinSwapAmount)
	require.True(t, r.IsWhitelisted("wrap.near"))
	require.True(t, r.IsWhitelisted("nep141:wrap.near"))

	_, err = r.Whitelist(types.TokenConfig{TokenID: "x.near", MinSwapAmount: "1.5"})
	require.Equal(t, failure.InvalidRequest, failure.ReasonOf(err))
	_, err = r.Whitelist(types.TokenConfig{})
	require.Equal(t, failure.InvalidRequest, failure.ReasonOf(err))

	removed, err := r.Remove("wrap.near")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = r.Remove("wrap.near")
	require.NoError(t, err)
	require.False(t, removed)
	require.Empty(t, r.List())
}

// breakSaves makes every later save of the ledger at path fail
func breakSaves(t *testing.T, path string) func() {
	require.NoError(t, os.Mkdir(path+".tmp", 0755))
	return func() { require.NoError(t, os.Remove(path+".tmp")) }
}

func TestSaveFailureAfterTransferNeverPaysTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	storage, err := NewStorage(path)
	require.NoError(t, err)
	f := newFixtureWithStorage(t, storage)
	pending := deposit(t, f, "")

	var restore func()
	f.transfer.afterSend = func() { restore = breakSaves(t, path) }

	out := types.WorkerOutput{Success: true, AmountOut: "950000", IntentHash: "ih"}
	_, err = f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.Equal(t, failure.Internal, failure.ReasonOf(err))
	require.Len(t, f.transfer.transfers, 1)

	stored, ok := f.ledger.GetPending(pending.CorrelationID)
	require.True(t, ok)
	require.Equal(t, StatusResolving, stored.Status)

	f.transfer.afterSend = nil
	_, err = f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.Equal(t, failure.CallbackReplay, failure.ReasonOf(err))

	// A restart reads the resolving entry back and still refuses to pay
	restore()
	reopened, err := NewStorage(path)
	require.NoError(t, err)
	restarted := New("swap.testnet", reopened, f.host, f.transfer)
	_, err = restarted.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.Equal(t, failure.CallbackReplay, failure.ReasonOf(err))
	require.Len(t, f.transfer.transfers, 1)
	require.Equal(t, "0", restarted.CollectedFees("wrap.near"))
}

func TestSaveFailureBeforeTransferSendsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	storage, err := NewStorage(path)
	require.NoError(t, err)
	f := newFixtureWithStorage(t, storage)
	pending := deposit(t, f, "")

	restore := breakSaves(t, path)
	out := types.WorkerOutput{Success: true, AmountOut: "950000", IntentHash: "ih"}
	_, err = f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.Equal(t, failure.Internal, failure.ReasonOf(err))
	require.Empty(t, f.transfer.transfers)

	stored, ok := f.ledger.GetPending(pending.CorrelationID)
	require.True(t, ok)
	require.Equal(t, StatusRequested, stored.Status)

	restore()
	res, err := f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.NoError(t, err)
	require.Equal(t, ActionPayout, res.Action)
	require.Len(t, f.transfer.transfers, 1)
}

func TestSaveFailureRejectsDeposit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	storage, err := NewStorage(path)
	require.NoError(t, err)
	f := newFixtureWithStorage(t, storage)

	restore := breakSaves(t, path)
	defer restore()

	_, err = f.ledger.OnTransfer(context.Background(), "wrap.near", "user.testnet", "1000000", swapMsg(usdc, ""))
	require.Equal(t, failure.Internal, failure.ReasonOf(err))
	require.Empty(t, f.host.requests)
	require.Empty(t, f.ledger.Pending())
}

func TestRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	storage, err := NewStorage(path)
	require.NoError(t, err)
	f := newFixtureWithStorage(t, storage)
	pending := deposit(t, f, "")

	require.Equal(t, failure.InvalidRequest, failure.ReasonOf(f.ledger.Release(pending.CorrelationID, ActionRefund)))
	require.Equal(t, failure.InvalidRequest, failure.ReasonOf(f.ledger.Release("missing", ActionRefund)))

	var restore func()
	f.transfer.afterSend = func() { restore = breakSaves(t, path) }
	out := types.WorkerOutput{FailureReason: "RELAY_REJECTED"}
	_, err = f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.Equal(t, failure.Internal, failure.ReasonOf(err))
	restore()
	f.transfer.afterSend = nil

	require.Equal(t, failure.InvalidRequest, failure.ReasonOf(f.ledger.Release(pending.CorrelationID, "burn")))
	require.NoError(t, f.ledger.Release(pending.CorrelationID, ActionRefund))
	stored, ok := f.ledger.GetPending(pending.CorrelationID)
	require.True(t, ok)
	require.Equal(t, StatusRefundFailed, stored.Status)

	res, err := f.ledger.OnSwapResult(context.Background(), f.creds, pending.CorrelationID, out)
	require.NoError(t, err)
	require.Equal(t, ActionRefund, res.Action)
	require.Len(t, f.transfer.transfers, 2)
}
