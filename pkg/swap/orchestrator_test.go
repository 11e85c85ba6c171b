package swap

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/intents"
	"near-swap-worker/pkg/metrics"
	"near-swap-worker/pkg/near"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/relay"
	"near-swap-worker/pkg/types"
)

const usdc = "17208628f84f5d6ad33f0da3bbbeb27ffcb398eac501a31bd6ad2011e36133a1"

type fakeQuoter struct {
	quote *relay.Quote
	err   error
	calls int
}

func (q *fakeQuoter) GetQuote(_ context.Context, _, _, _ string) (*relay.Quote, error) {
	q.calls++
	return q.quote, q.err
}

type fakePreflight struct {
	registered bool
	err        error
	calls      int
}

func (p *fakePreflight) IsRegistered(_ context.Context, _, _ string) (bool, error) {
	p.calls++
	return p.registered, p.err
}

type countingSigner struct {
	inner    *nep413.Signer
	calls    int
	messages []string
}

func (s *countingSigner) Sign(key *nep413.KeyPair, message, recipient string) (*nep413.SignedEnvelope, error) {
	s.calls++
	s.messages = append(s.messages, message)
	return s.inner.Sign(key, message, recipient)
}

type fakeFunder struct {
	err   error
	calls int
}

func (f *fakeFunder) Deposit(_ context.Context, _ nep413.Credentials, _, _ string) (*near.TxResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &near.TxResult{Hash: "FundTx"}, nil
}

type fakePublisher struct {
	publishErr error
	settleErr  error
	publishes  int
	waits      int
	envelopes  []*nep413.SignedEnvelope
}

func (p *fakePublisher) Publish(_ context.Context, _ []string, env *nep413.SignedEnvelope) (string, error) {
	p.publishes++
	p.envelopes = append(p.envelopes, env)
	if p.publishErr != nil {
		return "", p.publishErr
	}
	return "IntentHash1", nil
}

func (p *fakePublisher) AwaitSettlement(_ context.Context, hash string, _ time.Duration) (*relay.Settlement, error) {
	p.waits++
	if p.settleErr != nil {
		return &relay.Settlement{Kind: relay.TimedOut, IntentHash: hash}, p.settleErr
	}
	return &relay.Settlement{Kind: relay.Settled, IntentHash: hash}, nil
}

type fakeWithdrawer struct {
	err         error
	withdrawals []intents.WithdrawIntent
}

func (w *fakeWithdrawer) Withdraw(_ context.Context, _ nep413.Credentials, intent intents.WithdrawIntent) (*near.TxResult, error) {
	w.withdrawals = append(w.withdrawals, intent)
	if w.err != nil {
		return nil, w.err
	}
	return &near.TxResult{Hash: "WithdrawTx"}, nil
}

type harness struct {
	quoter     *fakeQuoter
	preflight  *fakePreflight
	signer     *countingSigner
	funder     *fakeFunder
	publisher  *fakePublisher
	withdrawer *fakeWithdrawer
	metrics    *metrics.SwapMetrics
	orch       *Orchestrator
}

func newHarness(amountOut string) *harness {
	h := &harness{
		quoter: &fakeQuoter{quote: &relay.Quote{
			AmountIn:  "1000000000000000000000000",
			AmountOut: amountOut,
			QuoteHash: "QuoteHash1",
		}},
		preflight:  &fakePreflight{registered: true},
		signer:     &countingSigner{inner: nep413.NewSigner()},
		funder:     &fakeFunder{},
		publisher:  &fakePublisher{},
		withdrawer: &fakeWithdrawer{},
		metrics:    metrics.New(prometheus.NewRegistry()),
	}
	h.orch = New(Deps{
		Quoter:     h.quoter,
		Preflight:  h.preflight,
		Signer:     h.signer,
		Funder:     h.funder,
		Publisher:  h.publisher,
		Withdrawer: h.withdrawer,
		Metrics:    h.metrics,
	}, Config{
		IntentsContract:   "intents.near",
		SettlementTimeout: time.Second,
	})
	return h
}

func testCreds(t *testing.T) nep413.Credentials {
	key, err := nep413.NewKeyPairFromSeed(bytes.Repeat([]byte{11}, 32))
	require.NoError(t, err)
	return nep413.Credentials{AccountID: "swap.testnet", Key: key}
}

func testRequest() types.SwapRequest {
	return types.SwapRequest{
		SenderID:     "user.testnet",
		TokenIn:      "nep141:wrap.near",
		TokenOut:     "nep141:" + usdc,
		AmountIn:     "1000000000000000000000000",
		MinAmountOut: "900000",
		Destination:  "swap.testnet",
	}
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness("950000")

	result := h.orch.Run(context.Background(), testRequest(), testCreds(t))
	require.Nil(t, result.Failure)
	require.True(t, result.Success)
	require.Equal(t, Done, result.State)
	require.Equal(t, "950000", result.AmountOut)
	require.NotEmpty(t, result.IntentHash)
	require.Equal(t, States(), result.Trace)

	out := result.Output()
	require.Equal(t, types.WorkerOutput{Success: true, AmountOut: "950000", IntentHash: "IntentHash1"}, out)

	require.Len(t, h.withdrawer.withdrawals, 1)
	w := h.withdrawer.withdrawals[0]
	require.Equal(t, usdc, w.Token)
	require.Equal(t, "swap.testnet", w.ReceiverID)
	require.Equal(t, "950000", w.Amount)

	require.Equal(t, 1, h.signer.calls)
	require.NotContains(t, h.signer.messages[0], intents.KindFtWithdraw)
	require.Contains(t, h.signer.messages[0], `"signer_id":"swap.testnet"`)
	require.NoError(t, nep413.Verify(h.publisher.envelopes[0]))
	require.Equal(t, "intents.near", h.publisher.envelopes[0].Payload.Recipient)

	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SwapCounterVec().WithLabelValues("success", "")))
}

func TestRunBelowMinimumHasNoSideEffects(t *testing.T) {
	h := newHarness("850000")

	result := h.orch.Run(context.Background(), testRequest(), testCreds(t))
	require.False(t, result.Success)
	require.Equal(t, failure.InsufficientLiquidity, result.Failure.Reason)
	require.Equal(t, []State{Quoting, Assembling, Done}, result.Trace)

	require.Equal(t, 1, h.quoter.calls)
	require.Equal(t, 0, h.signer.calls)
	require.Equal(t, 0, h.funder.calls)
	require.Equal(t, 0, h.publisher.publishes)
	require.Equal(t, 0, h.publisher.waits)
	require.Empty(t, h.withdrawer.withdrawals)

	out := result.Output()
	require.False(t, out.Success)
	require.Equal(t, "INSUFFICIENT_LIQUIDITY", out.FailureReason)
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		reason    failure.Reason
		retryable bool
		trace     []State
	}{
		{
			name:   "no quote",
			setup:  func(h *harness) { h.quoter.err = failure.Newf(failure.InsufficientLiquidity, "no solver") },
			reason: failure.InsufficientLiquidity,
			trace:  []State{Quoting, Done},
		},
		{
			name:   "sender not registered",
			setup:  func(h *harness) { h.preflight.registered = false },
			reason: failure.StorageNotRegistered,
			trace:  []State{Quoting, Done},
		},
		{
			name:   "funding fails",
			setup:  func(h *harness) { h.funder.err = failure.Newf(failure.TransactionFailure, "receipt 1 failed") },
			reason: failure.TransactionFailure,
			trace:  []State{Quoting, Assembling, Signing, Publishing, Done},
		},
		{
			name:   "relay rejects",
			setup:  func(h *harness) { h.publisher.publishErr = failure.Newf(failure.RelayRejected, "bad signature") },
			reason: failure.RelayRejected,
			trace:  []State{Quoting, Assembling, Signing, Publishing, Done},
		},
		{
			name:      "settlement times out",
			setup:     func(h *harness) { h.publisher.settleErr = failure.Newf(failure.SettlementTimeout, "not settled") },
			reason:    failure.SettlementTimeout,
			retryable: true,
			trace:     []State{Quoting, Assembling, Signing, Publishing, AwaitingSettlement, Done},
		},
		{
			name:   "withdrawal fails",
			setup:  func(h *harness) { h.withdrawer.err = failure.Newf(failure.TransactionFailure, "not registered") },
			reason: failure.TransactionFailure,
			trace:  []State{Quoting, Assembling, Signing, Publishing, AwaitingSettlement, Withdrawing, Done},
		},
		{
			name:   "untyped error",
			setup:  func(h *harness) { h.withdrawer.err = errors.New("boom") },
			reason: failure.Internal,
			trace:  []State{Quoting, Assembling, Signing, Publishing, AwaitingSettlement, Withdrawing, Done},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness("950000")
			tt.setup(h)

			result := h.orch.Run(context.Background(), testRequest(), testCreds(t))
			require.False(t, result.Success)
			require.Equal(t, Done, result.State)
			require.Equal(t, tt.reason, result.Failure.Reason)
			require.Equal(t, tt.retryable, result.Failure.Retryable)
			require.Equal(t, tt.trace, result.Trace)
			require.Equal(t, tt.retryable, result.Output().Retryable)
		})
	}
}

func TestRunPreflightErrorIsNotFatal(t *testing.T) {
	h := newHarness("950000")
	h.preflight.err = errors.New("rpc unavailable")

	result := h.orch.Run(context.Background(), testRequest(), testCreds(t))
	require.True(t, result.Success)
	require.Equal(t, 1, h.preflight.calls)
}

func TestRunMissingCredentials(t *testing.T) {
	h := newHarness("950000")

	result := h.orch.Run(context.Background(), testRequest(), nep413.Credentials{AccountID: "swap.testnet"})
	require.Equal(t, failure.SigningError, result.Failure.Reason)
	require.Equal(t, 0, h.quoter.calls)
}

func TestRunInvalidAmount(t *testing.T) {
	h := newHarness("950000")
	req := testRequest()
	req.AmountIn = "0"

	result := h.orch.Run(context.Background(), req, testCreds(t))
	require.Equal(t, failure.InvalidRequest, result.Failure.Reason)
	require.Equal(t, 0, h.quoter.calls)
}

func TestRunRejectsForeignSwapAccount(t *testing.T) {
	h := newHarness("950000")
	req := testRequest()
	req.Destination = "other.testnet"

	result := h.orch.Run(context.Background(), req, testCreds(t))
	require.False(t, result.Success)
	require.Equal(t, failure.InvalidRequest, result.Failure.Reason)
	require.Contains(t, result.Failure.Error(), "other.testnet")
	require.Equal(t, 0, h.quoter.calls)
	require.Empty(t, h.withdrawer.withdrawals)
}

func TestValidateTransition(t *testing.T) {
	states := States()
	for i, from := range states[:len(states)-1] {
		require.NoError(t, ValidateTransition(from, states[i+1]), "%s -> %s", from, states[i+1])
		require.NoError(t, ValidateTransition(from, Done))
		require.Error(t, ValidateTransition(from, from), "%s must not repeat", from)
		if i > 0 {
			require.Error(t, ValidateTransition(from, states[i-1]), "%s must not go back", from)
		}
	}
	require.Error(t, ValidateTransition(Done, Quoting))
	require.Error(t, ValidateTransition(Quoting, Signing))
	require.Equal(t, "AwaitingSettlement", AwaitingSettlement.String())
	require.Equal(t, "State(42)", State(42).String())
}
