package swap

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/intents"
	"near-swap-worker/pkg/metrics"
	"near-swap-worker/pkg/near"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/relay"
	"near-swap-worker/pkg/types"
)

type Quoter interface {
	GetQuote(ctx context.Context, tokenIn, tokenOut, amountIn string) (*relay.Quote, error)
}

// Preflight checks that the sender can receive the output token
type Preflight interface {
	IsRegistered(ctx context.Context, token, accountID string) (bool, error)
}

type EnvelopeSigner interface {
	Sign(key *nep413.KeyPair, message, recipient string) (*nep413.SignedEnvelope, error)
}

// Funder moves the input amount into the intents contract
type Funder interface {
	Deposit(ctx context.Context, creds nep413.Credentials, token, amount string) (*near.TxResult, error)
}

type IntentPublisher interface {
	Publish(ctx context.Context, quoteHashes []string, env *nep413.SignedEnvelope) (string, error)
	AwaitSettlement(ctx context.Context, intentHash string, maxWait time.Duration) (*relay.Settlement, error)
}

type Withdrawer interface {
	Withdraw(ctx context.Context, creds nep413.Credentials, w intents.WithdrawIntent) (*near.TxResult, error)
}

// Deps are the collaborators of an orchestrator. Preflight and Metrics are optional.
type Deps struct {
	Quoter     Quoter
	Preflight  Preflight
	Signer     EnvelopeSigner
	Funder     Funder
	Publisher  IntentPublisher
	Withdrawer Withdrawer
	Metrics    *metrics.SwapMetrics
}

// Config tunes a swap run
type Config struct {
	IntentsContract   string
	SettlementTimeout time.Duration
	ReferralReceiver  string
	ReferralFeeBps    uint16
	DeadlineGrace     time.Duration
	Now               func() time.Time
}

// Result is the single terminal outcome of a run
type Result struct {
	State      State
	Success    bool
	AmountOut  string
	IntentHash string
	Failure    *failure.Error
	Trace      []State
}

// Output converts the result into the worker output record
func (r *Result) Output() types.WorkerOutput {
	if r.Success {
		return types.WorkerOutput{Success: true, AmountOut: r.AmountOut, IntentHash: r.IntentHash}
	}
	out := types.WorkerOutput{IntentHash: r.IntentHash}
	if r.Failure != nil {
		out.FailureReason = string(r.Failure.Reason)
		out.FailureDetail = r.Failure.Error()
		out.Retryable = r.Failure.Retryable
	}
	return out
}

// Orchestrator drives one swap through quoting, signing, publishing,
// settlement and withdrawal
type Orchestrator struct {
	deps Deps
	cfg  Config
}

// New creates an orchestrator
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

// run is the state threaded through one pipeline invocation
type run struct {
	state State
	trace []State

	quote      *relay.Quote
	payload    *intents.Payload
	envelope   *nep413.SignedEnvelope
	intentHash string
	amountOut  string
}

func (r *run) advance(to State) error {
	if err := ValidateTransition(r.state, to); err != nil {
		return err
	}
	r.state = to
	r.trace = append(r.trace, to)
	return nil
}

type step func(ctx context.Context, r *run, req types.SwapRequest, creds nep413.Credentials) error

// Run executes the pipeline for req with creds. Every failure ends the run in
// Done with a typed reason; no step is retried inside a run.
func (o *Orchestrator) Run(ctx context.Context, req types.SwapRequest, creds nep413.Credentials) *Result {
	started := o.cfg.Now()
	entry := log.WithFields(log.Fields{
		"component": "swap",
		"sender":    req.SenderID,
		"in":        req.TokenIn,
		"out":       req.TokenOut,
		"amount_in": req.AmountIn,
	})

	r := &run{state: Quoting, trace: []State{Quoting}}
	o.deps.Metrics.ObserveState(Quoting.String())

	steps := []struct {
		state State
		fn    step
	}{
		{Quoting, o.quoting},
		{Assembling, o.assembling},
		{Signing, o.signing},
		{Publishing, o.publishing},
		{AwaitingSettlement, o.awaitingSettlement},
		{Withdrawing, o.withdrawing},
	}

	var failed *failure.Error
	for i, s := range steps {
		if i > 0 {
			if err := r.advance(s.state); err != nil {
				failed = failure.From(err)
				break
			}
			o.deps.Metrics.ObserveState(s.state.String())
		}
		entry.WithField("state", s.state).Debug("entering state")
		if err := s.fn(ctx, r, req, creds); err != nil {
			failed = failure.From(err)
			break
		}
	}

	from := r.state
	if err := r.advance(Done); err != nil {
		// Done is reachable from every non-terminal state
		entry.WithError(err).Error("could not finish run")
	}
	o.deps.Metrics.ObserveState(Done.String())

	result := &Result{State: Done, IntentHash: r.intentHash, Trace: r.trace}
	reason := ""
	if failed != nil {
		result.Failure = failed
		reason = string(failed.Reason)
		entry.WithFields(log.Fields{
			"state":     from,
			"reason":    failed.Reason,
			"retryable": failed.Retryable,
		}).WithError(failed).Warn("swap failed")
	} else {
		result.Success = true
		result.AmountOut = r.amountOut
		entry.WithFields(log.Fields{
			"amount_out":  r.amountOut,
			"intent_hash": r.intentHash,
		}).Info("swap completed")
	}

	o.deps.Metrics.ObserveSwap(result.Success, reason, o.cfg.Now().Sub(started))
	return result
}

func (o *Orchestrator) quoting(ctx context.Context, r *run, req types.SwapRequest, creds nep413.Credentials) error {
	if creds.Key == nil || creds.AccountID == "" {
		return failure.New(failure.SigningError, "missing signer credentials", nil)
	}
	if req.Destination != creds.AccountID {
		return failure.Newf(failure.InvalidRequest, "swap account %q does not match signer %q", req.Destination, creds.AccountID)
	}
	amountIn, err := near.ParseAmount(req.AmountIn)
	if err != nil || amountIn.IsZero() {
		return failure.Newf(failure.InvalidRequest, "invalid input amount %q", req.AmountIn)
	}

	if o.deps.Preflight != nil {
		registered, err := o.deps.Preflight.IsRegistered(ctx, req.TokenOut, req.SenderID)
		switch {
		case err != nil:
			log.WithField("component", "swap").WithError(err).Warn("storage pre-flight failed, continuing")
		case !registered:
			return failure.Newf(failure.StorageNotRegistered, "%s is not registered on %s", req.SenderID, req.TokenOut)
		}
	}

	quote, err := o.deps.Quoter.GetQuote(ctx, req.TokenIn, req.TokenOut, req.AmountIn)
	if err != nil {
		return err
	}
	o.deps.Metrics.ObserveQuote()
	r.quote = quote
	return nil
}

func (o *Orchestrator) assembling(_ context.Context, r *run, req types.SwapRequest, creds nep413.Credentials) error {
	payload, err := relay.AssembleIntents(r.quote, req, relay.AssembleOptions{
		SignerID:         creds.AccountID,
		ReferralReceiver: o.cfg.ReferralReceiver,
		ReferralFeeBps:   o.cfg.ReferralFeeBps,
		DeadlineGrace:    o.cfg.DeadlineGrace,
		Now:              o.cfg.Now,
	})
	if err != nil {
		return err
	}
	r.payload = payload
	return nil
}

func (o *Orchestrator) signing(_ context.Context, r *run, _ types.SwapRequest, creds nep413.Credentials) error {
	message, err := r.payload.Message()
	if err != nil {
		return failure.New(failure.SigningError, "could not serialize intents", err)
	}
	env, err := o.deps.Signer.Sign(creds.Key, message, o.cfg.IntentsContract)
	if err != nil {
		return failure.New(failure.SigningError, "could not sign intents", err)
	}
	r.envelope = env
	return nil
}

func (o *Orchestrator) publishing(ctx context.Context, r *run, req types.SwapRequest, creds nep413.Credentials) error {
	res, err := o.deps.Funder.Deposit(ctx, creds, req.TokenIn, r.quote.AmountIn)
	o.deps.Metrics.ObserveTransaction("ft_transfer_call", err == nil)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"component": "swap", "tx": res.Hash}).Debug("input deposited")

	hash, err := o.deps.Publisher.Publish(ctx, []string{r.quote.QuoteHash}, r.envelope)
	if err != nil {
		return err
	}
	r.intentHash = hash
	return nil
}

func (o *Orchestrator) awaitingSettlement(ctx context.Context, r *run, _ types.SwapRequest, _ nep413.Credentials) error {
	started := o.cfg.Now()
	_, err := o.deps.Publisher.AwaitSettlement(ctx, r.intentHash, o.cfg.SettlementTimeout)
	o.deps.Metrics.ObserveSettlement(o.cfg.Now().Sub(started))
	return err
}

func (o *Orchestrator) withdrawing(ctx context.Context, r *run, _ types.SwapRequest, creds nep413.Credentials) error {
	withdrawals := r.payload.Withdrawals()
	if len(withdrawals) == 0 {
		return failure.Newf(failure.Internal, "intent plan has no withdrawal")
	}
	for _, w := range withdrawals {
		_, err := o.deps.Withdrawer.Withdraw(ctx, creds, w)
		o.deps.Metrics.ObserveTransaction("ft_withdraw", err == nil)
		if err != nil {
			return err
		}
	}
	r.amountOut = withdrawals[len(withdrawals)-1].Amount
	return nil
}
