package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/intents"
	"near-swap-worker/pkg/near"
	"near-swap-worker/pkg/tokenid"
	"near-swap-worker/pkg/types"
)

// QuoteAPI is the relay surface the quote client needs
type QuoteAPI interface {
	Quote(ctx context.Context, req QuoteRequest) ([]Quote, error)
}

// QuoteClient fetches the best quote with a bounded number of attempts
type QuoteClient struct {
	api      QuoteAPI
	attempts int
	delay    time.Duration
}

// NewQuoteClient creates a quote client. attempts below one are treated as one.
func NewQuoteClient(api QuoteAPI, attempts int, delay time.Duration) *QuoteClient {
	if attempts < 1 {
		attempts = 1
	}
	return &QuoteClient{api: api, attempts: attempts, delay: delay}
}

// GetQuote returns the offer with the highest output amount. Transport errors
// are retried; an empty answer is not. Both end as InsufficientLiquidity.
func (c *QuoteClient) GetQuote(ctx context.Context, tokenIn, tokenOut, amountIn string) (*Quote, error) {
	req := QuoteRequest{
		AssetIn:       tokenid.ToCanonical(tokenIn),
		AssetOut:      tokenid.ToCanonical(tokenOut),
		ExactAmountIn: amountIn,
	}
	entry := log.WithFields(log.Fields{"component": "quote", "in": req.AssetIn, "out": req.AssetOut})

	var quotes []Quote
	attempt := 0
	operation := func() error {
		attempt++
		result, err := c.api.Quote(ctx, req)
		if err != nil {
			entry.WithError(err).Warnf("quote attempt %d/%d failed", attempt, c.attempts)
			return err
		}
		quotes = result
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), uint64(c.attempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, failure.New(
			failure.InsufficientLiquidity,
			fmt.Sprintf("no quote after %d attempts", attempt),
			err,
		).WithRetryable(true)
	}

	best := SelectBest(quotes)
	if best == nil {
		return nil, failure.Newf(failure.InsufficientLiquidity, "no solver quoted %s -> %s for %s", req.AssetIn, req.AssetOut, amountIn)
	}

	entry.WithFields(log.Fields{
		"amount_in":  best.AmountIn,
		"amount_out": best.AmountOut,
		"quote_hash": best.QuoteHash,
		"offers":     len(quotes),
	}).Info("quote received")
	return best, nil
}

// SelectBest picks the quote with the largest output, ignoring offers whose
// amount does not parse.
func SelectBest(quotes []Quote) *Quote {
	var best *Quote
	var bestOut *uint256.Int
	for i := range quotes {
		out, err := near.ParseAmount(quotes[i].AmountOut)
		if err != nil || quotes[i].QuoteHash == "" {
			continue
		}
		if best == nil || out.Gt(bestOut) {
			best, bestOut = &quotes[i], out
		}
	}
	return best
}

// AssembleOptions configures intent assembly
type AssembleOptions struct {
	// SignerID is the account signing the intents
	SignerID string
	// ReferralReceiver, when set with a non-zero ReferralFeeBps, receives a
	// share of the output through a transfer intent
	ReferralReceiver string
	ReferralFeeBps   uint16
	// DeadlineGrace is used when the quote carries no usable expiry
	DeadlineGrace time.Duration
	Now           func() time.Time
}

// AssembleIntents builds the intent plan for a quote in fixed order:
// token_diff, the optional referral transfer, then ft_withdraw. Assembly is
// refused with InsufficientLiquidity when the amount reaching the destination
// would be below the request minimum.
func AssembleIntents(quote *Quote, req types.SwapRequest, opts AssembleOptions) (*intents.Payload, error) {
	amountOut, err := near.ParseAmount(quote.AmountOut)
	if err != nil {
		return nil, failure.New(failure.InsufficientLiquidity, "quote has an invalid output amount", err)
	}
	if _, err := near.ParseAmount(quote.AmountIn); err != nil {
		return nil, failure.New(failure.InsufficientLiquidity, "quote has an invalid input amount", err)
	}
	minOut, err := near.ParseAmount(req.MinAmountOut)
	if err != nil {
		return nil, failure.New(failure.InvalidRequest, "invalid minimum output amount", err)
	}

	fee := new(uint256.Int)
	if opts.ReferralReceiver != "" && opts.ReferralFeeBps > 0 {
		fee.Mul(amountOut, uint256.NewInt(uint64(opts.ReferralFeeBps)))
		fee.Div(fee, uint256.NewInt(10_000))
	}
	net := new(uint256.Int).Sub(amountOut, fee)

	if net.Lt(minOut) {
		return nil, failure.Newf(failure.InsufficientLiquidity,
			"quoted output %s is below minimum %s", net.Dec(), minOut.Dec())
	}

	tokenIn := tokenid.ToCanonical(req.TokenIn)
	tokenOut := tokenid.ToCanonical(req.TokenOut)

	list := []intents.Intent{
		intents.DifferenceIntent{Diff: map[string]string{
			tokenIn:  "-" + quote.AmountIn,
			tokenOut: quote.AmountOut,
		}},
	}
	if !fee.IsZero() {
		list = append(list, intents.TransferIntent{
			ReceiverID: opts.ReferralReceiver,
			Tokens:     map[string]string{tokenOut: fee.Dec()},
		})
	}
	list = append(list, intents.WithdrawIntent{
		Token:      tokenid.ToBare(req.TokenOut),
		ReceiverID: req.Destination,
		Amount:     net.Dec(),
		Memo:       fmt.Sprintf("swap for %s via %s", req.SenderID, req.Destination),
	})

	return &intents.Payload{
		SignerID: opts.SignerID,
		Deadline: deadline(quote, opts),
		Intents:  list,
	}, nil
}

func deadline(quote *Quote, opts AssembleOptions) time.Time {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	current := now()
	if expiry, err := quote.Expiry(); err == nil && expiry.After(current) {
		return expiry
	}
	grace := opts.DeadlineGrace
	if grace <= 0 {
		grace = 180 * time.Second
	}
	return current.Add(grace)
}
