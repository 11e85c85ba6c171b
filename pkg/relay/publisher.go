package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	log "github.com/sirupsen/logrus"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/nep413"
)

// PublishAPI is the relay surface the publisher needs
type PublishAPI interface {
	PublishIntent(ctx context.Context, req PublishRequest) (*PublishResult, error)
	GetStatus(ctx context.Context, intentHash string) (*StatusResult, error)
}

// SettlementKind classifies a relay status
type SettlementKind int

const (
	Pending SettlementKind = iota
	Settled
	Failed
	TimedOut
)

func (k SettlementKind) String() string {
	switch k {
	case Settled:
		return "settled"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

const (
	StatusPending          = "PENDING"
	StatusTxBroadcasted    = "TX_BROADCASTED"
	StatusSettled          = "SETTLED"
	StatusNotFound         = "NOT_FOUND_OR_NOT_VALID"
	StatusNotFoundAnymore  = "NOT_FOUND_OR_NOT_VALID_ANYMORE"
	StatusFailed           = "FAILED"
	expiredReason          = "expired"
	publishAcceptedStatus  = "OK"
	defaultPollingInterval = 2 * time.Second
)

var statusKinds = map[string]SettlementKind{
	StatusPending:         Pending,
	StatusTxBroadcasted:   Pending,
	StatusSettled:         Settled,
	StatusNotFound:        Failed,
	StatusNotFoundAnymore: Failed,
	StatusFailed:          Failed,
}

// Settlement is the terminal observation of a published intent
type Settlement struct {
	Kind       SettlementKind
	IntentHash string
	Status     string
	Reason     string
	// TxHash is the NEAR transaction that settled the intent, when reported
	TxHash string
}

// Classify maps a relay status onto a settlement kind. Unknown statuses are
// treated as pending.
func Classify(res *StatusResult) SettlementKind {
	kind, ok := statusKinds[res.Status]
	if !ok {
		return Pending
	}
	if kind == Failed && res.Status == StatusFailed && res.Reason == expiredReason {
		return TimedOut
	}
	return kind
}

// Publisher submits signed intents and waits for their settlement
type Publisher struct {
	api      PublishAPI
	interval time.Duration
}

// NewPublisher creates a publisher polling status every interval
func NewPublisher(api PublishAPI, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = defaultPollingInterval
	}
	return &Publisher{api: api, interval: interval}
}

// Publish submits the signed envelope and returns the relay's intent hash
func (p *Publisher) Publish(ctx context.Context, quoteHashes []string, env *nep413.SignedEnvelope) (string, error) {
	res, err := p.api.PublishIntent(ctx, PublishRequest{QuoteHashes: quoteHashes, SignedData: env})
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return "", failure.New(failure.RelayRejected, fmt.Sprintf("relay error %d", rpcErr.ErrorCode()), err)
		}
		return "", failure.New(failure.RelayRejected, "relay unreachable", err).WithRetryable(true)
	}

	if res.Status != publishAcceptedStatus {
		reason := res.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return "", failure.Newf(failure.RelayRejected, "publish status %s: %s", res.Status, reason)
	}
	if res.IntentHash == "" {
		return "", failure.Newf(failure.RelayRejected, "relay accepted the intent without an intent hash")
	}

	log.WithFields(log.Fields{
		"component":   "publisher",
		"intent_hash": res.IntentHash,
	}).Info("intent published")
	return res.IntentHash, nil
}

// AwaitSettlement polls the relay until the intent settles, fails, or maxWait
// elapses. The first check happens immediately. Transport errors are logged and
// polling continues. The returned error is a typed failure for every outcome
// except settlement.
func (p *Publisher) AwaitSettlement(ctx context.Context, intentHash string, maxWait time.Duration) (*Settlement, error) {
	entry := log.WithFields(log.Fields{"component": "publisher", "intent_hash": intentHash})

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	last := &Settlement{Kind: Pending, IntentHash: intentHash}
	for {
		res, err := p.api.GetStatus(ctx, intentHash)
		if err != nil {
			entry.WithError(err).Warn("status poll failed")
		} else {
			last.Status, last.Reason = res.Status, res.Reason
			if res.Data != nil {
				last.TxHash = res.Data.Hash
			}
			switch Classify(res) {
			case Settled:
				last.Kind = Settled
				entry.WithField("tx", last.TxHash).Info("intent settled")
				return last, nil
			case Failed:
				last.Kind = Failed
				return last, failure.Newf(failure.RelayRejected, "intent %s ended with status %s %s", intentHash, res.Status, res.Reason)
			case TimedOut:
				last.Kind = TimedOut
				return last, failure.Newf(failure.SettlementTimeout, "intent %s ended with status %s %s", intentHash, res.Status, res.Reason)
			default:
				entry.WithField("status", res.Status).Debug("intent not settled yet")
			}
		}

		select {
		case <-ctx.Done():
			last.Kind = TimedOut
			return last, failure.New(failure.SettlementTimeout, "settlement wait cancelled", ctx.Err())
		case <-deadline.C:
			last.Kind = TimedOut
			return last, failure.Newf(failure.SettlementTimeout, "intent %s not settled within %s (last status %q)", intentHash, maxWait, last.Status)
		case <-ticker.C:
		}
	}
}
