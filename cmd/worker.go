package cmd

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"near-swap-worker/config"
	"near-swap-worker/pkg/host"
	"near-swap-worker/pkg/ledger"
	"near-swap-worker/pkg/metrics"
	"near-swap-worker/pkg/near"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/relay"
	"near-swap-worker/pkg/swap"
	"near-swap-worker/pkg/withdraw"
)

// worker bundles the live clients one command invocation needs
type worker struct {
	cfg    *config.Config
	relay  *relay.Client
	rpc    *near.RPCClient
	tokens *near.TokenClient
	swap   *swap.Orchestrator
}

func newWorker(ctx context.Context, cfg *config.Config) (*worker, error) {
	relayClient, err := relay.Dial(ctx, cfg.RelayURL, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	rpc := near.NewRPCClient(cfg.NearRPCURL, cfg.RequestTimeout, cfg.BroadcastTimeout)
	sender := near.NewTxSender(rpc)
	tokens := near.NewTokenClient(rpc, sender)

	orchestrator := swap.New(swap.Deps{
		Quoter:     relay.NewQuoteClient(relayClient, cfg.QuoteAttempts, cfg.QuoteRetryDelay),
		Preflight:  tokens,
		Signer:     nep413.NewSigner(),
		Funder:     withdraw.NewExecutor(sender, cfg.IntentsContract),
		Publisher:  relay.NewPublisher(relayClient, cfg.SettlementPollInterval),
		Withdrawer: withdraw.NewExecutor(sender, cfg.IntentsContract),
		Metrics:    metrics.Swap(),
	}, swap.Config{
		IntentsContract:   cfg.IntentsContract,
		SettlementTimeout: cfg.SettlementTimeout,
		ReferralReceiver:  cfg.ReferralReceiver,
		ReferralFeeBps:    cfg.ReferralFeeBps,
		DeadlineGrace:     cfg.DeadlineGrace,
	})

	return &worker{
		cfg:    cfg,
		relay:  relayClient,
		rpc:    rpc,
		tokens: tokens,
		swap:   orchestrator,
	}, nil
}

func (w *worker) Close() {
	w.relay.Close()
}

// openLedger loads the ledger and wires it to a local execution host that
// runs swaps with creds. The caller waits on the host before exiting.
func (w *worker) openLedger(creds nep413.Credentials) (*ledger.Ledger, *host.Local, error) {
	storage, err := openStorage(w.cfg)
	if err != nil {
		return nil, nil, err
	}

	local := host.NewLocal(w.swap, creds)
	local.SetTimeout(w.cfg.SettlementTimeout + 4*w.cfg.BroadcastTimeout)
	local.SetCallbackTimeout(2 * w.cfg.BroadcastTimeout)

	l := ledger.New(creds.AccountID, storage, local, w.tokens, ledger.WithMetrics(metrics.Swap()))
	local.SetCallback(l)
	return l, local, nil
}

// openStorage loads the ledger file. fee_basis_points only seeds a ledger
// that does not exist yet; afterwards the fee is changed with "ledger fees".
func openStorage(cfg *config.Config) (*ledger.Storage, error) {
	fresh := false
	if cfg.LedgerPath != "" {
		if _, err := os.Stat(cfg.LedgerPath); os.IsNotExist(err) {
			fresh = true
		}
	}

	storage, err := ledger.NewStorage(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if fresh {
		err := storage.UpdateSettings(func(s *ledger.Settings) {
			s.FeeBasisPoints = cfg.FeeBasisPoints
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ledger: %w", err)
		}
	}
	return storage, nil
}

// flushMetrics writes the textfile snapshot when metrics_file is configured
func flushMetrics(cfg *config.Config) {
	if cfg.MetricsFile == "" {
		return
	}
	if err := metrics.Swap().WriteTextfile(cfg.MetricsFile); err != nil {
		log.WithError(err).WithField("path", cfg.MetricsFile).Warn("failed to write metrics")
	}
}
