package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"near-swap-worker/config"
	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/parser"
	"near-swap-worker/pkg/tokenid"
	"near-swap-worker/pkg/types"
)

var runInputFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one worker input record",
	Long: `Read one worker input record as JSON and execute it. The record is either
a swap request or a storage check; the result is written to stdout as JSON.

The swap account and its key are read from SWAP_CONTRACT_ID and
SWAP_CONTRACT_PRIVATE_KEY.

Examples:
  # Swap
  echo '{"sender_id":"alice.near","token_in":"nep141:wrap.near",
         "token_out":"nep141:usdc.near","amount_in":"1000000",
         "min_amount_out":"900000","swap_contract_id":"swap.near"}' | near-swap-worker run

  # Storage check
  near-swap-worker run --input check.json
  # check.json: {"action":"test_storage","token_contract":"usdc.near"}`,
	Args: cobra.NoArgs,
	Run:  runWorker,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runInputFile, "input", "i", "", "Read the input record from a file instead of stdin")
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg := config.Get()
	defer flushMetrics(cfg)

	data, err := readInput(runInputFile)
	if err != nil {
		writeOutput(failedOutput(failure.New(failure.InvalidRequest, "could not read input", err)))
		return
	}

	input, err := parser.ParseWorkerInput(data)
	if err != nil {
		writeOutput(failedOutput(failure.From(err)))
		return
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		writeOutput(failedOutput(failure.New(failure.SigningError, "could not load credentials", err)))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w, err := newWorker(ctx, cfg)
	if err != nil {
		writeOutput(failedOutput(failure.New(failure.RelayRejected, "could not reach relay", err).WithRetryable(true)))
		return
	}
	defer w.Close()

	// A failed swap is still a result; the exit code only reports whether a
	// record was written
	if input.StorageCheck != nil {
		writeOutput(checkStorage(ctx, w, creds, input.StorageCheck.TokenContract))
		return
	}

	result := w.swap.Run(ctx, input.Swap.Request(), creds)
	writeOutput(result.Output())
}

// checkStorage makes sure the swap account can hold tokenContract
func checkStorage(ctx context.Context, w *worker, creds nep413.Credentials, tokenContract string) types.StorageCheckOutput {
	logger := log.WithFields(log.Fields{
		"component": "storage_check",
		"token":     tokenContract,
		"account":   creds.AccountID,
	})

	balance, err := w.tokens.StorageBalanceOf(ctx, tokenContract, creds.AccountID)
	if err != nil {
		logger.WithError(err).Error("storage balance lookup failed")
		return types.StorageCheckOutput{ErrorMessage: err.Error()}
	}
	if balance != nil {
		logger.Info("account already registered")
		return types.StorageCheckOutput{
			Success:           true,
			AlreadyRegistered: true,
			StorageBalance:    balance.Total,
		}
	}

	logger.Info("registering account")
	res, err := w.tokens.StorageDeposit(ctx, creds, tokenid.ToBare(tokenContract), "", true)
	if err != nil {
		logger.WithError(err).Error("storage deposit failed")
		return types.StorageCheckOutput{ErrorMessage: err.Error()}
	}
	if verr := res.Verdict.Err(); verr != nil {
		logger.WithError(verr).WithField("tx_hash", res.Hash).Error("storage deposit failed on chain")
		return types.StorageCheckOutput{TxHash: res.Hash, ErrorMessage: verr.Error()}
	}

	out := types.StorageCheckOutput{Success: true, TxHash: res.Hash}
	if balance, err := w.tokens.StorageBalanceOf(ctx, tokenContract, creds.AccountID); err == nil && balance != nil {
		out.StorageBalance = balance.Total
	}
	return out
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func failedOutput(err *failure.Error) types.WorkerOutput {
	return types.WorkerOutput{
		Success:       false,
		FailureReason: string(err.Reason),
		FailureDetail: err.Error(),
		Retryable:     err.Retryable,
	}
}

func writeOutput(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
