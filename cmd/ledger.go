package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"near-swap-worker/config"
	"near-swap-worker/pkg/client"
	"near-swap-worker/pkg/host"
	"near-swap-worker/pkg/ledger"
	"near-swap-worker/pkg/types"
)

var (
	// Deposit flags
	depositSender string
	depositMsg    string

	// Callback flags
	callbackInput string

	// Whitelist flags
	whitelistSymbol   string
	whitelistDecimals uint8
	whitelistMin      string
	importSymbol      string

	// Pause flags
	pauseSwapsOnly bool
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Manage the settlement ledger",
	Long: `The settlement ledger holds deposits while their swap runs. Each deposit
becomes a pending swap that is paid out or refunded exactly once when the
worker reports back.

The ledger is stored in ledger_path (default ~/.near-swap-worker-ledger.json).`,
}

var ledgerDepositCmd = &cobra.Command{
	Use:   "deposit <token-in> <amount>",
	Short: "Record a deposit and run its swap",
	Long: `Record a token deposit to the swap account and run the swap it asks for.
The message is the ft_transfer_call msg of the deposit. The command waits for
the swap to finish and for the payout or refund to be sent.

Examples:
  near-swap-worker ledger deposit wrap.near 1000000000000000000000000 \
    --sender alice.near \
    --msg '{"Swap":{"token_out":"usdc.near","min_amount_out":"2900000"}}'`,
	Args: cobra.ExactArgs(2),
	Run:  runLedgerDeposit,
}

var ledgerCallbackCmd = &cobra.Command{
	Use:   "callback <correlation-id>",
	Short: "Redeliver a worker result to a pending swap",
	Long: `Apply a worker output record to a pending swap. Use this to retry a payout
or refund whose transfer failed. A swap that was already resolved is rejected.

Examples:
  near-swap-worker ledger callback 0c8e...e1 --input result.json
  echo '{"success":false,"failure_reason":"SETTLEMENT_TIMEOUT"}' | near-swap-worker ledger callback 0c8e...e1`,
	Args: cobra.ExactArgs(1),
	Run:  runLedgerCallback,
}

var ledgerPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List swaps awaiting a result",
	Run:   runLedgerPending,
}

var ledgerWhitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage whitelisted tokens",
}

var ledgerWhitelistAddCmd = &cobra.Command{
	Use:   "add <token>",
	Short: "Whitelist a token",
	Long: `Whitelist a NEP-141 token so deposits of it, or swaps into it, are accepted.

Examples:
  near-swap-worker ledger whitelist add usdc.near --symbol USDC --decimals 6 --min 1000000`,
	Args: cobra.ExactArgs(1),
	Run:  runWhitelistAdd,
}

var ledgerWhitelistRemoveCmd = &cobra.Command{
	Use:   "remove <token>",
	Short: "Remove a token from the whitelist",
	Args:  cobra.ExactArgs(1),
	Run:   runWhitelistRemove,
}

var ledgerWhitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List whitelisted tokens",
	Run:   runWhitelistList,
}

var ledgerWhitelistImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Whitelist NEAR tokens listed by 1Click",
	Long: `Fetch the NEP-141 tokens supported by the 1Click API and whitelist them.
Existing entries are replaced. Requires NEAR_SWAP_WORKER_ONECLICK_JWT.

Examples:
  near-swap-worker ledger whitelist import --symbol USDC`,
	Run: runWhitelistImport,
}

var ledgerPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop accepting deposits",
	Long: `Pause the ledger. With --swaps only new swaps are refused; callbacks for
swaps already in flight are always applied.`,
	Run: func(cmd *cobra.Command, args []string) { runLedgerPause(true) },
}

var ledgerResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Accept deposits again",
	Run:   func(cmd *cobra.Command, args []string) { runLedgerPause(false) },
}

var ledgerFeesCmd = &cobra.Command{
	Use:   "fees [basis-points]",
	Short: "Show collected fees, or set the swap fee",
	Long: `Show the swap fee and the fees collected per token. With an argument, set
the fee in basis points (at most 1000).

Examples:
  near-swap-worker ledger fees
  near-swap-worker ledger fees 25`,
	Args: cobra.MaximumNArgs(1),
	Run:  runLedgerFees,
}

var ledgerReleaseCmd = &cobra.Command{
	Use:   "release <correlation-id> <payout|refund>",
	Short: "Allow a stuck swap's transfer to be retried",
	Long: `A swap stays "resolving" when its payout or refund was sent but the ledger
could not record the outcome. Check the transfer on chain first. If it did not
land, release the swap so the next callback sends it again.

Example:
  near-swap-worker ledger release 0b6f2c1e-... payout`,
	Args: cobra.ExactArgs(2),
	Run:  runLedgerRelease,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)

	ledgerCmd.AddCommand(ledgerDepositCmd)
	ledgerCmd.AddCommand(ledgerCallbackCmd)
	ledgerCmd.AddCommand(ledgerPendingCmd)
	ledgerCmd.AddCommand(ledgerWhitelistCmd)
	ledgerCmd.AddCommand(ledgerPauseCmd)
	ledgerCmd.AddCommand(ledgerResumeCmd)
	ledgerCmd.AddCommand(ledgerFeesCmd)
	ledgerCmd.AddCommand(ledgerReleaseCmd)

	ledgerWhitelistCmd.AddCommand(ledgerWhitelistAddCmd)
	ledgerWhitelistCmd.AddCommand(ledgerWhitelistRemoveCmd)
	ledgerWhitelistCmd.AddCommand(ledgerWhitelistListCmd)
	ledgerWhitelistCmd.AddCommand(ledgerWhitelistImportCmd)

	ledgerDepositCmd.Flags().StringVar(&depositSender, "sender", "", "Account that made the deposit")
	ledgerDepositCmd.Flags().StringVar(&depositMsg, "msg", "", "ft_transfer_call message of the deposit")
	ledgerDepositCmd.MarkFlagRequired("sender")
	ledgerDepositCmd.MarkFlagRequired("msg")

	ledgerCallbackCmd.Flags().StringVarP(&callbackInput, "input", "i", "", "Read the worker output from a file instead of stdin")

	ledgerWhitelistAddCmd.Flags().StringVar(&whitelistSymbol, "symbol", "", "Token symbol")
	ledgerWhitelistAddCmd.Flags().Uint8Var(&whitelistDecimals, "decimals", 0, "Token decimals")
	ledgerWhitelistAddCmd.Flags().StringVar(&whitelistMin, "min", "0", "Minimum deposit in raw units")

	ledgerWhitelistImportCmd.Flags().StringVar(&importSymbol, "symbol", "", "Only import tokens whose symbol contains this")

	ledgerPauseCmd.Flags().BoolVar(&pauseSwapsOnly, "swaps", false, "Only pause new swaps")
	ledgerResumeCmd.Flags().BoolVar(&pauseSwapsOnly, "swaps", false, "Only resume new swaps")
}

func loadLedger() (*ledger.Ledger, *config.Config) {
	cfg := config.Get()
	storage, err := openStorage(cfg)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	// Admin commands never execute swaps or transfer tokens
	return ledger.New("", storage, nil, nil), cfg
}

func runLedgerDeposit(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg := config.Get()
	defer flushMetrics(cfg)

	creds, err := config.LoadCredentials()
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w, err := newWorker(ctx, cfg)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer w.Close()

	l, local, err := w.openLedger(creds)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	pending, err := l.OnTransfer(ctx, args[0], depositSender, args[1], depositMsg)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		color.Green("\nDeposit accepted")
		fmt.Printf("  Correlation ID:  %s\n", color.CyanString(pending.CorrelationID))
		fmt.Printf("  Swap Amount:     %s %s (fee %s)\n", pending.SwapAmount, pending.TokenIn, pending.Fee)
		s.Suffix = " Running swap..."
		s.Start()
	}

	local.Wait()
	local.Stop()
	if !jsonOutput {
		s.Stop()
	}

	var execution *host.Execution
	for _, e := range local.Executions() {
		if e.CorrelationID == pending.CorrelationID {
			e := e
			execution = &e
		}
	}
	if execution == nil {
		printError(fmt.Errorf("swap %s did not run", pending.CorrelationID))
		os.Exit(1)
	}

	if jsonOutput {
		jsonData, _ := json.MarshalIndent(map[string]interface{}{
			"correlation_id": pending.CorrelationID,
			"output":         execution.Output,
			"resolution":     execution.Resolution,
			"error":          errString(execution.Err),
		}, "", "  ")
		fmt.Println(string(jsonData))
	} else {
		displayExecution(execution)
	}

	if execution.Err != nil {
		os.Exit(1)
	}
}

func runLedgerCallback(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg := config.Get()
	defer flushMetrics(cfg)

	data, err := readInput(callbackInput)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	var out types.WorkerOutput
	if err := json.Unmarshal(data, &out); err != nil {
		printError(fmt.Errorf("invalid worker output: %w", err))
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w, err := newWorker(ctx, cfg)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer w.Close()

	l, local, err := w.openLedger(creds)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer local.Stop()

	res, err := l.OnSwapResult(ctx, creds, args[0], out)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if jsonOutput {
		jsonData, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(jsonData))
	} else {
		displayResolution(res)
	}
}

func runLedgerPending(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	l, _ := loadLedger()

	pending := l.Pending()
	if jsonOutput {
		jsonData, _ := json.MarshalIndent(pending, "", "  ")
		fmt.Println(string(jsonData))
		return
	}

	if len(pending) == 0 {
		color.Yellow("\nNo pending swaps.\n")
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 120))
	color.Green("                                              PENDING SWAPS")
	fmt.Println(strings.Repeat("=", 120))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nCORRELATION ID\tSENDER\tSWAP\tMIN OUT\tSTATUS\tAGE")
	fmt.Fprintln(w, strings.Repeat("-", 120))

	for _, p := range pending {
		swap := fmt.Sprintf("%s %s -> %s", p.AmountIn, p.TokenIn, p.TokenOut)
		age := time.Since(p.CreatedAt).Round(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.CorrelationID, p.Sender, swap, p.MinAmountOut, getPendingStatusColor(p.Status), age)
		if p.LastError != "" {
			fmt.Fprintf(w, "\t%s\t\t\t\t\n", color.HiBlackString(p.LastError))
		}
	}

	w.Flush()
	fmt.Println(strings.Repeat("=", 120))
	fmt.Printf("\nTotal: %d pending swap(s)\n\n", len(pending))
}

func runWhitelistAdd(cmd *cobra.Command, args []string) {
	l, _ := loadLedger()

	cfg, err := l.Registry().Whitelist(types.TokenConfig{
		TokenID:       args[0],
		Symbol:        whitelistSymbol,
		Decimals:      whitelistDecimals,
		MinSwapAmount: whitelistMin,
	})
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	printSuccess(fmt.Sprintf("%s Whitelisted %s (%s)", color.GreenString("✓"), color.CyanString(cfg.TokenID), cfg.DefuseAssetID))
}

func runWhitelistRemove(cmd *cobra.Command, args []string) {
	l, _ := loadLedger()

	removed, err := l.Registry().Remove(args[0])
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	if !removed {
		color.Yellow("\n%s was not whitelisted\n", args[0])
		return
	}

	printSuccess(fmt.Sprintf("%s Removed %s from the whitelist", color.GreenString("✓"), color.CyanString(args[0])))
}

func runWhitelistList(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	l, _ := loadLedger()

	tokens := l.Registry().List()
	if jsonOutput {
		jsonData, _ := json.MarshalIndent(tokens, "", "  ")
		fmt.Println(string(jsonData))
		return
	}

	if len(tokens) == 0 {
		color.Yellow("\nNo whitelisted tokens.\n")
		fmt.Println("\nTo whitelist a token:")
		color.Cyan("  near-swap-worker ledger whitelist add <token> --symbol <symbol> --decimals <n>")
		color.Cyan("  near-swap-worker ledger whitelist import\n")
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	color.Green("                            WHITELISTED TOKENS")
	fmt.Println(strings.Repeat("=", 90))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nTOKEN\tSYMBOL\tDECIMALS\tMIN SWAP")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, t := range tokens {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.TokenID, color.YellowString(t.Symbol), t.Decimals, t.MinSwapAmount)
	}
	w.Flush()

	fmt.Println(strings.Repeat("=", 90))
	fmt.Printf("\nTotal: %d token(s)\n\n", len(tokens))
}

func runWhitelistImport(cmd *cobra.Command, args []string) {
	l, cfg := loadLedger()
	if err := cfg.RequireOneClick(); err != nil {
		printError(err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.RequestTimeout)
	defer cancel()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Fetching NEAR tokens from 1Click..."
	s.Start()
	configs, err := client.FetchNearTokenConfigs(ctx, client.NewOneClickClient(cfg.OneClickBaseURL, cfg.OneClickJWT))
	s.Stop()
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	imported := 0
	for _, tc := range configs {
		if importSymbol != "" && !strings.Contains(strings.ToUpper(tc.Symbol), strings.ToUpper(importSymbol)) {
			continue
		}
		if _, err := l.Registry().Whitelist(*tc); err != nil {
			color.Red("  skipped %s: %v", tc.TokenID, err)
			continue
		}
		fmt.Printf("  %s %-10s %s\n", color.GreenString("✓"), color.YellowString(tc.Symbol), tc.TokenID)
		imported++
	}

	printSuccess(fmt.Sprintf("Imported %d token(s)", imported))
}

func runLedgerPause(paused bool) {
	l, _ := loadLedger()

	var err error
	what := "Ledger"
	if pauseSwapsOnly {
		what = "Swaps"
		err = l.SetSwapPaused(paused)
	} else {
		err = l.SetPaused(paused)
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if paused {
		printSuccess(color.YellowString("%s paused", what))
	} else {
		printSuccess(color.GreenString("%s resumed", what))
	}
}

func runLedgerRelease(cmd *cobra.Command, args []string) {
	l, _ := loadLedger()
	if err := l.Release(args[0], ledger.ResolutionAction(strings.ToLower(args[1]))); err != nil {
		printError(err)
		os.Exit(1)
	}
	printSuccess(fmt.Sprintf("Swap %s released; deliver its callback again to retry the %s", args[0], args[1]))
}

func runLedgerFees(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	l, _ := loadLedger()

	if len(args) == 1 {
		bps, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			printError(fmt.Errorf("invalid basis points %q", args[0]))
			os.Exit(1)
		}
		if err := l.SetFeeBasisPoints(uint16(bps)); err != nil {
			printError(err)
			os.Exit(1)
		}
	}

	settings := l.Settings()
	collected := make(map[string]string)
	for _, t := range l.Registry().List() {
		collected[t.TokenID] = l.CollectedFees(t.TokenID)
	}

	if jsonOutput {
		jsonData, _ := json.MarshalIndent(map[string]interface{}{
			"fee_basis_points": settings.FeeBasisPoints,
			"paused":           settings.Paused,
			"swap_paused":      settings.SwapPaused,
			"collected_fees":   collected,
		}, "", "  ")
		fmt.Println(string(jsonData))
		return
	}

	fmt.Printf("\n  Swap Fee:        %s bps\n", color.CyanString("%d", settings.FeeBasisPoints))
	fmt.Printf("  Paused:          %t (swaps: %t)\n", settings.Paused, settings.SwapPaused)
	if len(collected) > 0 {
		fmt.Println("\n  Collected Fees:")
		for _, t := range l.Registry().List() {
			fmt.Printf("    %-40s %s\n", t.TokenID, collected[t.TokenID])
		}
	}
	fmt.Println()
}

func displayExecution(e *host.Execution) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	if e.Output.Success {
		color.Green("                        SWAP EXECUTED")
	} else {
		color.Red("                         SWAP FAILED")
	}
	fmt.Println(strings.Repeat("=", 70))

	if e.Output.IntentHash != "" {
		fmt.Printf("\n  Intent Hash:     %s\n", color.CyanString(e.Output.IntentHash))
	}
	if e.Output.Success {
		fmt.Printf("  Amount Out:      %s\n", color.GreenString(e.Output.AmountOut))
	} else {
		fmt.Printf("  Reason:          %s\n", color.RedString(e.Output.FailureReason))
	}
	fmt.Printf("  Duration:        %s\n", e.Finished.Sub(e.Started).Round(100*time.Millisecond))

	if e.Resolution != nil {
		displayResolution(e.Resolution)
	}
	if e.Err != nil {
		color.Red("\n  Callback failed: %v", e.Err)
		color.Yellow("  The swap stays pending; retry with: near-swap-worker ledger callback %s", e.CorrelationID)
	}
	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func displayResolution(res *ledger.Resolution) {
	action := color.GreenString(strings.ToUpper(string(res.Action)))
	if res.Action == ledger.ActionRefund {
		action = color.YellowString(strings.ToUpper(string(res.Action)))
	}
	fmt.Printf("\n  %s %s %s to %s\n", action, res.Amount, res.Token, color.CyanString(res.Receiver))
	fmt.Printf("  Memo:            %s\n", res.Memo)
	if res.TxHash != "" {
		fmt.Printf("  Tx Hash:         %s\n", color.HiBlackString(res.TxHash))
	}
}

func getPendingStatusColor(status ledger.PendingStatus) string {
	switch status {
	case ledger.StatusRequested:
		return color.YellowString(string(status))
	case ledger.StatusResolving:
		return color.MagentaString(string(status))
	case ledger.StatusPayoutFailed, ledger.StatusRefundFailed:
		return color.RedString(string(status))
	default:
		return string(status)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
