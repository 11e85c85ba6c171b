package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"near-swap-worker/config"
	"near-swap-worker/pkg/parser"
	"near-swap-worker/pkg/swap"
	"near-swap-worker/pkg/tokenid"
	"near-swap-worker/pkg/types"
)

var (
	swapSender  string
	swapFrom    string
	swapTo      string
	swapAmount  string
	swapMinOut  string
	noConfirm   bool
)

var swapCmd = &cobra.Command{
	Use:   "swap [<amount> <token-in> to <token-out>]",
	Short: "Run one swap interactively",
	Long: `Run a single swap through the NEAR Intents solver relay using the configured
swap account. Amounts are raw token units; tokens are NEP-141 contract ids,
bare or nep141:-prefixed.

The swap account signs the intents and receives the output. --sender only
records who the swap is for.

The swap can be written as a command or given with --from, --to and --amount.

Examples:
  near-swap-worker swap 1000000000000000000000000 wrap.near to usdc.near --sender alice.near
  near-swap-worker swap --from wrap.near --to usdc.near --amount 1000000000000000000000000 --sender alice.near
  near-swap-worker swap 5000 nep141:usdt.tether-token.near to usdc.near --sender alice.near --min-out 4900
  near-swap-worker swap 1000 wrap.near to usdc.near --sender alice.near --yes --json`,
	Args: cobra.ArbitraryArgs,
	Run:  runSwap,
}

func init() {
	rootCmd.AddCommand(swapCmd)

	swapCmd.Flags().StringVar(&swapSender, "sender", "", "Account the swap is made for (REQUIRED)")
	swapCmd.Flags().StringVar(&swapFrom, "from", "", "Input token (instead of the command form)")
	swapCmd.Flags().StringVar(&swapTo, "to", "", "Output token (instead of the command form)")
	swapCmd.Flags().StringVar(&swapAmount, "amount", "", "Input amount in raw units (instead of the command form)")
	swapCmd.Flags().StringVar(&swapMinOut, "min-out", "0", "Minimum acceptable output in raw units")
	swapCmd.Flags().BoolVarP(&noConfirm, "yes", "y", false, "Skip confirmation prompt")

	swapCmd.MarkFlagRequired("sender")
}

func runSwap(cmd *cobra.Command, args []string) {
	command, err := swapCommand(args)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg := config.Get()
	defer flushMetrics(cfg)

	creds, err := config.LoadCredentials()
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	input := types.SwapInput{
		SenderID:       swapSender,
		TokenIn:        command.TokenIn,
		TokenOut:       command.TokenOut,
		AmountIn:       command.Amount,
		MinAmountOut:   swapMinOut,
		SwapContractID: creds.AccountID,
	}
	if err := parser.ValidateSwapInput(&input); err != nil {
		printError(err)
		os.Exit(1)
	}

	if !jsonOutput {
		displaySwapRequest(input)
		if !noConfirm && !confirmSwap() {
			fmt.Println("\nSwap cancelled.")
			os.Exit(0)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w, err := newWorker(ctx, cfg)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer w.Close()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Quoting, signing and settling..."
		s.Start()
	}

	start := time.Now()
	result := w.swap.Run(ctx, input.Request(), creds)
	if !jsonOutput {
		s.Stop()
	}

	out := result.Output()
	if jsonOutput {
		jsonData, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(jsonData))
	} else {
		displaySwapResult(result, input, time.Since(start))
	}

	if !out.Success {
		os.Exit(1)
	}
}

// swapCommand reads the swap from the positional command, or from the flags
// when no command is given
func swapCommand(args []string) (*parser.Command, error) {
	if len(args) > 0 {
		if swapFrom != "" || swapTo != "" || swapAmount != "" {
			return nil, fmt.Errorf("give the swap either as a command or with --from/--to/--amount, not both")
		}
		return parser.ParseSwapCommand(strings.Join(args, " "))
	}
	if swapFrom == "" || swapTo == "" || swapAmount == "" {
		return nil, fmt.Errorf("--from, --to and --amount are required without a swap command")
	}
	return parser.ParseSwapCommand(fmt.Sprintf("%s %s to %s", swapAmount, swapFrom, swapTo))
}

func displaySwapRequest(input types.SwapInput) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	color.Green("                     SWAP REQUEST")
	fmt.Println(strings.Repeat("=", 60))

	fmt.Printf("\n  Sender:            %s\n", color.CyanString(input.SenderID))
	fmt.Printf("  From:              %s %s\n", input.AmountIn, color.YellowString(tokenid.ToBare(input.TokenIn)))
	fmt.Printf("  To:                %s\n", color.YellowString(tokenid.ToBare(input.TokenOut)))
	fmt.Printf("  Minimum Out:       %s\n", input.MinAmountOut)
	fmt.Printf("  Swap Account:      %s\n", input.SwapContractID)

	fmt.Println("\n" + strings.Repeat("=", 60) + "\n")
}

func displaySwapResult(result *swap.Result, input types.SwapInput, elapsed time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	if result.Success {
		color.Green("                     SWAP COMPLETED")
	} else {
		color.Red("                      SWAP FAILED")
	}
	fmt.Println(strings.Repeat("=", 60))

	if result.Success {
		fmt.Printf("\n  Amount Out:        %s %s\n", color.GreenString(result.AmountOut), color.YellowString(tokenid.ToBare(input.TokenOut)))
	}
	if result.IntentHash != "" {
		fmt.Printf("  Intent Hash:       %s\n", color.CyanString(result.IntentHash))
	}
	if result.Failure != nil {
		fmt.Printf("\n  Reason:            %s\n", color.RedString(string(result.Failure.Reason)))
		fmt.Printf("  Detail:            %s\n", result.Failure.Detail)
		if result.Failure.Retryable {
			color.Yellow("  This failure may succeed if retried.")
		}
	}

	trace := make([]string, 0, len(result.Trace))
	for _, state := range result.Trace {
		trace = append(trace, state.String())
	}
	fmt.Printf("  States:            %s\n", color.HiBlackString(strings.Join(trace, " -> ")))
	fmt.Printf("  Elapsed:           %s\n", elapsed.Round(100*time.Millisecond))

	fmt.Println("\n" + strings.Repeat("=", 60) + "\n")
}

func confirmSwap() bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("\nProceed with swap? (y/N): ")

	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
