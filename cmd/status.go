package cmd

import (
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
	"near-swap-worker/pkg/relay"
)

var (
	watchStatus   bool
	watchInterval int
)

var statusCmd = &cobra.Command{
	Use:   "status <intent-hash>",
	Short: "Check the settlement status of a published intent",
	Long: `Check the settlement status of an intent published to the solver relay.

Examples:
  near-swap-worker status 5Kx2...9aQ
  near-swap-worker status 5Kx2...9aQ --watch
  near-swap-worker status 5Kx2...9aQ --watch --interval 10`,
	Args: cobra.ExactArgs(1),
	Run:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Watch status updates until the intent settles")
	statusCmd.Flags().IntVar(&watchInterval, "interval", 5, "Polling interval in seconds (when watching)")
}

func runStatus(cmd *cobra.Command, args []string) {
	intentHash := args[0]
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg := config.Get()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	relayClient, err := relay.Dial(ctx, cfg.RelayURL, cfg.RequestTimeout)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer relayClient.Close()

	if watchStatus {
		watchIntentStatus(ctx, relayClient, intentHash, jsonOutput)
	} else {
		checkIntentStatus(ctx, relayClient, intentHash, jsonOutput)
	}
}

func checkIntentStatus(ctx context.Context, relayClient *relay.Client, intentHash string, jsonOutput bool) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Checking intent status..."
		s.Start()
	}

	status, err := relayClient.GetStatus(ctx, intentHash)
	if !jsonOutput {
		s.Stop()
	}

	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if jsonOutput {
		jsonData, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(jsonData))
	} else {
		displayStatus(status, intentHash)
	}
}

func watchIntentStatus(ctx context.Context, relayClient *relay.Client, intentHash string, jsonOutput bool) {
	if jsonOutput {
		fmt.Println(`{"error": "watch mode not supported with JSON output"}`)
		os.Exit(1)
	}

	fmt.Printf("\nWatching intent status (Intent: %s)\n", color.CyanString(intentHash))
	fmt.Printf("Checking every %d seconds. Press Ctrl+C to stop.\n\n", watchInterval)

	ticker := time.NewTicker(time.Duration(watchInterval) * time.Second)
	defer ticker.Stop()

	// Check immediately first, then until the intent leaves Pending
	for {
		if checkAndDisplayStatus(ctx, relayClient, intentHash) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkAndDisplayStatus reports whether the intent reached a terminal status
func checkAndDisplayStatus(ctx context.Context, relayClient *relay.Client, intentHash string) bool {
	status, err := relayClient.GetStatus(ctx, intentHash)
	if err != nil {
		color.Red("Error: %v", err)
		return false
	}

	displayStatus(status, intentHash)
	return relay.Classify(status) != relay.Pending
}

func displayStatus(status *relay.StatusResult, intentHash string) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                        INTENT STATUS")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  Intent Hash:     %s\n", color.CyanString(intentHash))
	fmt.Printf("  Status:          %s\n", getColoredStatus(status))
	if status.Reason != "" {
		fmt.Printf("  Reason:          %s\n", status.Reason)
	}
	if status.Data != nil && status.Data.Hash != "" {
		fmt.Printf("  Settlement Tx:   %s\n", color.HiBlackString(status.Data.Hash))
	}

	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func getColoredStatus(status *relay.StatusResult) string {
	label := strings.ToUpper(status.Status)

	switch relay.Classify(status) {
	case relay.Settled:
		return color.GreenString(label)
	case relay.Failed:
		return color.RedString(label)
	case relay.TimedOut:
		return color.MagentaString(label)
	default:
		return color.YellowString(label)
	}
}
