package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"near-swap-worker/config"
)

var rootCmd = &cobra.Command{
	Use:   "near-swap-worker",
	Short: "Execute same-chain NEAR swaps through the NEAR Intents solver relay",
	Long: `near-swap-worker quotes, signs, publishes and settles NEP-141 swaps on NEAR
through the NEAR Intents solver relay, and keeps the settlement ledger that
holds deposits while a swap is in flight.

Examples:
  echo '{"sender_id":"alice.near",...}' | near-swap-worker run
  near-swap-worker swap 1000000 wrap.near to usdc.near --sender alice.near
  near-swap-worker status <intent-hash>
  near-swap-worker ledger pending`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries worker output records only
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

		level := config.Get().LogLevel
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = "debug"
		}
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", level, err)
		}
		log.SetLevel(parsed)
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output in JSON format")
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "\nError: %v\n\n", err)
}

func printSuccess(message string) {
	fmt.Printf("\n%s\n\n", message)
}
