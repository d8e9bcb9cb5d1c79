package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blehost",
	Short: "BLE host bridge",
	Long: `Bluetooth Low Energy host bridge for experiment software:

- Scan for peripherals and report them as JSON envelopes
- Connect, read, write and subscribe to GATT characteristics
- Stream decoded heart rate samples
- Log experiment data and trial progress to CSV files

The serve command speaks newline-delimited JSON on stdin/stdout.`,
	Version: formatVersion(version) + " (" + commit + ", " + date + ")",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("backend", "", "BLE backend (goble, tinygo)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
