package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/srg/blehealth/internal/devicefactory"
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
	Use:   "blehealth",
	Short: "Bluetooth health device emulator and monitor",
	Long: `Bluetooth Low Energy health device tool that provides:

- Emulate a thermometer, heart rate monitor, glucose meter, blood pressure
  cuff or pulse oximeter, pushing measurements on a schedule or from Lua
- Scan for nearby health devices ranked by signal strength
- Connect to a health device and decode its live measurements

Measurements use the standard Bluetooth SIG health service encodings.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("blehealth %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(emulateCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(monitorCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("backend", "",
		fmt.Sprintf("Radio backend (%s)", strings.Join(devicefactory.Backends(), ", ")))

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
