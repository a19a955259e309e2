package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blehealth/internal/devicefactory"
	"github.com/srg/blehealth/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for health devices",
	Long: `Scan for Bluetooth Low Energy devices advertising a health service
(thermometer, heart rate, glucose, blood pressure or pulse oximeter) and
display them ranked by signal strength.

Only the latest advertisement of each device is kept.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAllowList []string
	scanBlockList []string
	scanWatch     bool
)

// watchRefresh is how often watch mode redraws the table.
const watchRefresh = time.Second

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (defaults to scan.timeout, 0 with --watch for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := checkFormat(scanFormat); err != nil {
		return err
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	timeout := cfg.Scan.Timeout
	switch {
	case cmd.Flags().Changed("duration"):
		timeout = scanDuration
	case scanWatch:
		timeout = 0
	}

	radio, err := devicefactory.NewRadio(cfg.Backend, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE radio: %w", err)
	}
	s := scanner.NewSession(radio, scanner.Options{
		Permitted: cfg.Permitted,
		AllowList: append(cfg.Scan.AllowList, scanAllowList...),
		BlockList: append(cfg.Scan.BlockList, scanBlockList...),
	}, logger)
	defer s.Close()

	ctx, cancel := commandContext(cmd, timeout)
	defer cancel()

	out := newPrinter(cmd.OutOrStdout())
	var onTick func([]scanner.Result)
	if scanWatch {
		onTick = func(results []scanner.Result) {
			out.clearScreen()
			_ = displayResults(out.w, results, scanFormat, time.Now())
		}
	}

	results, err := scanUntil(ctx, s, onTick)
	if err != nil {
		return err
	}
	out.clearScreen()
	return displayResults(out.w, results, scanFormat, time.Now())
}

// scanUntil runs discovery until ctx ends or the scan fails, then returns
// the ranked results. onTick, when set, receives the results periodically.
func scanUntil(ctx context.Context, s *scanner.Session, onTick func([]scanner.Result)) ([]scanner.Result, error) {
	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()
	s.Start()

	ticker := time.NewTicker(watchRefresh)
	defer ticker.Stop()

	var (
		last    scanner.Snapshot
		started bool
	)
	for {
		select {
		case <-ctx.Done():
			<-s.Stop()
			return s.Snapshot().Results, nil

		case snap, ok := <-updates:
			if !ok {
				return last.Results, nil
			}
			last = snap
			if snap.Scanning {
				started = true
				continue
			}
			if snap.Err != nil {
				return snap.Results, snap.Err
			}
			if started {
				return snap.Results, nil
			}

		case <-ticker.C:
			if onTick != nil {
				onTick(last.Results)
			}
		}
	}
}

// commandContext is cancelled by Ctrl+C, SIGTERM or, when positive, timeout.
func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
