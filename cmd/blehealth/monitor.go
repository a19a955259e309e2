package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blehealth/client"
	"github.com/srg/blehealth/internal/devicefactory"
	"github.com/srg/blehealth/scanner"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [address]",
	Short: "Connect to a health device and print its measurements",
	Long: `Connect to a health device, subscribe to every health measurement it
exposes and print each value as it arrives.

Without an address the strongest health device found during the scan window
is used. Frames that cannot be decoded are shown as hex.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var monitorDuration time.Duration

func init() {
	monitorCmd.Flags().DurationVarP(&monitorDuration, "duration", "d", 0, "Stop monitoring after this long (0 for indefinite)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	radio, err := devicefactory.NewRadio(cfg.Backend, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE radio: %w", err)
	}
	s := scanner.NewSession(radio, scanner.Options{
		Permitted: cfg.Permitted,
		AllowList: cfg.Scan.AllowList,
		BlockList: cfg.Scan.BlockList,
	}, logger)
	defer s.Close()

	c := client.NewSession(radio, s, client.Options{
		Permitted:      cfg.Permitted,
		ConnectTimeout: cfg.Client.ConnectTimeout,
		Breaker: client.BreakerOptions{
			MaxFailures: cfg.Client.Breaker.MaxFailures,
			Timeout:     cfg.Client.Breaker.Timeout,
		},
	}, logger)
	defer c.Close()

	ctx, cancel := commandContext(cmd, monitorDuration)
	defer cancel()
	out := newPrinter(cmd.OutOrStdout())

	var addr string
	if len(args) == 1 {
		addr = args[0]
	} else {
		out.status(out.dim, "Scanning for health devices (%s)...", cfg.Scan.Timeout)
		scanCtx, cancelScan := context.WithTimeout(ctx, cfg.Scan.Timeout)
		results, err := scanUntil(scanCtx, s, nil)
		cancelScan()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if len(results) == 0 {
			return ErrNoDevices
		}
		addr = results[0].Address
	}

	return monitor(ctx, c, addr, out)
}

// monitor connects to addr and prints readings until ctx ends or the link
// is lost.
func monitor(ctx context.Context, c *client.Session, addr string, out *printer) error {
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	c.Connect(addr)
	out.status(out.dim, "Connecting to %s...", addr)

	printed := make(map[string]time.Time)
	var linked, announced bool
	for {
		select {
		case <-ctx.Done():
			c.Disconnect()
			return nil

		case snap, ok := <-updates:
			if !ok {
				return nil
			}

			for _, peer := range slices.Sorted(maps.Keys(snap.Values)) {
				r := snap.Values[peer]
				if !r.UpdatedAt.After(printed[peer]) {
					continue
				}
				printed[peer] = r.UpdatedAt
				valueColor := out.value
				if r.Err != nil {
					valueColor = out.warn
				}
				fmt.Fprintf(out.w, "[%s] %s %s: %s\n",
					r.UpdatedAt.Format(time.TimeOnly), peer, r.Profile.DisplayName(), valueColor.Sprint(r.Display))
			}
			switch snap.State {
			case client.Connected:
				linked = true
				if !announced && len(snap.Subscribed) > 0 {
					announced = true
					names := make([]string, len(snap.Subscribed))
					for i, p := range snap.Subscribed {
						names[i] = p.DisplayName()
					}
					out.status(out.ok, "Connected to %s: %s", addr, strings.Join(names, ", "))
				}
			case client.Disconnected:
				if linked {
					out.status(out.fail, "Disconnected from %s", addr)
					return fmt.Errorf("%w: %s", ErrConnectionLost, addr)
				}
			}
			if snap.Err != nil {
				return snap.Err
			}
		}
	}
}
