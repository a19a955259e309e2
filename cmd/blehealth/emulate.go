package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blehealth"
	"github.com/srg/blehealth/internal/codec"
	"github.com/srg/blehealth/internal/devicefactory"
	"github.com/srg/blehealth/internal/profile"
	"github.com/srg/blehealth/internal/script"
	"github.com/srg/blehealth/peripheral"
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Emulate a health device",
	Long: `Advertise a health service and serve its measurement characteristic,
pushing a fresh value to every connected central on a schedule.

Values come from the profile defaults, --value, the config file, or a Lua
script defining measure(profile, tick) that returns the profile's values.
--demo uses a built-in script with slowly drifting vitals.`,
	Example: `  blehealth emulate --profile heart-rate --value 72
  blehealth emulate -p blood-pressure --schedule "@every 5s" --jitter 2
  blehealth emulate -p thermometer --script fever.lua
  blehealth emulate -p pulse-oximeter --demo`,
	Args: cobra.NoArgs,
	RunE: runEmulate,
}

var (
	emulateProfile  string
	emulateName     string
	emulateValues   []float64
	emulateJitter   float64
	emulateSchedule string
	emulateScript   string
	emulateRate     float64
	emulateDuration time.Duration
	emulateDemo     bool
)

func init() {
	emulateCmd.Flags().StringVarP(&emulateProfile, "profile", "p", "", "Profile to emulate (see 'blehealth profiles')")
	emulateCmd.Flags().StringVarP(&emulateName, "name", "n", "", "Advertised device name")
	emulateCmd.Flags().Float64SliceVar(&emulateValues, "value", nil, "Measurement values, comma separated in profile order")
	emulateCmd.Flags().Float64Var(&emulateJitter, "jitter", 0, "Random variation added to every value")
	emulateCmd.Flags().StringVar(&emulateSchedule, "schedule", "", "Cron schedule for pushes (e.g. \"@every 2s\")")
	emulateCmd.Flags().StringVar(&emulateScript, "script", "", "Lua script providing measure(profile, tick)")
	emulateCmd.Flags().Float64Var(&emulateRate, "rate", 0, "Maximum notifications per second (0 for unlimited)")
	emulateCmd.Flags().BoolVar(&emulateDemo, "demo", false, "Use the built-in drifting vitals script")
	emulateCmd.Flags().DurationVarP(&emulateDuration, "duration", "d", 0, "Stop after this long (0 for indefinite)")
}

func runEmulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	pc := &cfg.Peripheral
	if flags.Changed("profile") {
		pc.Profile = emulateProfile
	}
	if flags.Changed("name") {
		pc.DeviceName = emulateName
	}
	if flags.Changed("jitter") {
		pc.Jitter = emulateJitter
	}
	if flags.Changed("schedule") {
		pc.Schedule = emulateSchedule
	}
	if flags.Changed("script") {
		pc.Script = emulateScript
	}
	if flags.Changed("rate") {
		pc.NotifyRate = emulateRate
	}
	if len(emulateValues) > 0 {
		if pc.Values == nil {
			pc.Values = make(map[string][]float64)
		}
		pc.Values[pc.Profile] = emulateValues
	}

	logger, err := configureLogger(cfg)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := profile.Parse(pc.Profile)
	if err != nil {
		return err
	}
	values, err := pc.ProfileValues()
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	var source peripheral.Source = peripheral.NewStaticSource(values, pc.Jitter)
	switch {
	case emulateDemo:
		src, err := script.Load(blehealth.DemoScript, blehealth.DemoScriptName, logger)
		if err != nil {
			return err
		}
		defer src.Close()
		source = src
	case pc.Script != "":
		src, err := script.LoadFile(pc.Script, logger)
		if err != nil {
			return err
		}
		defer src.Close()
		source = src
	}

	radio, err := devicefactory.NewRadio(cfg.Backend, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE radio: %w", err)
	}
	s := peripheral.NewSession(radio, peripheral.Options{
		DeviceName: pc.DeviceName,
		Profile:    p,
		Permitted:  cfg.Permitted,
		NotifyRate: pc.NotifyRate,
	}, logger)
	defer s.Close()

	feeder, err := peripheral.NewFeeder(s, source, pc.Schedule, logger)
	if err != nil {
		return err
	}
	defer feeder.Stop()

	ctx, cancel := commandContext(cmd, emulateDuration)
	defer cancel()
	out := newPrinter(cmd.OutOrStdout())

	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()
	s.Start()

	var (
		advertising bool
		peers       []string
		pushed      uint64
	)
	for {
		select {
		case <-ctx.Done():
			feeder.Stop()
			s.Stop()
			out.status(out.dim, "Stopped advertising")
			return nil

		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if !snap.Advertising {
				if snap.Err != nil {
					return snap.Err
				}
				continue
			}

			if !advertising {
				advertising = true
				out.status(out.ok, "Advertising %q as %s (service %s)", pc.DeviceName, p.DisplayName(), p.ServiceUUID())
				// serve a value before the first scheduled tick
				feeder.Tick()
				feeder.Start()
			}
			for _, peer := range snap.Peers {
				if !slices.Contains(peers, peer) {
					out.status(out.ok, "Central %s connected", peer)
				}
			}
			for _, peer := range peers {
				if !slices.Contains(snap.Peers, peer) {
					out.status(out.warn, "Central %s disconnected", peer)
				}
			}
			peers = snap.Peers

			if snap.Pushed != pushed && snap.LastFrame != nil {
				pushed = snap.Pushed
				display, _, _ := codec.Display(p, snap.LastFrame)
				out.status(out.value, "%s [%s] to %d central(s)", display, codec.Hex(snap.LastFrame), len(snap.Peers))
			}
		}
	}
}
