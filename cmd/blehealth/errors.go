package main

import (
	"errors"
	"fmt"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/profile"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the peer went away while monitoring.
	ErrConnectionLost = errors.New("connection lost")
	ErrNoDevices      = errors.New("no health devices found")
)

// FormatUserError turns session and radio errors into a one-line hint.
func FormatUserError(err error) string {
	var (
		de *device.DiscoveryError
		nf *device.NotFoundError
		up *profile.UnknownProfileError
	)
	switch {
	case errors.Is(err, device.ErrPermissionDenied):
		return "bluetooth permission denied; grant the terminal bluetooth access or set permitted: true"
	case errors.Is(err, device.ErrBluetoothOff):
		return "bluetooth is turned off"
	case errors.Is(err, device.ErrAdapterUnavailable):
		return fmt.Sprintf("no usable bluetooth adapter (%v)", err)
	case errors.As(err, &de):
		return fmt.Sprintf("scan failed: %v", de)
	case errors.As(err, &nf):
		return fmt.Sprintf("device does not expose a health service: %v", nf)
	case errors.As(err, &up):
		return fmt.Sprintf("unknown profile %q (run 'blehealth profiles' for the list)", up.Value)
	default:
		return err.Error()
	}
}
