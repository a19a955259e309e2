package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blehealth/internal/device"
)

// NormalizeError maps go-ble error strings onto the device error taxonomy.
// CoreBluetooth reports a powered-off adapter as an invalid manager state.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?" {
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	}
	return device.NormalizeError(err)
}

// discoveryError turns a scan failure into a *device.DiscoveryError unless it
// is an availability or permission problem, which callers handle as such.
func discoveryError(err error) error {
	err = NormalizeError(err)
	if errors.Is(err, device.ErrAdapterUnavailable) || errors.Is(err, device.ErrPermissionDenied) {
		return err
	}
	return &device.DiscoveryError{Code: platformErrorCode(err), Err: err}
}

func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
