//go:build !linux && !darwin

package goble

import (
	"fmt"

	"github.com/go-ble/ble"

	"github.com/srg/blehealth/internal/device"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble supports linux and darwin only", device.ErrAdapterUnavailable)
}

func platformErrorCode(error) int { return 0 }
