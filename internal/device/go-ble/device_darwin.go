//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newPlatformDevice() (ble.Device, error) {
	return darwin.NewDevice()
}

// CoreBluetooth reports scan failures as strings only.
func platformErrorCode(error) int { return 0 }
