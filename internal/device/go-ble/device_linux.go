//go:build linux

package goble

import (
	"errors"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"
)

func newPlatformDevice() (ble.Device, error) {
	return linux.NewDevice()
}

// platformErrorCode extracts the HCI status carried by command failures.
func platformErrorCode(err error) int {
	var ec hci.ErrCommand
	if errors.As(err, &ec) {
		return int(ec)
	}
	return 0
}
