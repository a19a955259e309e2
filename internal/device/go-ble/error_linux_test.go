//go:build linux

package goble

import (
	"fmt"
	"testing"

	"github.com/go-ble/ble/linux/hci"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blehealth/internal/device"
)

func TestDiscoveryError_HCIStatus(t *testing.T) {
	err := discoveryError(fmt.Errorf("set scan enable: %w", hci.ErrCommand(0x0C)))

	var de *device.DiscoveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 0x0C, de.Code, "HCI status MUST be carried as the discovery code")
	assert.Contains(t, de.Error(), "code 12")
}
