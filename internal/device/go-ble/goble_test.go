package goble

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blehealth/internal/device"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		in     error
		target error
	}{
		{"corebluetooth powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrAdapterUnavailable},
		{"hci powered off", errors.New("can't init hci: bluetooth is turned off"), device.ErrBluetoothOff},
		{"no adapter", errors.New("can't init hci: no such device"), device.ErrAdapterUnavailable},
		{"not permitted", errors.New("can't open socket: operation not permitted"), device.ErrPermissionDenied},
		{"link drop", errors.New("device not connected"), device.ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeError(tt.in)
			assert.ErrorIs(t, err, tt.target)
			assert.Contains(t, err.Error(), tt.in.Error(), "original message MUST be preserved")
		})
	}

	assert.NoError(t, NormalizeError(nil))
	other := errors.New("something else")
	assert.Equal(t, other, NormalizeError(other))
}

func TestDiscoveryError(t *testing.T) {
	err := discoveryError(errors.New("hci: command disallowed"))
	var de *device.DiscoveryError
	require.ErrorAs(t, err, &de)
	assert.Zero(t, de.Code)

	err = discoveryError(errors.New("bluetooth is turned off"))
	assert.ErrorIs(t, err, device.ErrAdapterUnavailable, "availability errors MUST NOT be wrapped as discovery failures")
	assert.False(t, errors.As(err, &de))

	assert.True(t, isContextDone(context.Canceled))
	assert.True(t, isContextDone(errors.Join(errors.New("scan"), context.DeadlineExceeded)))
}

func TestRadio_FactoryFailure(t *testing.T) {
	orig := DeviceFactory
	defer func() { DeviceFactory = orig }()

	calls := 0
	DeviceFactory = func() (ble.Device, error) {
		calls++
		return nil, errors.New("bluetooth is turned off")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r := NewRadio(logger)
	assert.Equal(t, BackendName, r.Name())

	assert.ErrorIs(t, r.Enabled(), device.ErrBluetoothOff)
	assert.ErrorIs(t, r.Scan(context.Background(), func(device.Advertisement) {}), device.ErrAdapterUnavailable)

	_, err := r.Dial(context.Background(), "aa:bb:cc:dd:ee:ff")
	assert.ErrorIs(t, err, device.ErrAdapterUnavailable)

	_, err = r.Serve(device.ServerConfig{ServiceID: 0x180D, CharacteristicID: 0x2A37}, device.ServerHandlers{})
	assert.ErrorIs(t, err, device.ErrAdapterUnavailable)
	assert.Equal(t, 4, calls, "a failed open MUST be retried on the next call")
}
