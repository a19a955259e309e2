package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehealth/internal/device"
)

// BackendName identifies this radio in configuration.
const BackendName = "go-ble"

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// The default is platform specific, see device_*.go.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Radio implements device.Radio on top of a go-ble HCI or CoreBluetooth
// device. The device is opened lazily and shared by every role.
type Radio struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

func NewRadio(logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{logger: logger}
}

func (r *Radio) Name() string { return BackendName }

func (r *Radio) device() (ble.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev != nil {
		return r.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		r.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	r.dev = dev
	return dev, nil
}

// Enabled opens the device; go-ble refuses to open a powered-off adapter.
func (r *Radio) Enabled() error {
	_, err := r.device()
	return err
}

func (r *Radio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	dev, err := r.device()
	if err != nil {
		return err
	}

	r.logger.Debug("go-ble scan starting")
	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err == nil || isContextDone(err) {
		r.logger.Debug("go-ble scan stopped")
		return nil
	}
	return discoveryError(err)
}

func (r *Radio) Dial(ctx context.Context, address string) (device.Client, error) {
	dev, err := r.device()
	if err != nil {
		return nil, err
	}

	r.logger.WithField("address", address).Debug("Dialing BLE device...")
	cln, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Debug("Failed to dial BLE device")
		return nil, fmt.Errorf("%w: dial %q: %w", device.ErrConnectionFailed, address, NormalizeError(err))
	}
	return newClient(address, cln, r.logger), nil
}

func (r *Radio) Serve(cfg device.ServerConfig, h device.ServerHandlers) (device.Server, error) {
	dev, err := r.device()
	if err != nil {
		return nil, err
	}
	return newServer(dev, cfg, h, r.logger)
}
