// Package tinygo is a device.Radio backed by tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/groutine"
	"github.com/srg/blehealth/internal/profile"
)

const BackendName = "tinygo"

// Radio wraps a tinygo adapter. The adapter has a single connect handler,
// so Radio dispatches link events to the active server and open clients.
type Radio struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	mu      sync.Mutex
	enabled bool
	server  *server
	clients map[string]*client
	// tinygo cannot remove services, so handles are reused per service id
	services map[uint16]*bluetooth.Characteristic
}

func NewRadio(logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{
		adapter:  bluetooth.DefaultAdapter,
		logger:   logger,
		clients:  make(map[string]*client),
		services: make(map[uint16]*bluetooth.Characteristic),
	}
}

func (r *Radio) Name() string { return BackendName }

func (r *Radio) Enabled() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}

	if err := r.adapter.Enable(); err != nil {
		return normalizeAvailability(err)
	}
	r.adapter.SetConnectHandler(r.onConnect)
	r.enabled = true
	return nil
}

func (r *Radio) onConnect(d bluetooth.Device, connected bool) {
	addr := d.Address.String()

	r.mu.Lock()
	srv := r.server
	cln := r.clients[addr]
	if !connected && cln != nil {
		delete(r.clients, addr)
	}
	r.mu.Unlock()

	if cln != nil && !connected {
		cln.markDisconnected()
		return
	}
	if srv != nil {
		srv.peerEvent(addr, connected)
	}
}

func (r *Radio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	if err := r.Enabled(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	groutine.Go(ctx, "tinygo-scan-stop", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			if err := r.adapter.StopScan(); err != nil {
				r.logger.WithError(err).Debug("StopScan failed")
			}
		case <-done:
		}
	})

	err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		handler(newAdvertisement(result))
	})
	if err != nil && ctx.Err() == nil {
		err = device.NormalizeError(err)
		if isAvailability(err) {
			return err
		}
		// the stacks behind tinygo report no numeric status
		return &device.DiscoveryError{Err: err}
	}
	return nil
}

func (r *Radio) Dial(ctx context.Context, address string) (device.Client, error) {
	if err := r.Enabled(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(address)

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	groutine.Go(ctx, "tinygo-connect", func(context.Context) {
		d, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device: d, err: err}
	})

	select {
	case <-ctx.Done():
		// tinygo's Connect cannot be cancelled; a late success is torn down.
		groutine.Go(context.Background(), "tinygo-connect-reap", func(context.Context) {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		})
		return nil, fmt.Errorf("%w: dial %q: %w", device.ErrConnectionFailed, address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: dial %q: %w", device.ErrConnectionFailed, address, device.NormalizeError(res.err))
		}
		d := res.device
		c := newClient(address, &d, r.logger)

		r.mu.Lock()
		r.clients[address] = c
		r.mu.Unlock()
		return c, nil
	}
}

func (r *Radio) Serve(cfg device.ServerConfig, h device.ServerHandlers) (device.Server, error) {
	if err := r.Enabled(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	handle, ok := r.services[cfg.ServiceID]
	r.mu.Unlock()

	if !ok {
		handle = &bluetooth.Characteristic{}
		err := r.adapter.AddService(&bluetooth.Service{
			UUID: bluetooth.New16BitUUID(cfg.ServiceID),
			Characteristics: []bluetooth.CharacteristicConfig{{
				Handle: handle,
				UUID:   bluetooth.New16BitUUID(cfg.CharacteristicID),
				Value:  cfg.Initial,
				Flags: bluetooth.CharacteristicReadPermission |
					bluetooth.CharacteristicNotifyPermission |
					bluetooth.CharacteristicIndicatePermission,
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("add service %s: %w", profile.FormatUUID16(cfg.ServiceID), device.NormalizeError(err))
		}
		r.mu.Lock()
		r.services[cfg.ServiceID] = handle
		r.mu.Unlock()
	} else if len(cfg.Initial) > 0 {
		_, _ = handle.Write(cfg.Initial)
	}

	adv := r.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    cfg.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.New16BitUUID(cfg.ServiceID)},
	}); err != nil {
		return nil, fmt.Errorf("configure advertisement: %w", device.NormalizeError(err))
	}

	// registered first so centrals connecting right after adv.Start reach h
	srv := &server{radio: r, adv: adv, char: handle, cfg: cfg, h: h, logger: r.logger}
	r.mu.Lock()
	r.server = srv
	r.mu.Unlock()

	if err := adv.Start(); err != nil {
		r.releaseServer(srv)
		return nil, fmt.Errorf("start advertisement: %w", device.NormalizeError(err))
	}

	r.logger.WithFields(logrus.Fields{
		"name":    cfg.DeviceName,
		"service": cfg.ServiceID,
	}).Info("GATT server advertising")
	return srv, nil
}

func (r *Radio) releaseServer(s *server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server == s {
		r.server = nil
	}
}
