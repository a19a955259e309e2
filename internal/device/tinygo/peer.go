package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/groutine"
	"github.com/srg/blehealth/internal/profile"
)

// advertisement adapts a tinygo ScanResult. tinygo only answers membership
// questions about service UUIDs, so Services lists the supported health
// services present in the payload.
type advertisement struct {
	name     string
	addr     string
	rssi     int
	services []string
}

func newAdvertisement(r bluetooth.ScanResult) *advertisement {
	a := &advertisement{
		name: r.LocalName(),
		addr: r.Address.String(),
		rssi: int(r.RSSI),
	}
	for _, id := range profile.FilterSet() {
		if r.HasServiceUUID(bluetooth.New16BitUUID(id)) {
			a.services = append(a.services, profile.FormatUUID16(id))
		}
	}
	return a
}

func (a *advertisement) LocalName() string  { return a.name }
func (a *advertisement) Services() []string { return a.services }
func (a *advertisement) Connectable() bool  { return true }
func (a *advertisement) RSSI() int          { return a.rssi }
func (a *advertisement) Addr() string       { return a.addr }

type characteristic struct {
	service string
	char    bluetooth.DeviceCharacteristic
}

func (c *characteristic) ServiceUUID() string { return c.service }
func (c *characteristic) UUID() string        { return profile.NormalizeUUID(c.char.UUID().String()) }

// Notifiable is optimistic; EnableNotifications reports unsupported ones.
func (c *characteristic) Notifiable() bool { return true }

type client struct {
	address string
	dev     *bluetooth.Device
	logger  *logrus.Logger

	closeOnce    sync.Once
	disconnected chan struct{}
}

func newClient(address string, dev *bluetooth.Device, logger *logrus.Logger) *client {
	return &client{address: address, dev: dev, logger: logger, disconnected: make(chan struct{})}
}

func (c *client) Address() string { return c.address }

func (c *client) Disconnected() <-chan struct{} { return c.disconnected }

func (c *client) markDisconnected() {
	c.closeOnce.Do(func() { close(c.disconnected) })
}

func (c *client) Discover(ctx context.Context) ([]device.Characteristic, error) {
	svcs, err := c.dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", device.NormalizeError(err))
	}

	var out []device.Characteristic
	for i := range svcs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		svc := svcs[i]
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics: %w", device.NormalizeError(err))
		}
		svcUUID := profile.NormalizeUUID(svc.UUID().String())
		for _, ch := range chars {
			out = append(out, &characteristic{service: svcUUID, char: ch})
		}
	}

	c.logger.WithFields(logrus.Fields{
		"address":         c.address,
		"services":        len(svcs),
		"characteristics": len(out),
	}).Debug("Profile discovered successfully")
	return out, nil
}

func (c *client) Subscribe(ch device.Characteristic, handler func([]byte)) error {
	tc, ok := ch.(*characteristic)
	if !ok {
		return fmt.Errorf("%w: characteristic %s was not discovered by tinygo", device.ErrUnsupported, ch.UUID())
	}
	if err := tc.char.EnableNotifications(handler); err != nil {
		return fmt.Errorf("subscribe %s: %w", tc.UUID(), device.NormalizeError(err))
	}
	return nil
}

func (c *client) Disconnect() error {
	defer c.markDisconnected()
	return device.NormalizeError(c.dev.Disconnect())
}

// server is the tinygo side of an open GATT service. The stack notifies every
// subscriber on Characteristic.Write, so it implements device.Broadcaster.
type server struct {
	radio  *Radio
	adv    *bluetooth.Advertisement
	char   *bluetooth.Characteristic
	cfg    device.ServerConfig
	h      device.ServerHandlers
	logger *logrus.Logger

	closeOnce sync.Once
}

func (s *server) peerEvent(peer string, connected bool) {
	fn, where := s.h.OnDisconnect, "server.OnDisconnect"
	if connected {
		fn, where = s.h.OnConnect, "server.OnConnect"
	}
	if fn == nil {
		return
	}
	if err := groutine.Guard(where, func() { fn(peer) }); err != nil {
		s.logger.WithError(err).Error("Server callback panicked")
	}
}

// Notify is not addressable per peer on tinygo.
func (s *server) Notify(string, []byte) error {
	return fmt.Errorf("%w: per-peer notify", device.ErrUnsupported)
}

func (s *server) Broadcast(frame []byte) error {
	if _, err := s.char.Write(frame); err != nil {
		return device.NormalizeError(err)
	}
	return nil
}

// Close stops advertising. The service itself stays registered because tinygo
// has no removal API; a later Serve for the same service reuses it.
func (s *server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.radio.releaseServer(s)
		err = s.adv.Stop()
		s.logger.WithField("service", s.cfg.ServiceID).Info("GATT server closed")
	})
	return device.NormalizeError(err)
}

func normalizeAvailability(err error) error {
	err = device.NormalizeError(err)
	if isAvailability(err) {
		return err
	}
	return fmt.Errorf("%w: %w", device.ErrAdapterUnavailable, err)
}

func isAvailability(err error) bool {
	return errors.Is(err, device.ErrAdapterUnavailable) || errors.Is(err, device.ErrPermissionDenied)
}
