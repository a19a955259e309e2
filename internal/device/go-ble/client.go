package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/profile"
)

// characteristic wraps a discovered *ble.Characteristic.
type characteristic struct {
	service string
	char    *ble.Characteristic
}

func (c *characteristic) ServiceUUID() string { return c.service }
func (c *characteristic) UUID() string        { return profile.NormalizeUUID(c.char.UUID.String()) }
func (c *characteristic) Notifiable() bool {
	return c.char.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

// client implements device.Client over a ble.Client.
type client struct {
	address string
	cln     ble.Client
	logger  *logrus.Logger

	closeOnce    sync.Once
	disconnected chan struct{}
}

func newClient(address string, cln ble.Client, logger *logrus.Logger) *client {
	c := &client{
		address:      address,
		cln:          cln,
		logger:       logger,
		disconnected: make(chan struct{}),
	}

	// Not every go-ble platform client exposes a disconnect signal.
	if dc, ok := cln.(interface{ Disconnected() <-chan struct{} }); ok {
		go func() {
			<-dc.Disconnected()
			c.markDisconnected()
		}()
	}
	return c
}

func (c *client) Address() string { return c.address }

func (c *client) Disconnected() <-chan struct{} { return c.disconnected }

func (c *client) markDisconnected() {
	c.closeOnce.Do(func() { close(c.disconnected) })
}

// Discover runs full profile discovery. go-ble discovery is not cancellable;
// ctx is only checked before and after.
func (c *client) Discover(ctx context.Context) ([]device.Characteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := c.cln.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []device.Characteristic
	for _, svc := range p.Services {
		svcUUID := profile.NormalizeUUID(svc.UUID.String())
		for _, ch := range svc.Characteristics {
			out = append(out, &characteristic{service: svcUUID, char: ch})
		}
	}

	c.logger.WithFields(logrus.Fields{
		"address":         c.address,
		"services":        len(p.Services),
		"characteristics": len(out),
	}).Debug("Profile discovered successfully")
	return out, nil
}

// Subscribe prefers notifications and falls back to indications.
func (c *client) Subscribe(ch device.Characteristic, handler func([]byte)) error {
	bc, ok := ch.(*characteristic)
	if !ok {
		return fmt.Errorf("%w: characteristic %s was not discovered by go-ble", device.ErrUnsupported, ch.UUID())
	}

	indicate := bc.char.Property&ble.CharNotify == 0 && bc.char.Property&ble.CharIndicate != 0
	if err := c.cln.Subscribe(bc.char, indicate, func(data []byte) {
		handler(data)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", bc.UUID(), NormalizeError(err))
	}
	return nil
}

func (c *client) Disconnect() error {
	defer c.markDisconnected()
	if err := c.cln.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	return nil
}
