package device

import (
	"context"
)

// Radio is one Bluetooth adapter as seen by the health sessions.
type Radio interface {
	// Name identifies the backend ("go-ble", "tinygo").
	Name() string

	// Enabled returns nil when the adapter is present and powered, otherwise
	// an error wrapping ErrAdapterUnavailable or ErrPermissionDenied.
	Enabled() error

	// Scan delivers advertisements to handler until ctx is done or the
	// platform fails. Returning because ctx ended is not an error.
	Scan(ctx context.Context, handler func(Advertisement)) error

	// Dial opens a connection to address. It honours ctx for the attempt only.
	Dial(ctx context.Context, address string) (Client, error)

	// Serve publishes a single-characteristic GATT service and starts a
	// connectable advertisement. It returns once advertising has begun.
	Serve(cfg ServerConfig, h ServerHandlers) (Server, error)
}

type Advertisement interface {
	LocalName() string
	Services() []string
	Connectable() bool
	RSSI() int
	Addr() string
}

// Characteristic is a remote characteristic discovered on a Client.
type Characteristic interface {
	ServiceUUID() string
	UUID() string
	// Notifiable reports notify or indicate support.
	Notifiable() bool
}

// Client is an outbound connection.
type Client interface {
	Address() string

	// Discover walks every service and returns its characteristics.
	Discover(ctx context.Context) ([]Characteristic, error)

	// Subscribe enables notifications (CCCD write) and delivers each value
	// to handler on a platform-owned goroutine.
	Subscribe(ch Characteristic, handler func(data []byte)) error

	// Disconnected is closed when the link drops for any reason.
	Disconnected() <-chan struct{}

	Disconnect() error
}

// ServerConfig describes the single service a Server exposes.
type ServerConfig struct {
	DeviceName       string
	ServiceID        uint16
	CharacteristicID uint16
	// Initial is the value served before the first update.
	Initial []byte
}

// ServerHandlers are invoked from platform callbacks. Any of them may be nil.
type ServerHandlers struct {
	OnConnect    func(peer string)
	OnDisconnect func(peer string)
	// OnRead answers a read of characteristic charID. Returning an error
	// rejects the read.
	OnRead func(peer string, charID uint16) ([]byte, error)
	// OnError reports that the advertisement stopped without Close.
	OnError func(err error)
}

// Server is an open GATT service with a running advertisement.
type Server interface {
	// Notify pushes frame to one subscribed peer.
	Notify(peer string, frame []byte) error
	// Close stops advertising and removes the service. Idempotent.
	Close() error
}

// Broadcaster is implemented by servers whose stack can only notify every
// subscriber at once. Sessions prefer it over per-peer Notify when present.
type Broadcaster interface {
	Broadcast(frame []byte) error
}
