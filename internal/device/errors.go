package device

import (
	"errors"
	"fmt"
	"strings"
)

// Radio availability and permission errors. They abort the requested
// transition and are surfaced through session snapshots.
var (
	ErrPermissionDenied   = errors.New("bluetooth permission denied")
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")
	ErrBluetoothOff       = fmt.Errorf("%w: bluetooth is turned off", ErrAdapterUnavailable)
)

// Operation errors
var (
	// ErrAlreadyActive marks a redundant start. Sessions treat it as a no-op.
	ErrAlreadyActive    = errors.New("already active")
	ErrConnectionFailed = errors.New("connection failed")
	ErrReadNotPermitted = errors.New("read not permitted")
	ErrTimeout          = errors.New("timeout")
	ErrUnsupported      = errors.New("unsupported")
)

// DiscoveryError reports a failed scan. Code carries the platform error code
// when the backend exposes one, 0 otherwise.
type DiscoveryError struct {
	Code int
	Err  error
}

func (e *DiscoveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("discovery failed (code %d)", e.Code)
	}
	return fmt.Sprintf("discovery failed (code %d): %v", e.Code, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // one or more UUIDs
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("none of %s %s found", e.Resource, strings.Join(quoteAll(e.UUIDs), ", "))
	}
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotAdvertising   ConnectionState = "not_advertising"
)

// ConnectionError represents a link-state problem on an existing handle.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	return ok && e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotAdvertising   = &ConnectionError{State: NotAdvertising}
)

// PanicError wraps a value recovered at a platform callback boundary.
type PanicError struct {
	Where string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Where, e.Value)
}

// NormalizeError maps platform error strings shared by the backends onto the
// taxonomy above. The original error is kept in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrAdapterUnavailable), errors.Is(err, ErrPermissionDenied):
		return err
	case strings.Contains(msg, "bluetooth is turned off"),
		strings.Contains(msg, "powered off"),
		strings.Contains(msg, "is bluetooth turned on"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case strings.Contains(msg, "not authorized"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no such device"),
		strings.Contains(msg, "no default adapter"),
		strings.Contains(msg, "adapter not found"),
		strings.Contains(msg, "unsupported on this platform"):
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	case strings.Contains(msg, "device not connected"),
		strings.Contains(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}
