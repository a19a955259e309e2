package devicefactory

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehealth/internal/device"
	goble "github.com/srg/blehealth/internal/device/go-ble"
	"github.com/srg/blehealth/internal/device/tinygo"
)

// DefaultBackend is used when no backend is configured.
const DefaultBackend = goble.BackendName

// Backends lists the radio backends NewRadio accepts.
func Backends() []string {
	return []string{goble.BackendName, tinygo.BackendName}
}

// RadioFactory creates the device.Radio for a backend name.
// This is a variable so that it can be overridden in tests.
var RadioFactory = func(backend string, logger *logrus.Logger) (device.Radio, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", goble.BackendName:
		return goble.NewRadio(logger), nil
	case tinygo.BackendName:
		return tinygo.NewRadio(logger), nil
	default:
		return nil, fmt.Errorf("%w: radio backend %q (want one of %s)",
			device.ErrUnsupported, backend, strings.Join(Backends(), ", "))
	}
}

// NewRadio is the primary constructor for radios.
func NewRadio(backend string, logger *logrus.Logger) (device.Radio, error) {
	return RadioFactory(backend, logger)
}
