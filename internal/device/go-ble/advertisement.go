package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/profile"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement
type BLEAdvertisement struct {
	adv ble.Advertisement
}

func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string      { return a.adv.Addr().String() }

// Services returns advertised and overflow service UUIDs, normalized.
func (a *BLEAdvertisement) Services() []string {
	svcs := a.adv.Services()
	overflow := a.adv.OverflowService()
	result := make([]string, 0, len(svcs)+len(overflow))
	for _, u := range svcs {
		result = append(result, profile.NormalizeUUID(u.String()))
	}
	for _, u := range overflow {
		result = append(result, profile.NormalizeUUID(u.String()))
	}
	return result
}
