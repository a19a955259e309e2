package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/profile"
)

// FakeAdvertisement is an immutable device.Advertisement for tests.
type FakeAdvertisement struct {
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	Rssi       int      `json:"rssi"`
	ServiceIDs []string `json:"services"`
	NotConnect bool     `json:"not_connectable"`
}

func (a *FakeAdvertisement) LocalName() string  { return a.Name }
func (a *FakeAdvertisement) Services() []string { return a.ServiceIDs }
func (a *FakeAdvertisement) Connectable() bool  { return !a.NotConnect }
func (a *FakeAdvertisement) RSSI() int          { return a.Rssi }
func (a *FakeAdvertisement) Addr() string       { return a.Address }

// AdvertisementBuilder builds fake advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

// CreateAdvertisement is shorthand for a named advertisement of profile p.
func CreateAdvertisement(address, name string, rssi int, p profile.Profile) device.Advertisement {
	return NewAdvertisementBuilder().
		WithAddress(address).
		WithName(name).
		WithRSSI(rssi).
		WithProfile(p).
		Build()
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices adds service UUIDs in any form; they are normalized.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	for _, u := range uuids {
		b.adv.ServiceIDs = append(b.adv.ServiceIDs, profile.NormalizeUUID(u))
	}
	return b
}

// WithProfile advertises p's service id.
func (b *AdvertisementBuilder) WithProfile(p profile.Profile) *AdvertisementBuilder {
	return b.WithServices(p.ServiceUUID())
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.NotConnect = !c
	return b
}

// FromJSON fills the builder from a JSON object with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var adv FakeAdvertisement
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &adv); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	services := adv.ServiceIDs
	adv.ServiceIDs = nil
	b.adv = adv
	return b.WithServices(services...)
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.ServiceIDs = append([]string(nil), b.adv.ServiceIDs...)
	return &adv
}
