// Package profile is the static table of supported health-device profiles and
// their Bluetooth SIG service/characteristic identifiers.
package profile

import (
	"fmt"
	"strconv"
	"strings"
)

// Profile identifies one of the supported health-device profiles.
type Profile int

const (
	Thermometer Profile = iota
	HeartRate
	Glucose
	BloodPressure
	PulseOximeter
)

// CCCD is the client characteristic configuration descriptor id used to
// enable notifications.
const CCCD uint16 = 0x2902

// sigBaseSuffix is the Bluetooth SIG base UUID tail; 16-bit ids expand to
// 0000xxxx-0000-1000-8000-00805f9b34fb.
const sigBaseSuffix = "00001000800000805f9b34fb"

type entry struct {
	name        string
	displayName string
	service     uint16
	char        uint16
}

var table = [...]entry{
	Thermometer:   {name: "thermometer", displayName: "Thermometer", service: 0x1809, char: 0x2A1C},
	HeartRate:     {name: "heart-rate", displayName: "Heart Rate", service: 0x180D, char: 0x2A37},
	Glucose:       {name: "glucose", displayName: "Glucose", service: 0x1808, char: 0x2A18},
	BloodPressure: {name: "blood-pressure", displayName: "Blood Pressure", service: 0x1810, char: 0x2A35},
	PulseOximeter: {name: "pulse-oximeter", displayName: "Pulse Oximeter", service: 0x1822, char: 0x2A5F},
}

// UnknownProfileError is returned when a name or identifier does not map to
// any supported profile.
type UnknownProfileError struct {
	Value string
}

func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("unknown profile %q", e.Value)
}

// All returns every supported profile in registry order.
func All() []Profile {
	return []Profile{Thermometer, HeartRate, Glucose, BloodPressure, PulseOximeter}
}

// Valid reports whether p is one of the supported profiles.
func (p Profile) Valid() bool {
	return p >= Thermometer && p <= PulseOximeter
}

// String returns the profile's canonical CLI/config name.
func (p Profile) String() string {
	if !p.Valid() {
		return "unknown(" + strconv.Itoa(int(p)) + ")"
	}
	return table[p].name
}

func (p Profile) DisplayName() string {
	if !p.Valid() {
		return p.String()
	}
	return table[p].displayName
}

// Resolve returns the service and characteristic ids for p.
// Unsupported values resolve to zero ids.
func Resolve(p Profile) (serviceID, charID uint16) {
	if !p.Valid() {
		return 0, 0
	}
	return table[p].service, table[p].char
}

// ServiceID is shorthand for the first half of Resolve.
func (p Profile) ServiceID() uint16 {
	s, _ := Resolve(p)
	return s
}

// CharacteristicID is shorthand for the second half of Resolve.
func (p Profile) CharacteristicID() uint16 {
	_, c := Resolve(p)
	return c
}

// ServiceUUID returns the normalized 16-bit service UUID string ("180d").
func (p Profile) ServiceUUID() string {
	return FormatUUID16(p.ServiceID())
}

// CharacteristicUUID returns the normalized 16-bit characteristic UUID string.
func (p Profile) CharacteristicUUID() string {
	return FormatUUID16(p.CharacteristicID())
}

// FilterSet returns the service ids of every supported profile, used as a
// discovery filter.
func FilterSet() []uint16 {
	out := make([]uint16, 0, len(table))
	for _, e := range table {
		out = append(out, e.service)
	}
	return out
}

// ByService looks up the profile advertising service id.
func ByService(id uint16) (Profile, bool) {
	for i, e := range table {
		if e.service == id {
			return Profile(i), true
		}
	}
	return 0, false
}

// ByCharacteristic looks up the profile that owns characteristic id.
func ByCharacteristic(id uint16) (Profile, bool) {
	for i, e := range table {
		if e.char == id {
			return Profile(i), true
		}
	}
	return 0, false
}

// Parse accepts a profile name in any case, with '-', '_' or ' ' as word
// separators ("Heart Rate", "heart_rate", "heartrate").
func Parse(s string) (Profile, error) {
	key := squash(s)
	for i, e := range table {
		if squash(e.name) == key {
			return Profile(i), nil
		}
	}
	return 0, &UnknownProfileError{Value: s}
}

func squash(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
}

// MarshalText implements encoding.TextMarshaler.
func (p Profile) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, &UnknownProfileError{Value: p.String()}
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so profiles can be used
// directly in YAML and JSON.
func (p *Profile) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
