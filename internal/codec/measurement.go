// Package codec converts health measurements to and from the GATT
// characteristic payloads defined by the Bluetooth SIG health profiles.
//
// Every frame opens with a flags byte. Numeric fields use the IEEE-11073
// 16-bit SFLOAT and 32-bit FLOAT representations, little-endian.
package codec

import (
	"github.com/srg/blehealth/internal/profile"
)

// Measurement is a closed set of per-profile readings. The concrete types are
// Temperature, HeartRate, BloodPressure, Glucose and PulseOximetry.
type Measurement interface {
	// Profile is the profile whose frame layout carries this measurement.
	Profile() profile.Profile
	// Values flattens the measurement in wire order.
	Values() []float64

	measurement()
}

// Temperature is a thermometer reading in °C, or °F when Fahrenheit is set.
type Temperature struct {
	Value      float64 `json:"value"`
	Fahrenheit bool    `json:"fahrenheit,omitempty"`
}

// HeartRate is a heart rate in beats per minute. Values outside 0..255 are
// clamped on encode.
type HeartRate struct {
	BPM int `json:"bpm"`
}

// BloodPressure is a cuff reading in mmHg.
type BloodPressure struct {
	Systolic     float64 `json:"systolic"`
	Diastolic    float64 `json:"diastolic"`
	MeanArterial float64 `json:"mean_arterial"`
}

// Glucose is a concentration in device-defined units (mg/dL for display).
type Glucose struct {
	Concentration float64 `json:"concentration"`
}

// PulseOximetry is an SpO2 percentage with the pulse rate.
type PulseOximetry struct {
	SpO2      float64 `json:"spo2"`
	PulseRate float64 `json:"pulse_rate"`
}

func (Temperature) Profile() profile.Profile   { return profile.Thermometer }
func (HeartRate) Profile() profile.Profile     { return profile.HeartRate }
func (BloodPressure) Profile() profile.Profile { return profile.BloodPressure }
func (Glucose) Profile() profile.Profile       { return profile.Glucose }
func (PulseOximetry) Profile() profile.Profile { return profile.PulseOximeter }

func (m Temperature) Values() []float64 { return []float64{m.Value} }
func (m HeartRate) Values() []float64   { return []float64{float64(m.BPM)} }
func (m BloodPressure) Values() []float64 {
	return []float64{m.Systolic, m.Diastolic, m.MeanArterial}
}
func (m Glucose) Values() []float64       { return []float64{m.Concentration} }
func (m PulseOximetry) Values() []float64 { return []float64{m.SpO2, m.PulseRate} }

func (Temperature) measurement()   {}
func (HeartRate) measurement()     {}
func (BloodPressure) measurement() {}
func (Glucose) measurement()       {}
func (PulseOximetry) measurement() {}

// Arity returns how many scalar values a measurement for p carries.
func Arity(p profile.Profile) int {
	switch p {
	case profile.Thermometer, profile.HeartRate, profile.Glucose:
		return 1
	case profile.PulseOximeter:
		return 2
	case profile.BloodPressure:
		return 3
	default:
		return 0
	}
}

// FromValues builds the measurement for p from a flat value list in wire
// order. A value count that does not match the profile is a ProfileMismatch.
func FromValues(p profile.Profile, values ...float64) (Measurement, error) {
	n := Arity(p)
	if n == 0 || len(values) != n {
		return nil, &EncodeError{Kind: ProfileMismatch, Profile: p, Got: len(values), Want: n}
	}

	switch p {
	case profile.Thermometer:
		return Temperature{Value: values[0]}, nil
	case profile.HeartRate:
		return HeartRate{BPM: clampInt(roundInt(values[0]), 0, 255)}, nil
	case profile.Glucose:
		return Glucose{Concentration: values[0]}, nil
	case profile.PulseOximeter:
		return PulseOximetry{SpO2: values[0], PulseRate: values[1]}, nil
	default:
		return BloodPressure{Systolic: values[0], Diastolic: values[1], MeanArterial: values[2]}, nil
	}
}
