package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blehealth/internal/profile"
)

func TestEncode_KnownFrames(t *testing.T) {
	tests := []struct {
		name    string
		profile profile.Profile
		m       Measurement
		want    []byte
	}{
		{
			name:    "heart rate 72 bpm",
			profile: profile.HeartRate,
			m:       HeartRate{BPM: 72},
			want:    []byte{0x00, 0x48},
		},
		{
			name:    "thermometer 36.5 C",
			profile: profile.Thermometer,
			m:       Temperature{Value: 36.5},
			want:    []byte{0x00, 0x6D, 0x01, 0x00, 0xFF},
		},
		{
			name:    "thermometer fahrenheit flag",
			profile: profile.Thermometer,
			m:       Temperature{Value: 98.6, Fahrenheit: true},
			want:    []byte{0x01, 0xDA, 0x03, 0x00, 0xFF},
		},
		{
			name:    "blood pressure 120/80/93",
			profile: profile.BloodPressure,
			// 120.0 -> 1200 (0x4B0), 80 -> 800 (0x320), 93.3 -> 933 (0x3A5), all exp -1
			m:    BloodPressure{Systolic: 120, Diastolic: 80, MeanArterial: 93.3},
			want: []byte{0x00, 0xB0, 0xF4, 0x20, 0xF3, 0xA5, 0xF3},
		},
		{
			name:    "glucose 100",
			profile: profile.Glucose,
			m:       Glucose{Concentration: 100},
			want: []byte{
				0x03,       // flags
				0x01, 0x00, // sequence
				0, 0, 0, 0, 0, 0, 0, // base time
				0x00, 0x00, // time offset
				0xE8, 0xF3, // 1000 * 10^-1
				0x11, // type/location
			},
		},
		{
			name:    "pulse oximeter 98/70",
			profile: profile.PulseOximeter,
			m:       PulseOximetry{SpO2: 98, PulseRate: 70},
			want:    []byte{0x00, 0xD4, 0xF3, 0xBC, 0xF2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.profile, tt.m)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "frame MUST match the wire layout byte for byte")
			assert.Len(t, got, FrameLen(tt.profile))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		profile   profile.Profile
		m         Measurement
		tolerance float64
	}{
		{"thermometer", profile.Thermometer, Temperature{Value: 37.2}, 0.05},
		{"thermometer negative", profile.Thermometer, Temperature{Value: -12.3}, 0.05},
		{"heart rate", profile.HeartRate, HeartRate{BPM: 180}, 0},
		{"blood pressure", profile.BloodPressure, BloodPressure{Systolic: 135.5, Diastolic: 85.2, MeanArterial: 101.9}, 0.05},
		{"blood pressure above threshold", profile.BloodPressure, BloodPressure{Systolic: 250, Diastolic: 210, MeanArterial: 223}, 0.5},
		{"glucose", profile.Glucose, Glucose{Concentration: 95.4}, 0.05},
		{"glucose above threshold", profile.Glucose, Glucose{Concentration: 320}, 0.5},
		{"pulse oximeter", profile.PulseOximeter, PulseOximetry{SpO2: 97.5, PulseRate: 64}, 0.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.profile, tt.m)
			require.NoError(t, err)

			got, err := Decode(tt.profile, frame)
			require.NoError(t, err)
			require.IsType(t, tt.m, got)

			want := tt.m.Values()
			have := got.Values()
			require.Len(t, have, len(want))
			for i := range want {
				assert.InDelta(t, want[i], have[i], tt.tolerance, "value %d MUST survive the round trip", i)
			}
		})
	}
}

func TestSFloatThreshold(t *testing.T) {
	// GOAL: values just under the threshold keep a decimal digit, values above are rounded
	below := encodeSFloat(204.6)
	assert.Equal(t, [2]byte{0xFE, 0xF7}, below, "204.6 MUST encode as mantissa 2046, exponent -1")
	assert.InDelta(t, 204.6, decodeSFloat(below[0], below[1]), 0.1)

	above := encodeSFloat(204.8)
	assert.Equal(t, [2]byte{0xCD, 0x00}, above, "204.8 MUST encode as mantissa 205, exponent 0")
	assert.InDelta(t, 204.8, decodeSFloat(above[0], above[1]), 1)
}

func TestSFloatSaturation(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"large positive clamps", 5000, 2047},
		{"large negative clamps", -5000, -2048},
		{"+Inf clamps", math.Inf(1), 2047},
		{"-Inf clamps", math.Inf(-1), -2048},
		{"NaN encodes zero", math.NaN(), 0},
		{"negative below threshold", -3.5, -3.5},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := encodeSFloat(tt.in)
			assert.InDelta(t, tt.want, decodeSFloat(b[0], b[1]), 0.001)
		})
	}
}

func TestFloatSaturation(t *testing.T) {
	b := encodeFloat(1e9)
	assert.InDelta(t, float64(floatMantissaMax)/10, decodeFloat(b), 0.001)

	b = encodeFloat(-1e9)
	assert.InDelta(t, float64(floatMantissaMin)/10, decodeFloat(b), 0.001)
}

func TestHeartRate(t *testing.T) {
	frame, err := Encode(profile.HeartRate, HeartRate{BPM: 300})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xFF}, frame, "BPM above 255 MUST saturate")

	frame, err = Encode(profile.HeartRate, HeartRate{BPM: -5})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, frame, "negative BPM MUST clamp to zero")

	m, err := Decode(profile.HeartRate, []byte{0x01, 0x2C, 0x01})
	require.NoError(t, err)
	assert.Equal(t, HeartRate{BPM: 300}, m, "uint16 format flag MUST be honoured on decode")

	_, err = Decode(profile.HeartRate, []byte{0x01, 0x2C})
	assert.ErrorIs(t, err, ErrTruncated, "uint16 format with one value byte MUST be truncated")
}

func TestDecode_Truncated(t *testing.T) {
	for _, p := range profile.All() {
		full, err := Encode(p, mustFromValues(t, p))
		require.NoError(t, err)

		for n := 0; n < len(full); n++ {
			frame := full[:n:n]
			m, err := Decode(p, frame)
			assert.Nil(t, m, "%s[%d] MUST NOT return partial values", p, n)

			var de *DecodeError
			require.ErrorAs(t, err, &de, "%s[%d]", p, n)
			assert.Equal(t, Truncated, de.Kind)
			assert.Equal(t, frame, de.Raw, "raw bytes MUST be preserved")
			assert.True(t, errors.Is(err, ErrTruncated))
		}
	}
}

func TestDecode_UnknownProfile(t *testing.T) {
	_, err := Decode(profile.Profile(99), []byte{0x00, 0x01})
	assert.ErrorIs(t, err, ErrUnknownProfile)
	assert.NotErrorIs(t, err, ErrTruncated)
}

func TestEncode_ProfileMismatch(t *testing.T) {
	_, err := Encode(profile.BloodPressure, PulseOximetry{SpO2: 98, PulseRate: 70})
	assert.ErrorIs(t, err, ErrProfileMismatch)

	_, err = Encode(profile.Thermometer, nil)
	assert.ErrorIs(t, err, ErrProfileMismatch)

	_, err = Encode(profile.Profile(99), HeartRate{BPM: 60})
	assert.ErrorIs(t, err, ErrProfileMismatch)
}

func TestFromValues(t *testing.T) {
	m, err := FromValues(profile.BloodPressure, 120, 80, 93)
	require.NoError(t, err)
	assert.Equal(t, BloodPressure{Systolic: 120, Diastolic: 80, MeanArterial: 93}, m)

	m, err = FromValues(profile.HeartRate, 71.6)
	require.NoError(t, err)
	assert.Equal(t, HeartRate{BPM: 72}, m)

	_, err = FromValues(profile.BloodPressure, 120, 80)
	var ee *EncodeError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Want)
	assert.Equal(t, 2, ee.Got)
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		name    string
		profile profile.Profile
		m       Measurement
		want    string
	}{
		{"thermometer", profile.Thermometer, Temperature{Value: 36.5}, "36.5 °C"},
		{"heart rate", profile.HeartRate, HeartRate{BPM: 72}, "72 bpm"},
		{"blood pressure", profile.BloodPressure, BloodPressure{Systolic: 120, Diastolic: 80, MeanArterial: 93}, "BP: 120/80 (MAP 93)"},
		{"glucose", profile.Glucose, Glucose{Concentration: 100}, "Gluc: 100 mg/dL"},
		{"pulse oximeter", profile.PulseOximeter, PulseOximetry{SpO2: 98, PulseRate: 70}, "SpO2: 98% | PR: 70"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.profile, tt.m)
			require.NoError(t, err)
			got, _, err := Display(tt.profile, frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, m, err := Display(profile.BloodPressure, []byte{0x00, 0xB0})
	assert.Error(t, err)
	assert.Nil(t, m)
	assert.Equal(t, "Parse Err: 00 B0", got, "decode failure MUST fall back to raw hex")
}

func mustFromValues(t *testing.T, p profile.Profile) Measurement {
	t.Helper()
	values := []float64{10, 20, 30}[:Arity(p)]
	m, err := FromValues(p, values...)
	require.NoError(t, err)
	return m
}
