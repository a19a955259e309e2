package codec

import (
	"encoding/binary"

	"github.com/srg/blehealth/internal/profile"
)

// Frame flag values written by Encode.
const (
	flagsCelsius    byte = 0x00
	flagsFahrenheit byte = 0x01
	flagsHRUint8    byte = 0x00
	flagsHRUint16   byte = 0x01
	flagsMmHg       byte = 0x00
	// time offset present, concentration + type/location present
	flagsGlucose     byte = 0x03
	flagsPLXNormal   byte = 0x00
	glucoseSequence       = 0x0001
	glucoseTypeLoc   byte = 0x11
)

// Frame lengths, flags byte included.
const (
	thermometerLen   = 5
	heartRateLen     = 2
	heartRate16Len   = 3
	bloodPressureLen = 7
	glucoseLen       = 15
	pulseOximeterLen = 5

	glucoseConcentrationOffset = 12
)

// FrameLen returns the fixed frame length for p, or 0 for an unknown profile.
func FrameLen(p profile.Profile) int {
	switch p {
	case profile.Thermometer:
		return thermometerLen
	case profile.HeartRate:
		return heartRateLen
	case profile.BloodPressure:
		return bloodPressureLen
	case profile.Glucose:
		return glucoseLen
	case profile.PulseOximeter:
		return pulseOximeterLen
	default:
		return 0
	}
}

// Encode renders m in the byte layout p expects. It fails only when m is not
// the measurement variant for p.
func Encode(p profile.Profile, m Measurement) ([]byte, error) {
	mismatch := &EncodeError{Kind: ProfileMismatch, Profile: p, Measurement: m}
	if m == nil {
		return nil, mismatch
	}

	switch p {
	case profile.Thermometer:
		v, ok := m.(Temperature)
		if !ok {
			return nil, mismatch
		}
		flags := flagsCelsius
		if v.Fahrenheit {
			flags = flagsFahrenheit
		}
		f := encodeFloat(v.Value)
		return []byte{flags, f[0], f[1], f[2], f[3]}, nil

	case profile.HeartRate:
		v, ok := m.(HeartRate)
		if !ok {
			return nil, mismatch
		}
		return []byte{flagsHRUint8, byte(clampInt(v.BPM, 0, 255))}, nil

	case profile.BloodPressure:
		v, ok := m.(BloodPressure)
		if !ok {
			return nil, mismatch
		}
		out := make([]byte, 0, bloodPressureLen)
		out = append(out, flagsMmHg)
		for _, x := range []float64{v.Systolic, v.Diastolic, v.MeanArterial} {
			s := encodeSFloat(x)
			out = append(out, s[:]...)
		}
		return out, nil

	case profile.Glucose:
		v, ok := m.(Glucose)
		if !ok {
			return nil, mismatch
		}
		out := make([]byte, glucoseLen)
		out[0] = flagsGlucose
		binary.LittleEndian.PutUint16(out[1:3], glucoseSequence)
		// out[3:10] base time and out[10:12] time offset stay zero
		s := encodeSFloat(v.Concentration)
		copy(out[glucoseConcentrationOffset:], s[:])
		out[14] = glucoseTypeLoc
		return out, nil

	case profile.PulseOximeter:
		v, ok := m.(PulseOximetry)
		if !ok {
			return nil, mismatch
		}
		spo2 := encodeSFloat(v.SpO2)
		pr := encodeSFloat(v.PulseRate)
		return []byte{flagsPLXNormal, spo2[0], spo2[1], pr[0], pr[1]}, nil

	default:
		return nil, mismatch
	}
}

// Decode parses a frame for p. It never reads past len(frame): short frames
// fail with a Truncated DecodeError carrying the raw bytes.
func Decode(p profile.Profile, frame []byte) (Measurement, error) {
	need := FrameLen(p)
	if need == 0 {
		return nil, &DecodeError{Kind: UnknownProfile, Profile: p, Raw: clone(frame)}
	}
	if p == profile.HeartRate && len(frame) > 0 && frame[0]&flagsHRUint16 != 0 {
		need = heartRate16Len
	}
	if len(frame) < need {
		return nil, &DecodeError{Kind: Truncated, Profile: p, Raw: clone(frame), Need: need}
	}

	switch p {
	case profile.Thermometer:
		return Temperature{
			Value:      decodeFloat([4]byte(frame[1:5])),
			Fahrenheit: frame[0]&flagsFahrenheit != 0,
		}, nil

	case profile.HeartRate:
		if need == heartRate16Len {
			return HeartRate{BPM: int(binary.LittleEndian.Uint16(frame[1:3]))}, nil
		}
		return HeartRate{BPM: int(frame[1])}, nil

	case profile.BloodPressure:
		return BloodPressure{
			Systolic:     decodeSFloat(frame[1], frame[2]),
			Diastolic:    decodeSFloat(frame[3], frame[4]),
			MeanArterial: decodeSFloat(frame[5], frame[6]),
		}, nil

	case profile.Glucose:
		o := glucoseConcentrationOffset
		return Glucose{Concentration: decodeSFloat(frame[o], frame[o+1])}, nil

	default:
		return PulseOximetry{
			SpO2:      decodeSFloat(frame[1], frame[2]),
			PulseRate: decodeSFloat(frame[3], frame[4]),
		}, nil
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
