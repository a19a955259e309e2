package codec

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/srg/blehealth/internal/profile"
)

// Format renders a measurement for display.
func Format(m Measurement) string {
	switch v := m.(type) {
	case Temperature:
		unit := "°C"
		if v.Fahrenheit {
			unit = "°F"
		}
		return fmt.Sprintf("%.1f %s", v.Value, unit)
	case HeartRate:
		return fmt.Sprintf("%d bpm", v.BPM)
	case BloodPressure:
		return fmt.Sprintf("BP: %.0f/%.0f (MAP %.0f)", v.Systolic, v.Diastolic, v.MeanArterial)
	case Glucose:
		return fmt.Sprintf("Gluc: %.0f mg/dL", v.Concentration)
	case PulseOximetry:
		return fmt.Sprintf("SpO2: %.0f%% | PR: %.0f", v.SpO2, v.PulseRate)
	default:
		return "-"
	}
}

// Display decodes frame for p and formats it. Any decode failure degrades to
// "Parse Err: <hex>" together with the error.
func Display(p profile.Profile, frame []byte) (string, Measurement, error) {
	m, err := Decode(p, frame)
	if err != nil {
		return "Parse Err: " + Hex(frame), nil, err
	}
	return Format(m), m, nil
}

// Hex renders bytes as space separated upper-case pairs ("00 6D 01").
func Hex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := strings.ToUpper(hex.EncodeToString(b))
	var sb strings.Builder
	sb.Grow(len(s) + len(b) - 1)
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s[i : i+2])
	}
	return sb.String()
}
