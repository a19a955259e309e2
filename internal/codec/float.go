package codec

import "math"

// sfloatThreshold is the magnitude below which SFLOAT keeps one decimal
// digit (exponent -1). At or above it values are rounded to integers.
const sfloatThreshold = 204.7

const (
	sfloatMantissaMin = -2048
	sfloatMantissaMax = 2047

	floatMantissaMin = -(1 << 23)
	floatMantissaMax = 1<<23 - 1

	// floatExponent is the fixed exponent used when encoding 32-bit FLOAT.
	floatExponent = -1
)

// encodeSFloat packs v as a 16-bit IEEE-11073 SFLOAT: byte 0 is the mantissa
// low byte, byte 1 carries the mantissa high nibble and the exponent nibble
// in its upper four bits. Mantissas saturate to 12 bits; NaN encodes as 0.
func encodeSFloat(v float64) [2]byte {
	var m, exp int
	switch {
	case math.IsNaN(v):
	case math.Abs(v) < sfloatThreshold:
		m, exp = roundInt(v*10), -1
	default:
		m = roundInt(v)
	}
	m = clampInt(m, sfloatMantissaMin, sfloatMantissaMax)

	return [2]byte{
		byte(m & 0xFF),
		byte((m>>8)&0x0F) | byte((exp&0x0F)<<4),
	}
}

func decodeSFloat(b0, b1 byte) float64 {
	m := int(b0) | int(b1&0x0F)<<8
	if m&0x0800 != 0 {
		m -= 0x1000
	}
	exp := int(b1 >> 4)
	if exp&0x08 != 0 {
		exp -= 0x10
	}
	return scale(m, exp)
}

// encodeFloat packs v as a 32-bit FLOAT: 24-bit signed mantissa in three
// little-endian bytes followed by a signed exponent byte.
func encodeFloat(v float64) [4]byte {
	var m int
	if !math.IsNaN(v) {
		m = roundInt(v * 10)
	}
	m = clampInt(m, floatMantissaMin, floatMantissaMax)
	exp := int8(floatExponent)

	return [4]byte{
		byte(m & 0xFF),
		byte((m >> 8) & 0xFF),
		byte((m >> 16) & 0xFF),
		byte(exp),
	}
}

func decodeFloat(b [4]byte) float64 {
	m := int(b[0]) | int(b[1])<<8 | int(b[2])<<16
	if m&0x800000 != 0 {
		m -= 0x1000000
	}
	return scale(m, int(int8(b[3])))
}

// scale computes m * 10^exp. Negative exponents divide so that one-decimal
// values (365, -1) come back as the closest float64 to 36.5.
func scale(m, exp int) float64 {
	if exp < 0 {
		return float64(m) / math.Pow10(-exp)
	}
	return float64(m) * math.Pow10(exp)
}

// roundInt rounds half away from zero and saturates infinities to the int
// range so the subsequent clamp applies.
func roundInt(v float64) int {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int(math.Round(v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
