package codec

import (
	"fmt"

	"github.com/srg/blehealth/internal/profile"
)

// DecodeErrorKind classifies a decode failure.
type DecodeErrorKind int

const (
	Truncated DecodeErrorKind = iota + 1
	UnknownProfile
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case UnknownProfile:
		return "unknown profile"
	default:
		return "decode error"
	}
}

// DecodeError reports a frame that could not be decoded. Raw holds a copy of
// the bytes received so callers can fall back to a hex rendering.
type DecodeError struct {
	Kind    DecodeErrorKind
	Profile profile.Profile
	Raw     []byte
	Need    int
}

func (e *DecodeError) Error() string {
	if e.Kind == Truncated {
		return fmt.Sprintf("decode %s: truncated frame: need %d bytes, got %d [%s]", e.Profile, e.Need, len(e.Raw), Hex(e.Raw))
	}
	return fmt.Sprintf("decode: %s %s [%s]", e.Kind, e.Profile, Hex(e.Raw))
}

// Is matches any *DecodeError of the same kind, so errors.Is(err, ErrTruncated)
// works regardless of profile or payload.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

// EncodeErrorKind classifies an encode failure.
type EncodeErrorKind int

const (
	ProfileMismatch EncodeErrorKind = iota + 1
)

// EncodeError reports a measurement that does not fit the requested profile.
// It signals a programming mistake rather than a runtime condition.
type EncodeError struct {
	Kind    EncodeErrorKind
	Profile profile.Profile
	// Measurement is the offending variant, nil when built from raw values.
	Measurement Measurement
	Got, Want   int
}

func (e *EncodeError) Error() string {
	if e.Measurement != nil {
		return fmt.Sprintf("encode %s: profile mismatch: got %T (%s)", e.Profile, e.Measurement, e.Measurement.Profile())
	}
	return fmt.Sprintf("encode %s: profile mismatch: want %d values, got %d", e.Profile, e.Want, e.Got)
}

func (e *EncodeError) Is(target error) bool {
	t, ok := target.(*EncodeError)
	return ok && t.Kind == e.Kind
}

// Sentinel values for errors.Is.
var (
	ErrTruncated       = &DecodeError{Kind: Truncated}
	ErrUnknownProfile  = &DecodeError{Kind: UnknownProfile}
	ErrProfileMismatch = &EncodeError{Kind: ProfileMismatch}
)
