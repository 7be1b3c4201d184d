package segment

import (
	"fmt"
	"os"

	"github.com/topqaz/nvr/media"
)

// Status is the validation state of a segment.
type Status int

const (
	// StatusUnknown means the segment has not been validated yet
	StatusUnknown Status = iota
	// StatusValid means the file is complete and decodable
	StatusValid
	// StatusInvalid means validation failed; see Validity.Reason
	StatusInvalid
)

// String returns a human-readable string representation of the status
func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Validity is a validation outcome. It is data, not an error: an invalid
// segment is kept on disk and only hidden from listings.
type Validity struct {
	Status Status
	Reason string
}

// Valid reports whether the status is StatusValid.
func (v Validity) Valid() bool {
	return v.Status == StatusValid
}

const reasonOK = "ok"

func invalid(reason string) Validity {
	return Validity{Status: StatusInvalid, Reason: reason}
}

// Validate checks that path is a complete, decodable video:
//   - the decoder opens it
//   - frame count and fps are positive
//   - the file is at least MinValidSize bytes
//
// Validate never panics. A panic inside the decoder becomes an invalid result.
func Validate(decoders media.DecoderFactory, path string) (v Validity) {
	defer func() {
		if r := recover(); r != nil {
			v = invalid(fmt.Sprintf("validation failed: %v", r))
		}
	}()

	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return invalid("cannot open file")
	}

	dec, err := decoders.OpenDecoder(path)
	if err != nil {
		return invalid("cannot open file")
	}
	info := dec.Info()
	dec.Close()

	if info.FrameCount <= 0 || info.FPS <= 0 {
		return invalid("invalid format")
	}

	if st.Size() < MinValidSize {
		return invalid("file too small")
	}

	return Validity{Status: StatusValid, Reason: reasonOK}
}
