package capture

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceUnavailable is returned when a device cannot be opened.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrReadFailed is returned when an open device fails to deliver a frame.
	ErrReadFailed = errors.New("capture: read failed")
)

// ErrorCategory represents the classification of device errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryDevice indicates a missing or disconnected device
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryPermission indicates the process may not open the device
	ErrCategoryPermission
	// ErrCategoryBusy indicates another process holds the device
	ErrCategoryBusy
	// ErrCategoryFormat indicates caps/format negotiation failures
	ErrCategoryFormat
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryPermission:
		return "permission"
	case ErrCategoryBusy:
		return "busy"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

// DeviceError is a classified backend failure. It wraps ErrDeviceUnavailable
// or ErrReadFailed so callers can keep using errors.Is.
type DeviceError struct {
	Kind     error
	Category ErrorCategory
	Detail   string
}

// NewDeviceError classifies msg/debug and wraps kind.
func NewDeviceError(kind error, msg, debug string) *DeviceError {
	detail := msg
	if debug != "" {
		detail = msg + " (" + debug + ")"
	}
	return &DeviceError{
		Kind:     kind,
		Category: ClassifyDeviceError(msg, debug),
		Detail:   detail,
	}
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%v [%s]: %s", e.Kind, e.Category, e.Detail)
}

func (e *DeviceError) Unwrap() error { return e.Kind }

// CategoryOf returns the category of a DeviceError anywhere in err's chain,
// or ErrCategoryUnknown.
func CategoryOf(err error) ErrorCategory {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Category
	}
	return ErrCategoryUnknown
}

// ClassifyDeviceError analyzes a backend error message and categorizes it
//
// Classification is based on keyword heuristics; neither GStreamer's GError
// nor OpenCV expose a stable error code we could switch on.
func ClassifyDeviceError(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	// Priority 1: permissions (most specific)
	if containsAny(combined, permissionKeywords) {
		return ErrCategoryPermission
	}

	// Priority 2: busy device
	if containsAny(combined, busyKeywords) {
		return ErrCategoryBusy
	}

	// Priority 3: format negotiation
	if containsAny(combined, formatKeywords) {
		return ErrCategoryFormat
	}

	// Priority 4: missing device (most common)
	if containsAny(combined, deviceKeywords) {
		return ErrCategoryDevice
	}

	return ErrCategoryUnknown
}

var (
	permissionKeywords = []string{
		"permission denied",
		"not permitted",
		"eacces",
		"access denied",
	}
	busyKeywords = []string{
		"busy",
		"ebusy",
		"in use",
	}
	formatKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"codec",
		"unsupported",
	}
	deviceKeywords = []string{
		"no such file",
		"no such device",
		"cannot identify device",
		"not found",
		"could not open",
		"failed to open",
		"disconnected",
		"v4l2",
	}
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
