// Package segment names, resolves, validates and lists recorded segment files.
//
// All segments live in one flat directory, one file per segment, named
// <YYYYMMDD_HHMMSS>.<ext> where ext comes from the codec that wrote it.
// A segment still being written carries a leading "." and is invisible to
// Resolve and List until the recorder renames it.
package segment

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/topqaz/nvr/media"
)

// TimeLayout is the time format of a segment base name.
const TimeLayout = "20060102_150405"

// MinValidSize is the smallest file size considered a complete segment.
const MinValidSize = 1024

// ErrNotFound is returned when a segment name does not resolve to a file.
var ErrNotFound = errors.New("segment: not found")

var mimeTypes = map[string]string{
	"mp4":  "video/mp4",
	"avi":  "video/x-msvideo",
	"mov":  "video/quicktime",
	"mkv":  "video/x-matroska",
	"webm": "video/webm",
}

// Name returns the final file name for a segment started at start.
func Name(start time.Time, codec media.Codec) string {
	return start.Format(TimeLayout) + codec.Ext()
}

// InProgressName returns the hidden name used while a segment is written.
func InProgressName(name string) string {
	return "." + name
}

// Hidden reports whether name is an in-progress or otherwise hidden file.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ParseStart recovers the start time encoded in a segment name.
func ParseStart(name string) (time.Time, bool) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	t, err := time.ParseInLocation(TimeLayout, base, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Extension returns the lower-case extension without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// MIMEType maps a file name to its video MIME type, defaulting to video/mp4.
func MIMEType(name string) string {
	if mt, ok := mimeTypes[Extension(name)]; ok {
		return mt
	}
	return "video/mp4"
}

// IsVideo reports whether name has one of the served video extensions.
func IsVideo(name string) bool {
	_, ok := mimeTypes[Extension(name)]
	return ok
}
