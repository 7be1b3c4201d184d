// Package rangefile serves recorded segments as HTTP byte-range resources.
//
// Only the single-range form "bytes=start-end" (end optional) is honoured;
// a multi-range request is served as its first range. A header that does not
// match gets the whole file with 200, so browsers that send odd Range headers
// still play the video.
package rangefile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"

	"github.com/topqaz/nvr/segment"
)

var rangePattern = regexp.MustCompile(`bytes=(\d+)-(\d*)`)

// Spec is a parsed Range header. End is -1 for an open-ended range.
type Spec struct {
	Start int64
	End   int64
}

// ParseRange parses "bytes=start-end". ok is false for missing or
// malformed headers.
func ParseRange(header string) (Spec, bool) {
	m := rangePattern.FindStringSubmatch(header)
	if m == nil {
		return Spec{}, false
	}

	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Spec{}, false
	}

	end := int64(-1)
	if m[2] != "" {
		end, err = strconv.ParseInt(m[2], 10, 64)
		if err != nil || end < start {
			return Spec{}, false
		}
	}
	return Spec{Start: start, End: end}, true
}

// Clamp resolves the range against a file of total bytes. An open or
// overlong end is clamped to total-1. ok is false when start is at or past
// the end of the file.
func (s Spec) Clamp(total int64) (start, end int64, ok bool) {
	if s.Start >= total {
		return 0, 0, false
	}
	end = s.End
	if end < 0 || end >= total {
		end = total - 1
	}
	return s.Start, end, true
}

// Server serves files from a segment store.
type Server struct {
	store *segment.Store
}

// New creates a range file server over store.
func New(store *segment.Store) *Server {
	return &Server{store: store}
}

// Serve writes the named segment to w, honouring a single byte range.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, name string) {
	path, err := s.store.Resolve(name)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	total := st.Size()

	h := w.Header()
	h.Set("Content-Type", segment.MIMEType(name))
	h.Set("Accept-Ranges", "bytes")

	spec, ok := ParseRange(r.Header.Get("Range"))
	if !ok {
		h.Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			copyBody(w, f, total, name)
		}
		return
	}

	start, end, ok := spec.Clamp(total)
	if !ok {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	length := end - start + 1
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		http.Error(w, "seek failed", http.StatusInternalServerError)
		return
	}

	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		copyBody(w, f, length, name)
	}
}

func copyBody(w io.Writer, f io.Reader, n int64, name string) {
	if _, err := io.CopyN(w, f, n); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("rangefile: client went away", "name", name, "error", err)
	}
}
