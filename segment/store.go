package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/topqaz/nvr/media"
)

// Store is the recordings directory.
type Store struct {
	dir      string
	decoders media.DecoderFactory
}

// Entry is one listed segment.
type Entry struct {
	Name      string
	Size      int64
	ModTime   time.Time
	MIMEType  string
	Extension string
	Validity  Validity
}

// VideoInfo is the metadata served by the video-info endpoint.
type VideoInfo struct {
	// Duration in seconds (FrameCount/FPS, 0 when FPS is non-positive)
	Duration   float64 `json:"duration"`
	FrameCount int     `json:"frame_count"`
	FPS        float64 `json:"fps"`
	FileSize   int64   `json:"file_size"`
}

// NewStore opens dir, creating it if missing.
func NewStore(dir string, decoders media.DecoderFactory) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("segment: recordings directory is required")
	}
	if decoders == nil {
		return nil, fmt.Errorf("segment: decoder factory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", dir, err)
	}
	return &Store{dir: dir, decoders: decoders}, nil
}

// Dir returns the recordings directory.
func (s *Store) Dir() string {
	return s.dir
}

// Decoders returns the decoder factory used for validation.
func (s *Store) Decoders() media.DecoderFactory {
	return s.decoders
}

// Path joins name onto the recordings directory without checking it.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Resolve maps a client-supplied name to the path of a finished segment.
//
// Names containing path separators, "..", or a leading "." never resolve.
func (s *Store) Resolve(name string) (string, error) {
	if name == "" || Hidden(name) || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	path := s.Path(name)
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return path, nil
}

// Validate validates the segment file at path.
func (s *Store) Validate(path string) Validity {
	return Validate(s.decoders, path)
}

// List returns every valid, finished video segment, newest first.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("segment: list %s: %w", s.dir, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || Hidden(name) || !IsVideo(name) {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		v := s.Validate(s.Path(name))
		if !v.Valid() {
			slog.Debug("segment: skipping invalid file", "name", name, "reason", v.Reason)
			continue
		}

		entries = append(entries, Entry{
			Name:      name,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			MIMEType:  MIMEType(name),
			Extension: Extension(name),
			Validity:  v,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].Name > entries[j].Name
		}
		return entries[i].ModTime.After(entries[j].ModTime)
	})

	return entries, nil
}

// Info reads duration, frame count, fps and size of a segment.
//
// Returns ErrNotFound for unknown names and media.ErrDecode for files the
// decoder cannot open.
func (s *Store) Info(name string) (VideoInfo, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return VideoInfo{}, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return VideoInfo{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	dec, err := s.decoders.OpenDecoder(path)
	if err != nil {
		return VideoInfo{}, fmt.Errorf("segment: info %q: %w", name, err)
	}
	defer dec.Close()

	mi := dec.Info()
	var duration float64
	if mi.FPS > 0 {
		duration = float64(mi.FrameCount) / mi.FPS
	}
	return VideoInfo{
		Duration:   duration,
		FrameCount: mi.FrameCount,
		FPS:        mi.FPS,
		FileSize:   st.Size(),
	}, nil
}
