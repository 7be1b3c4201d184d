package cvmedia

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/media"
)

func gradientFrame(w, h int, shift byte) frame.Frame {
	data := make([]byte, w*h*frame.BytesPerPixel)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			data[i+0] = byte(x) + shift
			data[i+1] = byte(y)
			data[i+2] = 128
		}
	}
	return frame.Frame{Width: w, Height: h, Data: data}
}

func TestMatRoundTrip(t *testing.T) {
	f := gradientFrame(32, 16, 0)

	mat, err := MatFromFrame(f)
	if err != nil {
		t.Fatalf("MatFromFrame failed: %v", err)
	}
	defer mat.Close()

	if mat.Rows() != 16 || mat.Cols() != 32 {
		t.Fatalf("mat is %dx%d, want 32x16", mat.Cols(), mat.Rows())
	}

	back, err := FrameFromMat(mat)
	if err != nil {
		t.Fatalf("FrameFromMat failed: %v", err)
	}
	for i := range f.Data {
		if back.Data[i] != f.Data[i] {
			t.Fatalf("byte %d: got %d, want %d", i, back.Data[i], f.Data[i])
		}
	}
}

func TestOpenDecoderMissingFile(t *testing.T) {
	_, err := New().OpenDecoder(filepath.Join(t.TempDir(), "missing.avi"))
	if !errors.Is(err, media.ErrDecode) {
		t.Fatalf("OpenDecoder() = %v, want ErrDecode", err)
	}
}

func TestOpenEncoderInvalidFourCC(t *testing.T) {
	_, err := New().OpenEncoder(filepath.Join(t.TempDir(), "x.avi"), media.Codec{FourCC: "BAD", Extension: ".avi"}, 20, 64, 48)
	if !errors.Is(err, media.ErrEncoderUnavailable) {
		t.Fatalf("OpenEncoder() = %v, want ErrEncoderUnavailable", err)
	}
}

// TestWriteReadSeek writes a short MJPG clip and reads it back.
func TestWriteReadSeek(t *testing.T) {
	backend := New()
	path := filepath.Join(t.TempDir(), "clip.avi")

	enc, err := backend.OpenEncoder(path, media.Codec{FourCC: "MJPG", Extension: ".avi"}, 10, 64, 48)
	if err != nil {
		t.Skipf("Skipping test: MJPG writer not available: %v", err)
	}
	for i := 0; i < 40; i++ {
		if err := enc.Write(gradientFrame(64, 48, byte(i))); err != nil {
			t.Fatalf("Write frame %d: %v", i, err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		t.Fatalf("clip not written: %v", err)
	}

	dec, err := backend.OpenDecoder(path)
	if err != nil {
		t.Fatalf("OpenDecoder failed: %v", err)
	}
	defer dec.Close()

	info := dec.Info()
	if info.FrameCount != 40 {
		t.Errorf("FrameCount = %d, want 40", info.FrameCount)
	}
	if info.FPS != 10 {
		t.Errorf("FPS = %v, want 10", info.FPS)
	}
	if info.Duration() != 4*time.Second {
		t.Errorf("Duration = %v, want 4s", info.Duration())
	}

	f, ok := dec.Read()
	if !ok {
		t.Fatal("Read() failed on first frame")
	}
	if f.Width != 64 || f.Height != 48 {
		t.Errorf("decoded %s, want 64x48", f.Resolution())
	}

	if !dec.SeekFrame(20) {
		t.Fatal("SeekFrame(20) failed")
	}
	if pos := dec.Position(); pos != 20 {
		t.Errorf("Position() = %d, want 20", pos)
	}
	if _, ok := dec.Read(); !ok {
		t.Error("Read() after seek failed")
	}
}
