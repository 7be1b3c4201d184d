// Command test-capture opens the camera, prints capture statistics and
// optionally saves JPEG snapshots. It exercises the same device backends and
// capture loop as nvr without recording or serving anything.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/topqaz/nvr/capture"
	"github.com/topqaz/nvr/capture/cvdevice"
	"github.com/topqaz/nvr/capture/gstdevice"
	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/framebus"
)

const version = "v0.1.0"

func main() {
	backend := flag.String("backend", "gstreamer", "Camera backend: gstreamer, opencv")
	device := flag.String("device", "/dev/video0", "V4L2 device (gstreamer)")
	index := flag.Int("index", 0, "Camera index (opencv)")
	resolution := flag.String("resolution", "720p", "Resolution: 480p, 720p, 1080p")
	interval := flag.Duration("interval", 30*time.Millisecond, "Capture interval")
	outputDir := flag.String("output", "", "Directory to save snapshots (optional)")
	jpegQuality := flag.Int("jpeg-quality", 90, "JPEG quality (1-100)")
	saveEvery := flag.Duration("save-every", time.Second, "Snapshot cadence when -output is set")
	maxFrames := flag.Uint64("max-frames", 0, "Stop after this many captured frames (0 = unlimited)")
	statsInterval := flag.Duration("stats-interval", 10*time.Second, "Time between stats reports")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("test-capture %s\n", version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	res, err := capture.ParseResolution(*resolution)
	if err != nil {
		log.Fatalf("Invalid resolution: %v", err)
	}
	width, height := res.Dimensions()

	var dev capture.Device
	switch *backend {
	case "gstreamer":
		dev, err = gstdevice.New(gstdevice.Config{Device: *device, Width: width, Height: height})
	case "opencv":
		dev, err = cvdevice.New(cvdevice.Config{Index: *index, Width: width, Height: height})
	default:
		log.Fatalf("Invalid backend: %s (must be gstreamer or opencv)", *backend)
	}
	if err != nil {
		log.Fatalf("Failed to create device: %v", err)
	}

	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0o755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	fmt.Printf("\ntest-capture %s\n", version)
	fmt.Printf("  Device:      %s\n", dev.Name())
	fmt.Printf("  Resolution:  %s\n", res)
	fmt.Printf("  Interval:    %s\n", *interval)
	if *outputDir != "" {
		fmt.Printf("  Output Dir:  %s (every %s)\n", *outputDir, *saveEvery)
	}
	fmt.Printf("\n")

	bus := framebus.New()
	loop, err := capture.NewLoop(dev, bus, capture.Config{
		Interval:    *interval,
		ReopenDelay: time.Second,
		Watermark:   true,
	})
	if err != nil {
		log.Fatalf("Failed to create capture loop: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	start := time.Now()
	var (
		saved    int
		bytesOut uint64
		seen     uint64
	)

	statsTicker := time.NewTicker(*statsInterval)
	defer statsTicker.Stop()
	saveTicker := time.NewTicker(*saveEvery)
	defer saveTicker.Stop()

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false

		case <-statsTicker.C:
			printStats(loop.Stats(), bus.Stats(), time.Since(start), saved)

		case <-saveTicker.C:
			if *outputDir == "" {
				break
			}
			snap, ok := bus.SnapshotSince(seen)
			if !ok {
				break
			}
			seen = snap.Version
			n, err := saveFrame(*outputDir, snap.Frame, *jpegQuality)
			if err != nil {
				slog.Error("test-capture: failed to save frame", "error", err, "seq", snap.Frame.Seq)
				break
			}
			saved++
			bytesOut += uint64(n)
		}

		if *maxFrames > 0 && loop.Stats().FramesCaptured >= *maxFrames {
			fmt.Printf("\nReached maximum frames (%d), stopping...\n", *maxFrames)
			running = false
		}
	}

	cancel()
	<-done

	stats := loop.Stats()
	fmt.Printf("\nFinal statistics\n")
	fmt.Printf("  Uptime:          %s\n", time.Since(start).Round(time.Second))
	fmt.Printf("  Frames Captured: %d\n", stats.FramesCaptured)
	fmt.Printf("  Average FPS:     %.2f\n", stats.FPSReal)
	fmt.Printf("  Reopens:         %d\n", stats.Reopens)
	if *outputDir != "" {
		fmt.Printf("  Snapshots:       %d (%s)\n", saved, humanize.Bytes(bytesOut))
	}
}

func printStats(cs capture.Stats, bs framebus.Stats, uptime time.Duration, saved int) {
	fmt.Printf("[%s] frames=%d fps=%.2f open=%v res=%s read_failures=%d reopens=%d bus_version=%d saved=%d\n",
		uptime.Round(time.Second),
		cs.FramesCaptured,
		cs.FPSReal,
		cs.IsOpen,
		cs.Resolution,
		cs.ReadFailures,
		cs.Reopens,
		bs.Version,
		saved,
	)
	if errs := cs.ErrorsDevice + cs.ErrorsPermission + cs.ErrorsBusy + cs.ErrorsFormat + cs.ErrorsUnknown; errs > 0 {
		fmt.Printf("    errors: device=%d permission=%d busy=%d format=%d unknown=%d\n",
			cs.ErrorsDevice, cs.ErrorsPermission, cs.ErrorsBusy, cs.ErrorsFormat, cs.ErrorsUnknown)
	}
}

// saveFrame writes f as a JPEG named after its sequence and timestamp.
func saveFrame(dir string, f frame.Frame, quality int) (int, error) {
	data, err := frame.EncodeJPEG(f, quality)
	if err != nil {
		return 0, err
	}
	name := fmt.Sprintf("frame_%06d_%s.jpg", f.Seq, f.Timestamp.Format("20060102_150405.000"))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", name, err)
	}
	return len(data), nil
}
