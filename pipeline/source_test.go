package pipeline

import (
	"context"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-mono-recon/internal/testhelper"
)

func TestGlobSourceOrderAndEOF(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()
	names := []string{"img_002.png", "img_000.png", "img_001.png"}
	for i, name := range names {
		f, err := os.Create(filepath.Join(dir, name))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, png.Encode(f, testhelper.TextureImage(64, 48, uint32(i+1))), test.ShouldBeNil)
		test.That(t, f.Close(), test.ShouldBeNil)
	}

	src, err := NewGlobSource(filepath.Join(dir, "*.png"), 10, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		frame, err := src.Next(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame.Index, test.ShouldEqual, i)
		test.That(t, frame.Timestamp, test.ShouldAlmostEqual, float64(i)/10, 1e-12)
		test.That(t, frame.Image, test.ShouldNotBeNil)
	}
	_, err = src.Next(ctx)
	test.That(t, err, test.ShouldEqual, io.EOF)
	test.That(t, src.Skipped(), test.ShouldEqual, 0)
}

func TestGlobSourceSkipsUnreadable(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()
	test.That(t, os.WriteFile(filepath.Join(dir, "img_000.png"), []byte("not an image"), 0o600), test.ShouldBeNil)
	f, err := os.Create(filepath.Join(dir, "img_001.png"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, png.Encode(f, testhelper.TextureImage(64, 48, 2)), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)

	src, err := NewGlobSource(filepath.Join(dir, "*.png"), 30, logger)
	test.That(t, err, test.ShouldBeNil)

	frame, err := src.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	// The unreadable file consumed index 0.
	test.That(t, frame.Index, test.ShouldEqual, 1)
	test.That(t, src.Skipped(), test.ShouldEqual, 1)

	_, err = src.Next(context.Background())
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestGlobSourceNoMatches(t *testing.T) {
	_, err := NewGlobSource(filepath.Join(t.TempDir(), "*.png"), 30, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGlobSourceCanceledContext(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "img_000.png"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, png.Encode(f, testhelper.TextureImage(64, 48, 3)), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)

	src, err := NewGlobSource(filepath.Join(dir, "*.png"), 30, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	test.That(t, err, test.ShouldEqual, context.Canceled)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	bad := DefaultConfig()
	bad.QueueDepth = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = DefaultConfig()
	bad.Keyframe.TranslationThresholdM = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = DefaultConfig()
	bad.Keyframe.CoverageThreshold = 1.5
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = DefaultConfig()
	bad.Keyframe.MinFrameInterval = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}
