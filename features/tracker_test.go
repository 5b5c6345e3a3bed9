package features

import (
	"image"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-mono-recon/internal/testhelper"
)

func shiftImage(img *image.Gray, dx int) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sx := x + dx
			if sx >= b.Max.X {
				sx = b.Max.X - 1
			}
			out.SetGray(x, y, img.GrayAt(sx, y))
		}
	}
	return out
}

func TestTrackerConfigValidate(t *testing.T) {
	cfg := DefaultTrackerConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	bad := cfg
	bad.MaxFeatures = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.MaxMatchDistance = -1
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.MaxMissedFrames = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}

func TestTrackerFirstFrameStartsTracks(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tracker, err := NewTracker(DefaultTrackerConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	img := testhelper.TextureImage(320, 240, 7)
	result, err := tracker.ProcessFrame(0, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.DetectedN, test.ShouldBeGreaterThan, 0)
	test.That(t, result.NewTracks, test.ShouldEqual, result.DetectedN)
	test.That(t, len(result.Matches), test.ShouldEqual, 0)
	test.That(t, tracker.Registry().Live(), test.ShouldEqual, result.DetectedN)
}

func TestTrackerMatchesShiftedFrame(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tracker, err := NewTracker(DefaultTrackerConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	img := testhelper.TextureImage(320, 240, 7)
	first, err := tracker.ProcessFrame(0, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first.DetectedN, test.ShouldBeGreaterThan, 0)

	second, err := tracker.ProcessFrame(1, shiftImage(img, 2))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(second.Matches), test.ShouldBeGreaterThan, 0)
	for _, m := range second.Matches {
		test.That(t, second.SurvivedIDs[m.TrackID], test.ShouldBeTrue)
	}
}

func TestTrackerRejectsOutOfOrderFrames(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tracker, err := NewTracker(DefaultTrackerConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	img := testhelper.TextureImage(160, 120, 3)
	_, err = tracker.ProcessFrame(4, img)
	test.That(t, err, test.ShouldBeNil)
	_, err = tracker.ProcessFrame(4, img)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = tracker.ProcessFrame(2, img)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTrackerDisplacementGate(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cfg := DefaultTrackerConfig()
	cfg.MaxDisplacementPx = 1
	tracker, err := NewTracker(cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	img := testhelper.TextureImage(320, 240, 7)
	_, err = tracker.ProcessFrame(0, img)
	test.That(t, err, test.ShouldBeNil)

	// A 30 pixel shift exceeds the 1 pixel displacement gate, so matched
	// descriptors are dropped instead of extending tracks.
	result, err := tracker.ProcessFrame(1, shiftImage(img, 30))
	test.That(t, err, test.ShouldBeNil)
	for _, m := range result.Matches {
		test.That(t, m.Previous.Sub(m.Current).Norm(), test.ShouldBeLessThanOrEqualTo, 1.0)
	}
}

func TestTrackerDetectConsistentWithProcess(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tracker, err := NewTracker(DefaultTrackerConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	img := testhelper.TextureImage(320, 240, 11)
	kps, descs, err := tracker.Detect(img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(kps), test.ShouldEqual, len(descs))
	test.That(t, len(kps), test.ShouldBeGreaterThan, 0)

	result, err := tracker.ProcessDetections(0, kps, descs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.DetectedN, test.ShouldBeLessThanOrEqualTo, len(kps))
}
