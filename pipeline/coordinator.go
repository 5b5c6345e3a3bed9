// Package pipeline coordinates the per-frame reconstruction stages:
// feature tracking, pose estimation, keyframe selection, triangulation,
// and point cloud fusion, in strict frame order over a session. Detection
// runs ahead on its own worker behind a bounded queue; everything after it
// consumes in order with exclusive ownership of its stage state.
package pipeline

import (
	"context"
	"image"
	"io"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/vision/keypoints"

	"github.com/viamrobotics/viam-mono-recon/features"
	"github.com/viamrobotics/viam-mono-recon/fuse"
	"github.com/viamrobotics/viam-mono-recon/motion"
	"github.com/viamrobotics/viam-mono-recon/session"
	"github.com/viamrobotics/viam-mono-recon/triangulate"
)

// KeyframeConfig controls keyframe promotion.
type KeyframeConfig struct {
	// TranslationThresholdM promotes when the camera has moved this far
	// since the last keyframe.
	TranslationThresholdM float64 `yaml:"translation_threshold_m"`
	// CoverageThreshold promotes when the fraction of the last keyframe's
	// tracks still alive falls below this.
	CoverageThreshold float64 `yaml:"coverage_threshold"`
	// MinFrameInterval blocks promotion within this many frames of the
	// last keyframe.
	MinFrameInterval int `yaml:"min_frame_interval"`
	// MinBlurScore blocks promotion of frames scoring below this
	// variance-of-Laplacian floor. Zero disables the guard.
	MinBlurScore float64 `yaml:"min_blur_score"`
}

// DefaultKeyframeConfig returns the keyframe selector defaults.
func DefaultKeyframeConfig() KeyframeConfig {
	return KeyframeConfig{
		TranslationThresholdM: 0.05,
		CoverageThreshold:     0.5,
		MinFrameInterval:      1,
		MinBlurScore:          0,
	}
}

// Validate checks the keyframe parameters.
func (cfg *KeyframeConfig) Validate() error {
	if cfg.TranslationThresholdM <= 0 {
		return errors.New("translation_threshold_m must be positive")
	}
	if cfg.CoverageThreshold <= 0 || cfg.CoverageThreshold > 1 {
		return errors.New("coverage_threshold must be in (0, 1]")
	}
	if cfg.MinFrameInterval < 1 {
		return errors.New("min_frame_interval must be at least 1")
	}
	if cfg.MinBlurScore < 0 {
		return errors.New("min_blur_score cannot be negative")
	}
	return nil
}

// Config assembles the stage configurations.
type Config struct {
	Tracker      features.TrackerConfig `yaml:"tracking"`
	Estimator    motion.EstimatorConfig `yaml:"motion"`
	Keyframe     KeyframeConfig         `yaml:"keyframes"`
	Triangulator triangulate.Config     `yaml:"triangulation"`
	// QueueDepth bounds the detection stage's lead over the consumer.
	QueueDepth int `yaml:"queue_depth"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		Tracker:      features.DefaultTrackerConfig(),
		Estimator:    motion.DefaultEstimatorConfig(),
		Keyframe:     DefaultKeyframeConfig(),
		Triangulator: triangulate.DefaultConfig(),
		QueueDepth:   4,
	}
}

// Validate checks every stage configuration.
func (cfg *Config) Validate() error {
	if err := cfg.Tracker.Validate(); err != nil {
		return err
	}
	if err := cfg.Estimator.Validate(); err != nil {
		return err
	}
	if err := cfg.Keyframe.Validate(); err != nil {
		return err
	}
	if err := cfg.Triangulator.Validate(); err != nil {
		return err
	}
	if cfg.QueueDepth < 1 {
		return errors.New("queue_depth must be at least 1")
	}
	return nil
}

// Coordinator owns the session and drives each frame through the stages.
// Not safe for concurrent use; Run serializes everything after detection.
type Coordinator struct {
	cfg    Config
	logger golog.Logger

	sess         *session.Session
	tracker      *features.Tracker
	estimator    *motion.Estimator
	triangulator *triangulate.Triangulator
	kMat         *mat.Dense

	lastKeyframe *session.Keyframe

	activeBackgroundWorkers sync.WaitGroup
}

// NewCoordinator wires the stages over an existing session.
func NewCoordinator(cfg Config, sess *session.Session, logger golog.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tracker, err := features.NewTracker(cfg.Tracker, logger)
	if err != nil {
		return nil, err
	}
	estimator, err := motion.NewEstimator(cfg.Estimator, logger)
	if err != nil {
		return nil, err
	}
	triangulator, err := triangulate.New(cfg.Triangulator, sess.Intrinsics())
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:          cfg,
		logger:       logger,
		sess:         sess,
		tracker:      tracker,
		estimator:    estimator,
		triangulator: triangulator,
		kMat:         sess.Intrinsics().Matrix(),
	}, nil
}

// Session returns the coordinator's session.
func (c *Coordinator) Session() *session.Session {
	return c.sess
}

// ProcessFrame runs one frame through detection and every later stage.
func (c *Coordinator) ProcessFrame(ctx context.Context, frame *Frame) error {
	_, span := trace.StartSpan(ctx, "pipeline::ProcessFrame")
	defer span.End()

	result, err := c.tracker.ProcessFrame(frame.Index, frame.Image)
	if err != nil {
		return err
	}
	return c.consume(frame, result)
}

// consume runs the in-order stages on a frame whose detections are already
// integrated into the tracker.
func (c *Coordinator) consume(frame *Frame, result *features.FrameResult) error {
	pose := c.estimatePose(frame.Index, result)
	if err := c.sess.RecordFrame(pose, frame.Timestamp); err != nil {
		return err
	}

	// Tracks leaving the registry get one last triangulation attempt.
	for _, track := range result.Terminated {
		c.resolveTrack(track, true)
	}

	if c.shouldPromote(frame, pose, result) {
		if err := c.promote(frame, pose, result); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) estimatePose(frameIndex int, result *features.FrameResult) *motion.Pose {
	poses := c.sess.Poses()
	if len(poses) == 0 {
		return motion.IdentityPose(frameIndex)
	}
	prev := poses[len(poses)-1]

	prevPts, currPts := splitMatches(result.Matches)
	m, err := c.estimator.EstimateMotion(prevPts, currPts, c.kMat)
	if err != nil {
		c.logger.Debugw("pose estimation failed, carrying previous pose",
			"frame", frameIndex, "matches", len(result.Matches), "error", err)
		return prev.CarryForward(frameIndex)
	}
	return prev.Compose(frameIndex, m, c.estimator.Status(m))
}

func (c *Coordinator) shouldPromote(frame *Frame, pose *motion.Pose, result *features.FrameResult) bool {
	if pose.Status == motion.PoseStatusLost {
		return false
	}
	if c.lastKeyframe == nil {
		return true
	}
	if frame.Index-c.lastKeyframe.FrameIndex < c.cfg.Keyframe.MinFrameInterval {
		return false
	}
	if c.cfg.Keyframe.MinBlurScore > 0 && laplacianVariance(frame.Image) < c.cfg.Keyframe.MinBlurScore {
		return false
	}
	moved := pose.Translation.Sub(c.lastKeyframe.Pose.Translation).Norm()
	if moved > c.cfg.Keyframe.TranslationThresholdM {
		return true
	}
	return c.keyframeCoverage(result) < c.cfg.Keyframe.CoverageThreshold
}

// keyframeCoverage is the fraction of the last keyframe's tracks that
// survived into the current frame.
func (c *Coordinator) keyframeCoverage(result *features.FrameResult) float64 {
	if len(c.lastKeyframe.TrackIDs) == 0 {
		return 0
	}
	survived := 0
	for _, id := range c.lastKeyframe.TrackIDs {
		if result.SurvivedIDs[features.TrackID(id)] {
			survived++
		}
	}
	return float64(survived) / float64(len(c.lastKeyframe.TrackIDs))
}

func (c *Coordinator) promote(frame *Frame, pose *motion.Pose, result *features.FrameResult) error {
	trackIDs := make([]uint64, 0, len(result.SurvivedIDs))
	for _, track := range c.tracker.Registry().LiveTracks() {
		trackIDs = append(trackIDs, uint64(track.ID))
	}
	kf := &session.Keyframe{
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp,
		Pose:       pose,
		TrackIDs:   trackIDs,
	}
	if err := c.sess.AddKeyframe(kf); err != nil {
		return err
	}
	c.lastKeyframe = kf
	c.logger.Infow("keyframe promoted",
		"keyframe", kf.ID, "frame", frame.Index, "live_tracks", len(trackIDs))

	// Live tracks now spanning two keyframes become cloud candidates;
	// degenerate ones stay live for a retry at the next keyframe.
	for _, track := range c.tracker.Registry().LiveTracks() {
		if c.resolveTrack(track, false) {
			c.tracker.Registry().Retire(track.ID)
		}
	}
	if err := c.sess.Downsample(); err != nil {
		return err
	}
	return c.sess.Checkpoint()
}

// resolveTrack attempts to triangulate a track against the promoted
// keyframes. Returns true when a point was fused. final marks tracks
// leaving the registry, whose degenerate failures are recorded.
func (c *Coordinator) resolveTrack(track *features.Track, final bool) bool {
	obs := c.keyframeObservations(track)
	if len(obs) < 2 {
		return false
	}
	result, err := c.triangulator.Solve(obs)
	if err != nil {
		if final && errors.Is(err, triangulate.ErrDegenerate) {
			c.sess.RecordDegenerateTrack()
		}
		return false
	}
	sources := make([]fuse.Source, 0, len(result.KeyframeIDs))
	for _, kfID := range result.KeyframeIDs {
		sources = append(sources, fuse.Source{KeyframeID: kfID, TrackID: uint64(track.ID)})
	}
	if err := c.sess.FusePoint(fuse.Candidate{
		Position:   result.Position,
		Confidence: result.Confidence,
		Sources:    sources,
	}); err != nil {
		c.logger.Warnw("failed to fuse point", "track", track.ID, "error", err)
		return false
	}
	return true
}

// keyframeObservations filters a track's observations down to the frames
// that were promoted to keyframes.
func (c *Coordinator) keyframeObservations(track *features.Track) []triangulate.Observation {
	var out []triangulate.Observation
	for _, kf := range c.sess.Keyframes() {
		for _, o := range track.Observations {
			if o.FrameIndex == kf.FrameIndex {
				out = append(out, triangulate.Observation{
					KeyframeID: kf.ID,
					Pose:       kf.Pose,
					Pixel:      o.Point,
				})
				break
			}
		}
	}
	return out
}

// Run drains the source through the two-stage pipeline until it ends or
// ctx is canceled. Detection runs ahead on a background worker behind a
// bounded channel; the calling goroutine consumes results in order. On
// cancellation any in-flight frame is discarded and the session stays
// exportable.
func (c *Coordinator) Run(ctx context.Context, src Source) error {
	ctx, span := trace.StartSpan(ctx, "pipeline::Run")
	defer span.End()

	// The producer blocks on the queue send until the consumer reads or
	// ctx is done, so an early consumer return must cancel before waiting.
	ctx, cancel := context.WithCancel(ctx)
	defer c.activeBackgroundWorkers.Wait()
	defer cancel()

	type detected struct {
		frame *Frame
		kps   keypoints.KeyPoints
		descs []keypoints.Descriptor
		err   error
	}
	queue := make(chan detected, c.cfg.QueueDepth)

	c.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer c.activeBackgroundWorkers.Done()
		defer close(queue)
		for {
			frame, err := src.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				return
			}
			kps, descs, err := c.tracker.Detect(frame.Image)
			select {
			case queue <- detected{frame: frame, kps: kps, descs: descs, err: err}:
			case <-ctx.Done():
				return
			}
		}
	})

	processed := 0
	for d := range queue {
		if ctx.Err() != nil {
			continue
		}
		if d.err != nil {
			c.sess.RecordSkippedFrame()
			c.logger.Warnw("skipping frame, detection failed", "frame", d.frame.Index, "error", d.err)
			continue
		}
		result, err := c.tracker.ProcessDetections(d.frame.Index, d.kps, d.descs)
		if err != nil {
			return err
		}
		if err := c.consume(d.frame, result); err != nil {
			return err
		}
		processed++
	}
	for i := 0; i < src.Skipped(); i++ {
		c.sess.RecordSkippedFrame()
	}

	// Tracks still live at stream end get a final triangulation attempt.
	if ctx.Err() == nil {
		for _, track := range c.tracker.Registry().DrainLive() {
			c.resolveTrack(track, true)
		}
		if err := c.sess.Checkpoint(); err != nil {
			return err
		}
	}
	c.logger.Infow("pipeline finished",
		"frames", processed,
		"keyframes", len(c.sess.Keyframes()),
		"points", c.sess.Fuser().Current().Len())
	return nil
}

func splitMatches(matches []features.Match) ([]r2.Point, []r2.Point) {
	prev := make([]r2.Point, 0, len(matches))
	curr := make([]r2.Point, 0, len(matches))
	for _, m := range matches {
		prev = append(prev, m.Previous)
		curr = append(curr, m.Current)
	}
	return prev, curr
}

// laplacianVariance scores image sharpness; low values mean motion blur.
func laplacianVariance(img *image.Gray) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}
	n := 0
	sum, sumSq := 0.0, 0.0
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			v := 4*float64(img.GrayAt(x, y).Y) -
				float64(img.GrayAt(x-1, y).Y) - float64(img.GrayAt(x+1, y).Y) -
				float64(img.GrayAt(x, y-1).Y) - float64(img.GrayAt(x, y+1).Y)
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
