// Package features detects ORB keypoints in incoming frames, matches them
// against the previous frame, and maintains the live track registry. ORB
// detection and descriptor matching come from the rdk keypoints package;
// this package adds the geometric match gate and track lifecycle on top.
package features

import (
	"image"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/vision/keypoints"
)

// TrackerConfig configures detection, matching, and track lifecycle.
type TrackerConfig struct {
	// MaxFeatures bounds the keypoints kept per frame.
	MaxFeatures int `yaml:"max_features"`
	// MaxMatchDistance is the Hamming distance cutoff for a descriptor match.
	MaxMatchDistance int `yaml:"max_match_distance"`
	// MaxDisplacementPx rejects matches that moved implausibly far between
	// consecutive frames.
	MaxDisplacementPx float64 `yaml:"max_displacement_px"`
	// MaxMissedFrames terminates a track after this many frames without a
	// continuation.
	MaxMissedFrames int `yaml:"max_missed_frames"`
}

// DefaultTrackerConfig returns the tracker defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxFeatures:       2000,
		MaxMatchDistance:  64,
		MaxDisplacementPx: 100,
		MaxMissedFrames:   3,
	}
}

// Validate checks the tracker parameters.
func (cfg *TrackerConfig) Validate() error {
	if cfg.MaxFeatures < 8 {
		return errors.Errorf("max_features must be at least 8, got %d", cfg.MaxFeatures)
	}
	if cfg.MaxMatchDistance <= 0 {
		return errors.New("max_match_distance must be positive")
	}
	if cfg.MaxDisplacementPx <= 0 {
		return errors.New("max_displacement_px must be positive")
	}
	if cfg.MaxMissedFrames < 1 {
		return errors.New("max_missed_frames must be at least 1")
	}
	return nil
}

// Match pairs a previous-frame point with a current-frame point sharing a
// track.
type Match struct {
	TrackID  TrackID
	Previous r2.Point
	Current  r2.Point
}

// FrameResult is the tracker's per-frame output: the match set against the
// previous frame and the tracks terminated at this frame, handed off by
// value for triangulation attempts.
type FrameResult struct {
	FrameIndex  int
	Matches     []Match
	DetectedN   int
	NewTracks   int
	Terminated  []*Track
	SurvivedIDs map[TrackID]bool
}

// frameFeatures caches a processed frame's detections.
type frameFeatures struct {
	frameIndex  int
	points      keypoints.KeyPoints
	descriptors []keypoints.Descriptor
	trackIDs    []TrackID
}

// Tracker runs detection and matching for one ordered frame stream.
type Tracker struct {
	cfg         TrackerConfig
	orbCfg      *keypoints.ORBConfig
	samplePairs *keypoints.SamplePairs
	registry    *Registry
	prev        *frameFeatures
	logger      golog.Logger
}

// NewTracker returns a Tracker with a validated configuration.
func NewTracker(cfg TrackerConfig, logger golog.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracker config")
	}
	orbCfg := &keypoints.ORBConfig{
		Layers:          4,
		DownscaleFactor: 2,
		FastConf: &keypoints.FASTConfig{
			NMatchesCircle: 9,
			NMSWinSize:     7,
			Threshold:      20,
		},
		BRIEFConf: &keypoints.BRIEFConfig{
			N:              256,
			Sampling:       2,
			UseOrientation: true,
			PatchSize:      48,
		},
	}
	sp := keypoints.GenerateSamplePairs(orbCfg.BRIEFConf.Sampling, orbCfg.BRIEFConf.N, orbCfg.BRIEFConf.PatchSize)
	return &Tracker{
		cfg:         cfg,
		orbCfg:      orbCfg,
		samplePairs: sp,
		registry:    NewRegistry(cfg.MaxMissedFrames),
		logger:      logger,
	}, nil
}

// Registry exposes the live track registry (read-mostly; mutation is the
// tracker's job).
func (t *Tracker) Registry() *Registry {
	return t.registry
}

// ProcessFrame detects features in img, matches them against the previous
// frame, and updates the track registry. Frames must arrive in strictly
// increasing index order.
func (t *Tracker) ProcessFrame(frameIndex int, img *image.Gray) (*FrameResult, error) {
	if t.prev != nil && frameIndex <= t.prev.frameIndex {
		return nil, errors.Errorf("frame %d arrived after frame %d", frameIndex, t.prev.frameIndex)
	}
	descs, kps, err := keypoints.ComputeORBKeypoints(img, t.samplePairs, t.orbCfg)
	if err != nil {
		return nil, errors.Wrap(err, "computing ORB keypoints")
	}
	if len(kps) > t.cfg.MaxFeatures {
		kps = kps[:t.cfg.MaxFeatures]
		descs = descs[:t.cfg.MaxFeatures]
	}
	return t.integrate(frameIndex, kps, descs), nil
}

// Detect runs detection and description only. It reads no tracker state
// besides the immutable ORB configuration and sample pairs, so it is safe
// to call from a worker while earlier frames are still being integrated.
func (t *Tracker) Detect(img *image.Gray) (keypoints.KeyPoints, []keypoints.Descriptor, error) {
	descs, kps, err := keypoints.ComputeORBKeypoints(img, t.samplePairs, t.orbCfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "computing ORB keypoints")
	}
	return kps, descs, nil
}

// ProcessDetections integrates externally computed detections, used by the
// pipeline when the detection stage runs ahead on its own worker.
func (t *Tracker) ProcessDetections(frameIndex int, kps keypoints.KeyPoints, descs []keypoints.Descriptor) (*FrameResult, error) {
	if t.prev != nil && frameIndex <= t.prev.frameIndex {
		return nil, errors.Errorf("frame %d arrived after frame %d", frameIndex, t.prev.frameIndex)
	}
	if len(kps) > t.cfg.MaxFeatures {
		kps = kps[:t.cfg.MaxFeatures]
		descs = descs[:t.cfg.MaxFeatures]
	}
	return t.integrate(frameIndex, kps, descs), nil
}

func (t *Tracker) integrate(frameIndex int, kps keypoints.KeyPoints, descs []keypoints.Descriptor) *FrameResult {
	current := &frameFeatures{
		frameIndex:  frameIndex,
		points:      kps,
		descriptors: descs,
		trackIDs:    make([]TrackID, len(kps)),
	}
	result := &FrameResult{
		FrameIndex:  frameIndex,
		DetectedN:   len(kps),
		SurvivedIDs: make(map[TrackID]bool),
	}

	matchedCurrent := make([]bool, len(kps))
	if t.prev != nil && len(t.prev.descriptors) > 0 && len(descs) > 0 {
		matches := keypoints.MatchDescriptors(t.prev.descriptors, descs,
			&keypoints.MatchingConfig{DoCrossCheck: true, MaxDist: t.cfg.MaxMatchDistance}, t.logger)
		for _, m := range matches {
			prevPt := pointOf(t.prev.points[m.Idx1])
			currPt := pointOf(kps[m.Idx2])
			if prevPt.Sub(currPt).Norm() > t.cfg.MaxDisplacementPx {
				continue
			}
			id := t.prev.trackIDs[m.Idx1]
			t.registry.Extend(id, frameIndex, currPt)
			current.trackIDs[m.Idx2] = id
			matchedCurrent[m.Idx2] = true
			result.SurvivedIDs[id] = true
			result.Matches = append(result.Matches, Match{TrackID: id, Previous: prevPt, Current: currPt})
		}
	}

	for i := range kps {
		if matchedCurrent[i] {
			continue
		}
		current.trackIDs[i] = t.registry.Start(frameIndex, pointOf(kps[i]))
		result.NewTracks++
	}

	t.registry.AdvanceFrame(result.SurvivedIDs)
	result.Terminated = t.registry.CollectTerminated()
	t.prev = current
	return result
}

func pointOf(pt image.Point) r2.Point {
	return r2.Point{X: float64(pt.X), Y: float64(pt.Y)}
}
