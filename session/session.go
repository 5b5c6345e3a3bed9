// Package session owns the reconstruction session aggregate: the camera
// intrinsics, the pose sequence, the promoted keyframes, and the fused
// point cloud, along with the on-disk artifact layout. A session moves
// through Empty, Tracking, PoseLost, and Finalized states; Finalized is
// terminal and every later mutation fails.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/viamrobotics/viam-mono-recon/camera"
	"github.com/viamrobotics/viam-mono-recon/fuse"
	"github.com/viamrobotics/viam-mono-recon/motion"
)

// State is the externally observable lifecycle state of a session.
type State string

// Session lifecycle states.
const (
	StateEmpty     = State("empty")
	StateTracking  = State("tracking")
	StatePoseLost  = State("pose_lost")
	StateFinalized = State("finalized")
)

var (
	// ErrSessionFinalized is returned by any mutation attempted after
	// finalize.
	ErrSessionFinalized = errors.New("session is finalized")
	// ErrInsufficientKeyframes is returned by export when fewer than two
	// keyframes exist.
	ErrInsufficientKeyframes = errors.New("insufficient keyframes")
)

// MinExportKeyframes is the smallest keyframe count a meaningful export
// needs.
const MinExportKeyframes = 2

// Keyframe is a promoted frame. Immutable once added to the session.
type Keyframe struct {
	ID         int          `json:"id"`
	FrameIndex int          `json:"frame_index"`
	Timestamp  float64      `json:"timestamp"`
	Pose       *motion.Pose `json:"-"`
	// TrackIDs are the live tracks accepted at promotion time.
	TrackIDs []uint64 `json:"track_ids"`
}

// FrameRecord is one row of frames.jsonl.
type FrameRecord struct {
	FrameIndex  int     `json:"frame_index"`
	Timestamp   float64 `json:"timestamp"`
	PoseStatus  string  `json:"pose_status"`
	InlierRatio float64 `json:"inlier_ratio"`
}

// Session aggregates everything a capture/reconstruct run produces. It is
// not safe for concurrent use; the coordinator owns it.
type Session struct {
	id        string
	dir       string
	createdAt time.Time
	state     State
	logger    golog.Logger

	intrinsics *camera.Intrinsics
	fuseCfg    fuse.Config
	fuser      *fuse.Fuser

	poses     []*motion.Pose
	frames    []FrameRecord
	keyframes []*Keyframe

	skippedFrames    int
	degenerateTracks int

	framesFile *os.File
}

// New creates a session rooted under dir. The directory is allocated with
// a _runNN suffix when a previous run already used the name, and the
// intrinsics are persisted immediately.
func New(root, name string, intrinsics *camera.Intrinsics, fuseCfg fuse.Config, logger golog.Logger) (*Session, error) {
	if intrinsics == nil {
		return nil, camera.NewInvalidIntrinsicsError("no intrinsics supplied")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	dir, err := allocateRunDir(root, name)
	if err != nil {
		return nil, err
	}
	fuser, err := fuse.NewFuser(fuseCfg, logger)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:         uuid.New().String(),
		dir:        dir,
		createdAt:  time.Now().UTC(),
		state:      StateEmpty,
		logger:     logger,
		intrinsics: intrinsics,
		fuseCfg:    fuseCfg,
		fuser:      fuser,
	}
	if err := camera.SaveIntrinsics(filepath.Join(dir, intrinsicsFile), intrinsics); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, framesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open frame log")
	}
	s.framesFile = f
	if err := s.writeMeta(); err != nil {
		return nil, err
	}
	logger.Infow("session created", "id", s.id, "dir", dir)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Dir returns the session's artifact directory.
func (s *Session) Dir() string { return s.dir }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Intrinsics returns the session camera model.
func (s *Session) Intrinsics() *camera.Intrinsics { return s.intrinsics }

// Fuser returns the session's point cloud fuser.
func (s *Session) Fuser() *fuse.Fuser { return s.fuser }

// Poses returns the pose sequence in frame order.
func (s *Session) Poses() []*motion.Pose { return s.poses }

// Keyframes returns the promoted keyframes in order.
func (s *Session) Keyframes() []*Keyframe { return s.keyframes }

// FrameRecords returns the per-frame status rows in order.
func (s *Session) FrameRecords() []FrameRecord { return s.frames }

// SkippedFrames reports the count of source frames skipped before the core.
func (s *Session) SkippedFrames() int { return s.skippedFrames }

// DegenerateTracks reports the count of tracks rejected by triangulation.
func (s *Session) DegenerateTracks() int { return s.degenerateTracks }

func (s *Session) checkMutable() error {
	if s.state == StateFinalized {
		return ErrSessionFinalized
	}
	return nil
}

// RecordFrame appends a frame's pose and status row. Frame indices must be
// strictly increasing.
func (s *Session) RecordFrame(pose *motion.Pose, timestamp float64) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	if n := len(s.poses); n > 0 && pose.FrameIndex <= s.poses[n-1].FrameIndex {
		return errors.Errorf("frame index %d not after %d", pose.FrameIndex, s.poses[n-1].FrameIndex)
	}
	s.poses = append(s.poses, pose)
	rec := FrameRecord{
		FrameIndex:  pose.FrameIndex,
		Timestamp:   timestamp,
		PoseStatus:  string(pose.Status),
		InlierRatio: pose.InlierRatio,
	}
	s.frames = append(s.frames, rec)
	if pose.Status == motion.PoseStatusLost {
		s.state = StatePoseLost
	} else {
		s.state = StateTracking
	}
	return s.appendFrameRecord(rec)
}

// AddKeyframe promotes a frame. The first keyframe must carry the identity
// pose, anchoring the session's reference frame.
func (s *Session) AddKeyframe(kf *Keyframe) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	if len(s.keyframes) == 0 && !kf.Pose.IsIdentity() {
		return errors.New("first keyframe pose must be identity")
	}
	kf.ID = len(s.keyframes)
	s.keyframes = append(s.keyframes, kf)
	return nil
}

// FusePoint hands a triangulated candidate to the fuser.
func (s *Session) FusePoint(cand fuse.Candidate) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.fuser.Add(cand)
	return nil
}

// Downsample advances the cloud generation.
func (s *Session) Downsample() error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.fuser.Downsample()
	return nil
}

// RecordSkippedFrame notes a source frame that never reached the core.
func (s *Session) RecordSkippedFrame() { s.skippedFrames++ }

// RecordDegenerateTrack notes a track triangulation rejected as degenerate.
func (s *Session) RecordDegenerateTrack() { s.degenerateTracks++ }

// Close releases the session's open file handles. Safe to call more than
// once.
func (s *Session) Close() error {
	if s.framesFile == nil {
		return nil
	}
	err := s.framesFile.Close()
	s.framesFile = nil
	return err
}

// allocateRunDir creates <root>/<name> or, when taken, the first free
// <root>/<name>_runNN.
func allocateRunDir(root, name string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create session root")
	}
	candidate := filepath.Join(root, name)
	for n := 1; ; n++ {
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", errors.Wrap(err, "failed to create session directory")
		}
		candidate = filepath.Join(root, fmt.Sprintf("%s_run%02d", name, n))
	}
}
