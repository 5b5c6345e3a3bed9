package session

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/viam-mono-recon/camera"
	"github.com/viamrobotics/viam-mono-recon/fuse"
	"github.com/viamrobotics/viam-mono-recon/motion"
)

// Artifact file names within a session directory.
const (
	intrinsicsFile     = "intrinsics.json"
	framesFile         = "frames.jsonl"
	trajectoryFile     = "trajectory.json"
	reconstructionFile = "reconstruction.json"
	plyFile            = "pointcloud.ply"
	pcdFile            = "pointcloud.pcd"
	packetsDir         = "capture_packets"
	manifestFile       = "manifest.json"
)

// TrajectoryEntry is one row of trajectory.json. Rotation is a unit
// quaternion in xyzw order.
type TrajectoryEntry struct {
	FrameIndex  int        `json:"frame_index"`
	Rotation    [4]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"`
	Confidence  float64    `json:"confidence"`
}

// ReconstructionSummary is the reconstruction.json schema.
type ReconstructionSummary struct {
	PointCount    int         `json:"point_count"`
	KeyframeCount int         `json:"keyframe_count"`
	Generation    int         `json:"generation"`
	FilterParams  fuse.Config `json:"filter_params"`
}

func (s *Session) appendFrameRecord(rec FrameRecord) error {
	if s.framesFile == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode frame record")
	}
	if _, err := s.framesFile.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "failed to append frame record")
	}
	return nil
}

// Trajectory returns the pose sequence in trajectory.json form.
func (s *Session) Trajectory() []TrajectoryEntry {
	out := make([]TrajectoryEntry, 0, len(s.poses))
	for _, p := range s.poses {
		out = append(out, TrajectoryEntry{
			FrameIndex:  p.FrameIndex,
			Rotation:    p.Quaternion(),
			Translation: [3]float64{p.Translation.X, p.Translation.Y, p.Translation.Z},
			Confidence:  p.InlierRatio,
		})
	}
	return out
}

// Checkpoint persists the trajectory and reconstruction summary. Called at
// keyframe boundaries so a crash loses at most the frames since the last
// promoted keyframe.
func (s *Session) Checkpoint() error {
	if err := writeJSON(filepath.Join(s.dir, trajectoryFile), s.Trajectory()); err != nil {
		return err
	}
	cloud := s.fuser.Current()
	summary := ReconstructionSummary{
		PointCount:    cloud.Len(),
		KeyframeCount: len(s.keyframes),
		Generation:    cloud.Generation(),
		FilterParams:  s.fuseCfg,
	}
	if err := writeJSON(filepath.Join(s.dir, reconstructionFile), summary); err != nil {
		return err
	}
	return s.writeMeta()
}

func writeJSON(path string, v interface{}) error {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Base(path))
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return errors.Wrapf(enc.Encode(v), "failed to write %s", filepath.Base(path))
}

func readJSON(path string, v interface{}) error {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", filepath.Base(path))
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	return errors.Wrapf(json.NewDecoder(f).Decode(v), "failed to parse %s", filepath.Base(path))
}

// Open loads a previously written session directory back into a Tracking
// session, sufficient for export. The frame log, trajectory, and current
// point cloud generation are restored; the track registry is not.
func Open(dir string, logger golog.Logger) (*Session, error) {
	intrinsics, err := camera.LoadIntrinsics(filepath.Join(dir, intrinsicsFile))
	if err != nil {
		return nil, err
	}

	var meta sessionMeta
	if err := readJSON(filepath.Join(dir, metaFile), &meta); err != nil {
		return nil, err
	}

	s := &Session{
		id:         meta.ID,
		dir:        dir,
		createdAt:  meta.CreatedAt,
		state:      StateTracking,
		logger:     logger,
		intrinsics: intrinsics,
		fuseCfg:    meta.FuseConfig,
	}
	fuser, err := fuse.NewFuser(meta.FuseConfig, logger)
	if err != nil {
		return nil, err
	}
	s.fuser = fuser
	s.skippedFrames = meta.SkippedFrames
	s.degenerateTracks = meta.DegenerateTracks

	if err := s.loadFrameLog(); err != nil {
		return nil, err
	}
	if err := s.loadTrajectory(); err != nil {
		return nil, err
	}
	for _, k := range meta.Keyframes {
		kf := k
		kf.Pose = s.poseForFrame(k.FrameIndex)
		if kf.Pose == nil {
			return nil, errors.Errorf("keyframe %d references unknown frame %d", k.ID, k.FrameIndex)
		}
		s.keyframes = append(s.keyframes, &kf)
	}
	if err := s.loadCloud(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) poseForFrame(frameIndex int) *motion.Pose {
	for _, p := range s.poses {
		if p.FrameIndex == frameIndex {
			return p
		}
	}
	return nil
}

func (s *Session) loadFrameLog() error {
	//nolint:gosec
	f, err := os.Open(filepath.Join(s.dir, framesFile))
	if err != nil {
		return errors.Wrap(err, "failed to open frame log")
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec FrameRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return errors.Wrap(err, "corrupt frame log")
		}
		s.frames = append(s.frames, rec)
	}
	return sc.Err()
}

func (s *Session) loadTrajectory() error {
	var entries []TrajectoryEntry
	if err := readJSON(filepath.Join(s.dir, trajectoryFile), &entries); err != nil {
		return err
	}
	statusByFrame := make(map[int]motion.PoseStatus, len(s.frames))
	for _, rec := range s.frames {
		statusByFrame[rec.FrameIndex] = motion.PoseStatus(rec.PoseStatus)
	}
	for _, e := range entries {
		s.poses = append(s.poses, motion.PoseFromTrajectory(
			e.FrameIndex, e.Rotation, e.Translation, e.Confidence, statusByFrame[e.FrameIndex]))
	}
	return nil
}

func (s *Session) loadCloud() error {
	//nolint:gosec
	f, err := os.Open(filepath.Join(s.dir, plyFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to open point cloud")
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	cloud, err := fuse.ReadPLY(f)
	if err != nil {
		return err
	}
	s.fuser.Restore(cloud)
	return nil
}

const metaFile = "session.json"

// sessionMeta is the session.json schema.
type sessionMeta struct {
	ID               string      `json:"id"`
	CreatedAt        time.Time   `json:"created_at"`
	State            State       `json:"state"`
	FuseConfig       fuse.Config `json:"fuse_config"`
	SkippedFrames    int         `json:"skipped_frames"`
	DegenerateTracks int         `json:"degenerate_tracks"`
	Keyframes        []Keyframe  `json:"keyframes"`
}

func (s *Session) writeMeta() error {
	keyframes := make([]Keyframe, 0, len(s.keyframes))
	for _, kf := range s.keyframes {
		keyframes = append(keyframes, *kf)
	}
	return writeJSON(filepath.Join(s.dir, metaFile), sessionMeta{
		ID:               s.id,
		CreatedAt:        s.createdAt,
		State:            s.state,
		FuseConfig:       s.fuseCfg,
		SkippedFrames:    s.skippedFrames,
		DegenerateTracks: s.degenerateTracks,
		Keyframes:        keyframes,
	})
}
