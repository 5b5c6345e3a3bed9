package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/pointcloud"

	"github.com/viamrobotics/viam-mono-recon/fuse"
)

// Packet is one capture_packets entry, emitted per keyframe. Validated on
// construction; consumers may rely on every field being present.
type Packet struct {
	PacketID             int        `json:"packet_id"`
	KeyframeID           int        `json:"keyframe_id"`
	FrameIndex           int        `json:"frame_index"`
	Timestamp            float64    `json:"timestamp"`
	Rotation             [4]float64 `json:"rotation"`
	Translation          [3]float64 `json:"translation"`
	IntrinsicsRef        string     `json:"intrinsics_ref"`
	ContributingPointIDs []uint64   `json:"contributing_point_ids"`
}

// NewPacket builds and validates a packet for a keyframe.
func NewPacket(id int, kf *Keyframe, pointIDs []uint64) (*Packet, error) {
	if kf == nil || kf.Pose == nil {
		return nil, errors.New("packet requires a keyframe with a pose")
	}
	if id < 0 {
		return nil, errors.Errorf("packet id %d negative", id)
	}
	p := &Packet{
		PacketID:             id,
		KeyframeID:           kf.ID,
		FrameIndex:           kf.FrameIndex,
		Timestamp:            kf.Timestamp,
		Rotation:             kf.Pose.Quaternion(),
		Translation:          [3]float64{kf.Pose.Translation.X, kf.Pose.Translation.Y, kf.Pose.Translation.Z},
		IntrinsicsRef:        intrinsicsFile,
		ContributingPointIDs: pointIDs,
	}
	if p.ContributingPointIDs == nil {
		p.ContributingPointIDs = []uint64{}
	}
	return p, nil
}

// Manifest is the manifest.json schema: every artifact the session
// produced, with checksums, plus the counts downstream consumers need.
type Manifest struct {
	SessionID        string            `json:"session_id"`
	CreatedAt        time.Time         `json:"created_at"`
	ExportedAt       time.Time         `json:"exported_at"`
	PacketFiles      []string          `json:"packet_files"`
	PointCloudFile   string            `json:"pointcloud_file"`
	PointCloudPCD    string            `json:"pointcloud_pcd_file"`
	Checksums        map[string]string `json:"checksums"`
	FrameCount       int               `json:"frame_count"`
	KeyframeCount    int               `json:"keyframe_count"`
	PointCount       int               `json:"point_count"`
	Generation       int               `json:"generation"`
	MergedPoints     int               `json:"merged_points"`
	SkippedFrames    int               `json:"skipped_frames"`
	DegenerateTracks int               `json:"degenerate_tracks"`
}

// Export finalizes the session and writes the packet set, the point cloud,
// and the manifest. It fails with ErrInsufficientKeyframes below two
// keyframes and with ErrSessionFinalized when called twice.
func (s *Session) Export(ctx context.Context) (*Manifest, error) {
	_, span := trace.StartSpan(ctx, "session::Export")
	defer span.End()

	if s.state == StateFinalized {
		return nil, ErrSessionFinalized
	}
	if len(s.keyframes) < MinExportKeyframes {
		return nil, errors.Wrapf(ErrInsufficientKeyframes,
			"have %d keyframes, need %d", len(s.keyframes), MinExportKeyframes)
	}

	if err := s.Checkpoint(); err != nil {
		return nil, err
	}

	packetFiles, err := s.writePackets()
	if err != nil {
		return nil, err
	}
	if err := s.writeCloud(); err != nil {
		return nil, err
	}

	s.state = StateFinalized
	if err := s.writeMeta(); err != nil {
		return nil, err
	}
	if err := s.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close frame log")
	}

	cloud := s.fuser.Current()
	manifest := &Manifest{
		SessionID:        s.id,
		CreatedAt:        s.createdAt,
		ExportedAt:       time.Now().UTC(),
		PacketFiles:      packetFiles,
		PointCloudFile:   plyFile,
		PointCloudPCD:    pcdFile,
		FrameCount:       len(s.frames),
		KeyframeCount:    len(s.keyframes),
		PointCount:       cloud.Len(),
		Generation:       cloud.Generation(),
		MergedPoints:     s.fuser.MergedCount(),
		SkippedFrames:    s.skippedFrames,
		DegenerateTracks: s.degenerateTracks,
	}
	manifest.Checksums, err = s.checksumArtifacts(packetFiles)
	if err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(s.dir, manifestFile), manifest); err != nil {
		return nil, err
	}
	s.logger.Infow("session exported",
		"id", s.id,
		"keyframes", manifest.KeyframeCount,
		"points", manifest.PointCount,
		"skipped_frames", manifest.SkippedFrames,
		"degenerate_tracks", manifest.DegenerateTracks)
	return manifest, nil
}

// writePackets emits one pkt_NNNNN.json per keyframe, numbered from zero.
func (s *Session) writePackets() ([]string, error) {
	dir := filepath.Join(s.dir, packetsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create packet directory")
	}
	pointsByKeyframe := s.contributingPoints()
	files := make([]string, 0, len(s.keyframes))
	for i, kf := range s.keyframes {
		pkt, err := NewPacket(i, kf, pointsByKeyframe[kf.ID])
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("pkt_%05d.json", i)
		if err := writeJSON(filepath.Join(dir, name), pkt); err != nil {
			return nil, err
		}
		files = append(files, filepath.Join(packetsDir, name))
	}
	return files, nil
}

// contributingPoints inverts the cloud's provenance into keyframe → point
// IDs, in point insertion order.
func (s *Session) contributingPoints() map[int][]uint64 {
	out := map[int][]uint64{}
	for _, pt := range s.fuser.Current().Points() {
		seen := map[int]bool{}
		for _, src := range pt.Sources {
			if !seen[src.KeyframeID] {
				seen[src.KeyframeID] = true
				out[src.KeyframeID] = append(out[src.KeyframeID], pt.ID)
			}
		}
	}
	return out
}

func (s *Session) writeCloud() error {
	cloud := s.fuser.Current()
	//nolint:gosec
	f, err := os.Create(filepath.Join(s.dir, plyFile))
	if err != nil {
		return errors.Wrap(err, "failed to create point cloud file")
	}
	if err := fuse.WritePLY(f, cloud); err != nil {
		goutils.UncheckedErrorFunc(f.Close)
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close point cloud file")
	}

	pc := pointcloud.NewWithPrealloc(cloud.Len())
	for _, pt := range cloud.Points() {
		if err := pc.Set(pt.Position, pointcloud.NewBasicData()); err != nil {
			return errors.Wrap(err, "failed to build pcd cloud")
		}
	}
	//nolint:gosec
	pf, err := os.Create(filepath.Join(s.dir, pcdFile))
	if err != nil {
		return errors.Wrap(err, "failed to create pcd file")
	}
	defer goutils.UncheckedErrorFunc(pf.Close)
	return errors.Wrap(pointcloud.ToPCD(pc, pf, pointcloud.PCDAscii), "failed to write pcd")
}

func (s *Session) checksumArtifacts(packetFiles []string) (map[string]string, error) {
	files := []string{intrinsicsFile, framesFile, trajectoryFile, reconstructionFile, plyFile, pcdFile, metaFile}
	files = append(files, packetFiles...)
	sums := make(map[string]string, len(files))
	for _, rel := range files {
		sum, err := fileSHA256(filepath.Join(s.dir, rel))
		if err != nil {
			return nil, err
		}
		sums[rel] = sum
	}
	return sums, nil
}

func fileSHA256(path string) (string, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to checksum %s", filepath.Base(path))
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "failed to checksum %s", filepath.Base(path))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
