// Package motion estimates inter-frame camera motion from matched 2D
// correspondences and maintains the cumulative trajectory. Relative motion
// comes from a robust essential-matrix solve; absolute scale is not
// observable from a single moving camera, so translation is normalized to a
// fixed per-step magnitude and scale drift over a session is an accepted,
// documented limitation rather than a defect to correct.
package motion

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// PoseStatus describes how trustworthy a frame's pose estimate is.
type PoseStatus string

const (
	// PoseStatusGood means the solve had at least twice the inlier minimum.
	PoseStatusGood = PoseStatus("good")
	// PoseStatusLimited means the solve met the inlier minimum but not comfortably.
	PoseStatusLimited = PoseStatus("limited")
	// PoseStatusLost means the solve failed and the previous pose was carried forward.
	PoseStatusLost = PoseStatus("lost")
)

// StatusForInliers maps an inlier count to a pose status given the
// configured minimum.
func StatusForInliers(inliers, minInliers int) PoseStatus {
	switch {
	case inliers >= 2*minInliers:
		return PoseStatusGood
	case inliers >= minInliers:
		return PoseStatusLimited
	default:
		return PoseStatusLost
	}
}

// Motion is a relative rigid transform between two consecutive frames.
type Motion struct {
	Rotation    *mat.Dense
	Translation r3.Vector
	Inliers     int
	InlierRatio float64
}

// Pose is the absolute rigid transform of the camera for one frame,
// expressed in the first frame's reference frame (world-from-camera).
type Pose struct {
	FrameIndex  int
	Rotation    *mat.Dense
	Translation r3.Vector
	Status      PoseStatus
	InlierRatio float64
}

// IdentityPose returns the origin pose anchoring a session's reference
// frame.
func IdentityPose(frameIndex int) *Pose {
	return &Pose{
		FrameIndex:  frameIndex,
		Rotation:    identity3(),
		Translation: r3.Vector{},
		Status:      PoseStatusGood,
		InlierRatio: 1,
	}
}

// Compose applies a relative motion onto this absolute pose, producing the
// next frame's absolute pose.
func (p *Pose) Compose(frameIndex int, rel *Motion, status PoseStatus) *Pose {
	var rot mat.Dense
	rot.Mul(p.Rotation, rel.Rotation)
	return &Pose{
		FrameIndex:  frameIndex,
		Rotation:    &rot,
		Translation: p.Translation.Add(rotateVector(p.Rotation, rel.Translation)),
		Status:      status,
		InlierRatio: rel.InlierRatio,
	}
}

// CarryForward repeats this pose for a frame whose estimation failed. The
// transform is unchanged; no motion is fabricated.
func (p *Pose) CarryForward(frameIndex int) *Pose {
	return &Pose{
		FrameIndex:  frameIndex,
		Rotation:    mat.DenseCopyOf(p.Rotation),
		Translation: p.Translation,
		Status:      PoseStatusLost,
		InlierRatio: 0,
	}
}

// PoseFromTrajectory rebuilds a pose from its serialized trajectory form.
func PoseFromTrajectory(frameIndex int, rotation [4]float64, translation [3]float64, confidence float64, status PoseStatus) *Pose {
	if status == "" {
		status = PoseStatusGood
	}
	return &Pose{
		FrameIndex:  frameIndex,
		Rotation:    QuaternionToRotation(rotation),
		Translation: r3.Vector{X: translation[0], Y: translation[1], Z: translation[2]},
		Status:      status,
		InlierRatio: confidence,
	}
}

// IsIdentity reports whether the pose is the reference-frame origin.
func (p *Pose) IsIdentity() bool {
	const eps = 1e-9
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(p.Rotation.At(i, j)-want) > eps {
				return false
			}
		}
	}
	return p.Translation.Norm() < eps
}

// Quaternion returns the pose rotation as xyzw quaternion components.
func (p *Pose) Quaternion() [4]float64 {
	return RotationToQuaternion(p.Rotation)
}

// RotationToQuaternion converts a 3x3 rotation matrix to a unit quaternion
// in xyzw order.
func RotationToQuaternion(m *mat.Dense) [4]float64 {
	trace := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	var qx, qy, qz, qw float64
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		qw = 0.25 * s
		qx = (m.At(2, 1) - m.At(1, 2)) / s
		qy = (m.At(0, 2) - m.At(2, 0)) / s
		qz = (m.At(1, 0) - m.At(0, 1)) / s
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := math.Sqrt(1+m.At(0, 0)-m.At(1, 1)-m.At(2, 2)) * 2
		qw = (m.At(2, 1) - m.At(1, 2)) / s
		qx = 0.25 * s
		qy = (m.At(0, 1) + m.At(1, 0)) / s
		qz = (m.At(0, 2) + m.At(2, 0)) / s
	case m.At(1, 1) > m.At(2, 2):
		s := math.Sqrt(1+m.At(1, 1)-m.At(0, 0)-m.At(2, 2)) * 2
		qw = (m.At(0, 2) - m.At(2, 0)) / s
		qx = (m.At(0, 1) + m.At(1, 0)) / s
		qy = 0.25 * s
		qz = (m.At(1, 2) + m.At(2, 1)) / s
	default:
		s := math.Sqrt(1+m.At(2, 2)-m.At(0, 0)-m.At(1, 1)) * 2
		qw = (m.At(1, 0) - m.At(0, 1)) / s
		qx = (m.At(0, 2) + m.At(2, 0)) / s
		qy = (m.At(1, 2) + m.At(2, 1)) / s
		qz = 0.25 * s
	}
	norm := math.Sqrt(qx*qx + qy*qy + qz*qz + qw*qw)
	if norm == 0 {
		return [4]float64{0, 0, 0, 1}
	}
	return [4]float64{qx / norm, qy / norm, qz / norm, qw / norm}
}

// QuaternionToRotation converts an xyzw quaternion to a 3x3 rotation
// matrix. A near-zero quaternion yields the identity.
func QuaternionToRotation(q [4]float64) *mat.Dense {
	x, y, z, w := q[0], q[1], q[2], q[3]
	n := x*x + y*y + z*z + w*w
	if n < 1e-12 {
		return identity3()
	}
	s := 2.0 / n
	xx, xy, xz := x*x*s, x*y*s, x*z*s
	yy, yz, zz := y*y*s, y*z*s, z*z*s
	wx, wy, wz := w*x*s, w*y*s, w*z*s
	return mat.NewDense(3, 3, []float64{
		1 - (yy + zz), xy - wz, xz + wy,
		xy + wz, 1 - (xx + zz), yz - wx,
		xz - wy, yz + wx, 1 - (xx + yy),
	})
}

func identity3() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func rotateVector(rot *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*v.X + rot.At(0, 1)*v.Y + rot.At(0, 2)*v.Z,
		Y: rot.At(1, 0)*v.X + rot.At(1, 1)*v.Y + rot.At(1, 2)*v.Z,
		Z: rot.At(2, 0)*v.X + rot.At(2, 1)*v.Y + rot.At(2, 2)*v.Z,
	}
}
