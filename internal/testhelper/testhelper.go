// Package testhelper provides a synthetic translating-camera scene with
// known 3D points and exact projections, shared by the geometry and
// pipeline tests.
package testhelper

import (
	"image"
	"image/color"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viamrobotics/viam-mono-recon/camera"
	"github.com/viamrobotics/viam-mono-recon/motion"
)

// Intrinsics returns the test camera: 640x480, square pixels, centered
// principal point, no distortion.
func Intrinsics() *camera.Intrinsics {
	return &camera.Intrinsics{
		CameraID: "synthetic",
		Version:  camera.SchemaVersion,
		Fx:       500,
		Fy:       500,
		Cx:       320,
		Cy:       240,
		Width:    640,
		Height:   480,
	}
}

// Scene is a static grid of world points viewed by a moving camera with
// identity rotation.
type Scene struct {
	Points []r3.Vector
	Intr   *camera.Intrinsics
}

// NewGridScene builds a grid of points 4 to 8 meters in front of the
// origin, wide enough that every test camera position sees all of them.
func NewGridScene() *Scene {
	var pts []r3.Vector
	for ix := -3; ix <= 3; ix++ {
		for iy := -2; iy <= 2; iy++ {
			pts = append(pts, r3.Vector{
				X: float64(ix) * 0.6,
				Y: float64(iy) * 0.6,
				Z: 4 + 0.5*float64((ix+3)%3) + 0.25*float64((iy+2)%2),
			})
		}
	}
	return &Scene{Points: pts, Intr: Intrinsics()}
}

// ProjectFrom projects every scene point through a camera at camPos with
// identity rotation. The second return lists which points landed in front
// of the camera.
func (s *Scene) ProjectFrom(camPos r3.Vector) ([]r2.Point, []bool) {
	pixels := make([]r2.Point, len(s.Points))
	visible := make([]bool, len(s.Points))
	for i, wp := range s.Points {
		pix, ok := s.Intr.Project(wp.Sub(camPos))
		pixels[i] = pix
		visible[i] = ok
	}
	return pixels, visible
}

// ProjectPose projects every scene point through an arbitrary pose.
func (s *Scene) ProjectPose(pose *motion.Pose) []r2.Point {
	pixels := make([]r2.Point, len(s.Points))
	for i, wp := range s.Points {
		rel := wp.Sub(pose.Translation)
		camPt := r3.Vector{
			X: pose.Rotation.At(0, 0)*rel.X + pose.Rotation.At(1, 0)*rel.Y + pose.Rotation.At(2, 0)*rel.Z,
			Y: pose.Rotation.At(0, 1)*rel.X + pose.Rotation.At(1, 1)*rel.Y + pose.Rotation.At(2, 1)*rel.Z,
			Z: pose.Rotation.At(0, 2)*rel.X + pose.Rotation.At(1, 2)*rel.Y + pose.Rotation.At(2, 2)*rel.Z,
		}
		pixels[i], _ = s.Intr.Project(camPt)
	}
	return pixels
}

// TextureImage renders a gray checker-and-noise image with enough corners
// for the ORB detector. Deterministic for a given seed.
func TextureImage(width, height int, seed uint32) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	state := seed | 1
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			state = state*1664525 + 1013904223
			v := uint8(state >> 24)
			if (x/8+y/8)%2 == 0 {
				v /= 2
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}
