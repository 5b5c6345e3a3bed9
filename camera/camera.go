// Package camera models the pinhole camera used by the reconstruction
// pipeline: intrinsic parameters, Brown-Conrady lens distortion, and the
// projection math between pixel, normalized image, and camera-space
// coordinates. An Intrinsics value is immutable once validated and is
// shared read-only by every downstream stage.
package camera

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidIntrinsics is returned when intrinsic parameters are missing or
// do not describe a usable camera.
var ErrInvalidIntrinsics = errors.New("invalid camera intrinsics")

// NewInvalidIntrinsicsError annotates ErrInvalidIntrinsics with a reason.
func NewInvalidIntrinsicsError(msg string) error {
	return errors.Wrap(ErrInvalidIntrinsics, msg)
}

// SchemaVersion is the version written into intrinsics.json.
const SchemaVersion = 1

// Distortion holds Brown-Conrady lens distortion coefficients. The zero
// value describes an ideal, distortion-free lens.
type Distortion struct {
	RadialK1     float64
	RadialK2     float64
	RadialK3     float64
	TangentialP1 float64
	TangentialP2 float64
}

// Coefficients returns the distortion parameters in k1, k2, k3, p1, p2 order.
func (d *Distortion) Coefficients() []float64 {
	return []float64{d.RadialK1, d.RadialK2, d.RadialK3, d.TangentialP1, d.TangentialP2}
}

// NewDistortion builds a Distortion from a coefficient slice in k1, k2, k3,
// p1, p2 order. Missing trailing coefficients are treated as zero.
func NewDistortion(coeffs []float64) (*Distortion, error) {
	if len(coeffs) > 5 {
		return nil, errors.Errorf("expected at most 5 distortion coefficients, got %d", len(coeffs))
	}
	full := make([]float64, 5)
	copy(full, coeffs)
	return &Distortion{full[0], full[1], full[2], full[3], full[4]}, nil
}

// Distort applies the forward Brown-Conrady model to a normalized
// image-plane coordinate.
func (d *Distortion) Distort(x, y float64) (float64, float64) {
	r2d := x*x + y*y
	radial := 1 + d.RadialK1*r2d + d.RadialK2*r2d*r2d + d.RadialK3*r2d*r2d*r2d
	xd := x*radial + 2*d.TangentialP1*x*y + d.TangentialP2*(r2d+2*x*x)
	yd := y*radial + 2*d.TangentialP2*x*y + d.TangentialP1*(r2d+2*y*y)
	return xd, yd
}

// undistortIterations bounds the fixed-point inversion of the distortion
// model. Convergence for narrow-field lenses takes well under ten steps.
const undistortIterations = 20

// Undistort inverts the Brown-Conrady model for a normalized image-plane
// coordinate using fixed-point iteration.
func (d *Distortion) Undistort(xd, yd float64) (float64, float64) {
	x, y := xd, yd
	for i := 0; i < undistortIterations; i++ {
		fx, fy := d.Distort(x, y)
		dx, dy := fx-x, fy-y
		xn, yn := xd-dx, yd-dy
		if math.Abs(xn-x) < 1e-12 && math.Abs(yn-y) < 1e-12 {
			return xn, yn
		}
		x, y = xn, yn
	}
	return x, y
}

// Intrinsics holds the calibrated parameters of a pinhole camera together
// with its lens distortion. Immutable once validated.
type Intrinsics struct {
	CameraID   string      `json:"camera_id"`
	Version    int         `json:"version"`
	Fx         float64     `json:"fx"`
	Fy         float64     `json:"fy"`
	Cx         float64     `json:"cx"`
	Cy         float64     `json:"cy"`
	Distortion []float64   `json:"distortion"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	model      *Distortion `json:"-"`
}

// CheckValid checks that the intrinsics describe a usable camera.
func (in *Intrinsics) CheckValid() error {
	if in == nil {
		return NewInvalidIntrinsicsError("intrinsics do not exist")
	}
	if in.Width <= 0 || in.Height <= 0 {
		return NewInvalidIntrinsicsError("resolution must be positive")
	}
	if in.Fx <= 0 || in.Fy <= 0 {
		return NewInvalidIntrinsicsError("focal lengths must be positive")
	}
	if in.Cx < 0 || in.Cy < 0 {
		return NewInvalidIntrinsicsError("principal point must be non-negative")
	}
	if _, err := in.DistortionModel(); err != nil {
		return err
	}
	return nil
}

// DistortionModel returns the parsed Brown-Conrady model for these
// intrinsics, caching the result.
func (in *Intrinsics) DistortionModel() (*Distortion, error) {
	if in.model != nil {
		return in.model, nil
	}
	model, err := NewDistortion(in.Distortion)
	if err != nil {
		return nil, NewInvalidIntrinsicsError(err.Error())
	}
	in.model = model
	return model, nil
}

// Matrix returns the 3x3 camera matrix K.
func (in *Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		in.Fx, 0, in.Cx,
		0, in.Fy, in.Cy,
		0, 0, 1,
	})
}

// PixelToNormalized converts a raw pixel coordinate to an undistorted
// normalized image-plane coordinate.
func (in *Intrinsics) PixelToNormalized(pt r2.Point) (r2.Point, error) {
	model, err := in.DistortionModel()
	if err != nil {
		return r2.Point{}, err
	}
	x := (pt.X - in.Cx) / in.Fx
	y := (pt.Y - in.Cy) / in.Fy
	xu, yu := model.Undistort(x, y)
	return r2.Point{X: xu, Y: yu}, nil
}

// NormalizedToPixel converts an undistorted normalized image-plane
// coordinate back to a distorted pixel coordinate.
func (in *Intrinsics) NormalizedToPixel(pt r2.Point) (r2.Point, error) {
	model, err := in.DistortionModel()
	if err != nil {
		return r2.Point{}, err
	}
	xd, yd := model.Distort(pt.X, pt.Y)
	return r2.Point{X: xd*in.Fx + in.Cx, Y: yd*in.Fy + in.Cy}, nil
}

// Project maps a camera-space 3D point to a pixel coordinate. The second
// return is false when the point lies on or behind the image plane.
func (in *Intrinsics) Project(p r3.Vector) (r2.Point, bool) {
	if p.Z <= 0 {
		return r2.Point{}, false
	}
	pix, err := in.NormalizedToPixel(r2.Point{X: p.X / p.Z, Y: p.Y / p.Z})
	if err != nil {
		return r2.Point{}, false
	}
	return pix, true
}

// AsPinholeCameraIntrinsics converts to the rdk representation for
// downstream consumers that speak the viam camera model.
func (in *Intrinsics) AsPinholeCameraIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  in.Width,
		Height: in.Height,
		Fx:     in.Fx,
		Fy:     in.Fy,
		Ppx:    in.Cx,
		Ppy:    in.Cy,
	}
}

// LoadIntrinsics reads and validates an intrinsics JSON file.
func LoadIntrinsics(path string) (*Intrinsics, error) {
	//nolint:gosec
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "opening intrinsics file")
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	var in Intrinsics
	if err := json.NewDecoder(f).Decode(&in); err != nil {
		return nil, errors.Wrap(err, "decoding intrinsics file")
	}
	if err := in.CheckValid(); err != nil {
		return nil, err
	}
	return &in, nil
}

// SaveIntrinsics writes an intrinsics JSON file, creating parent
// directories as needed.
func SaveIntrinsics(path string, in *Intrinsics) error {
	if err := in.CheckValid(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating intrinsics directory")
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding intrinsics")
	}
	//nolint:gosec
	return errors.Wrap(os.WriteFile(path, data, 0o644), "writing intrinsics file")
}
