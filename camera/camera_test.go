package camera

import (
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func testIntrinsics() *Intrinsics {
	return &Intrinsics{
		CameraID: "test",
		Version:  SchemaVersion,
		Fx:       500,
		Fy:       510,
		Cx:       320,
		Cy:       240,
		Width:    640,
		Height:   480,
	}
}

func TestCheckValid(t *testing.T) {
	in := testIntrinsics()
	test.That(t, in.CheckValid(), test.ShouldBeNil)

	bad := testIntrinsics()
	bad.Fx = 0
	err := bad.CheckValid()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrInvalidIntrinsics), test.ShouldBeTrue)

	bad = testIntrinsics()
	bad.Width = 0
	test.That(t, errors.Is(bad.CheckValid(), ErrInvalidIntrinsics), test.ShouldBeTrue)

	bad = testIntrinsics()
	bad.Fy = -1
	test.That(t, errors.Is(bad.CheckValid(), ErrInvalidIntrinsics), test.ShouldBeTrue)
}

func TestProjectRoundTrip(t *testing.T) {
	in := testIntrinsics()
	p := r3.Vector{X: 0.5, Y: -0.25, Z: 2}
	pix, ok := in.Project(p)
	test.That(t, ok, test.ShouldBeTrue)

	norm, err := in.PixelToNormalized(pix)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, norm.X, test.ShouldAlmostEqual, p.X/p.Z, 1e-9)
	test.That(t, norm.Y, test.ShouldAlmostEqual, p.Y/p.Z, 1e-9)

	back, err := in.NormalizedToPixel(norm)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.X, test.ShouldAlmostEqual, pix.X, 1e-9)
	test.That(t, back.Y, test.ShouldAlmostEqual, pix.Y, 1e-9)
}

func TestProjectBehindCamera(t *testing.T) {
	in := testIntrinsics()
	_, ok := in.Project(r3.Vector{X: 0, Y: 0, Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = in.Project(r3.Vector{X: 1, Y: 1, Z: 0})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDistortionRoundTrip(t *testing.T) {
	d, err := NewDistortion([]float64{0.1, -0.02, 0, 0.001, -0.0005})
	test.That(t, err, test.ShouldBeNil)
	for _, pt := range []r2.Point{{X: 0.1, Y: 0.2}, {X: -0.3, Y: 0.05}, {X: 0, Y: 0}} {
		xd, yd := d.Distort(pt.X, pt.Y)
		xu, yu := d.Undistort(xd, yd)
		test.That(t, xu, test.ShouldAlmostEqual, pt.X, 1e-6)
		test.That(t, yu, test.ShouldAlmostEqual, pt.Y, 1e-6)
	}
}

func TestIntrinsicsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intrinsics.json")
	in := testIntrinsics()
	in.Distortion = []float64{0.01, -0.001, 0, 0, 0}
	test.That(t, SaveIntrinsics(path, in), test.ShouldBeNil)

	loaded, err := LoadIntrinsics(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Fx, test.ShouldEqual, in.Fx)
	test.That(t, loaded.Cy, test.ShouldEqual, in.Cy)
	test.That(t, loaded.Width, test.ShouldEqual, in.Width)
	test.That(t, loaded.Distortion, test.ShouldResemble, in.Distortion)
}

func TestSaveIntrinsicsRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intrinsics.json")
	in := testIntrinsics()
	in.Fx = 0
	err := SaveIntrinsics(path, in)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrInvalidIntrinsics), test.ShouldBeTrue)
}

func TestAsPinholeCameraIntrinsics(t *testing.T) {
	in := testIntrinsics()
	ph := in.AsPinholeCameraIntrinsics()
	test.That(t, ph.Fx, test.ShouldEqual, in.Fx)
	test.That(t, ph.Ppx, test.ShouldEqual, in.Cx)
	test.That(t, ph.Height, test.ShouldEqual, in.Height)
}

func TestMatrix(t *testing.T) {
	in := testIntrinsics()
	k := in.Matrix()
	test.That(t, k.At(0, 0), test.ShouldEqual, in.Fx)
	test.That(t, k.At(1, 1), test.ShouldEqual, in.Fy)
	test.That(t, k.At(0, 2), test.ShouldEqual, in.Cx)
	test.That(t, k.At(2, 2), test.ShouldEqual, 1.0)
	test.That(t, k.At(1, 0), test.ShouldEqual, 0.0)
}
