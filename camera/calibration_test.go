package camera

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

// boardView projects a planar grid through ground-truth intrinsics and the
// given extrinsics.
func boardView(in *Intrinsics, rotX, rotY float64, tx, ty, tz float64) CheckerboardView {
	cx, sx := math.Cos(rotX), math.Sin(rotX)
	cy, sy := math.Cos(rotY), math.Sin(rotY)
	// R = Ry * Rx.
	r := [3][3]float64{
		{cy, sy * sx, sy * cx},
		{0, cx, -sx},
		{-sy, cy * sx, cy * cx},
	}
	var view CheckerboardView
	for i := 0; i < 6; i++ {
		for j := 0; j < 5; j++ {
			obj := r2.Point{X: float64(i) * 0.03, Y: float64(j) * 0.03}
			camX := r[0][0]*obj.X + r[0][1]*obj.Y + tx
			camY := r[1][0]*obj.X + r[1][1]*obj.Y + ty
			camZ := r[2][0]*obj.X + r[2][1]*obj.Y + tz
			view.ObjectPoints = append(view.ObjectPoints, obj)
			view.ImagePoints = append(view.ImagePoints, r2.Point{
				X: in.Fx*camX/camZ + in.Cx,
				Y: in.Fy*camY/camZ + in.Cy,
			})
		}
	}
	return view
}

func TestCalibrateRecoversIntrinsics(t *testing.T) {
	truth := testIntrinsics()
	views := []CheckerboardView{
		boardView(truth, 0.15, 0.1, -0.05, -0.04, 0.5),
		boardView(truth, -0.2, 0.15, 0.02, -0.06, 0.45),
		boardView(truth, 0.1, -0.25, -0.03, 0.01, 0.55),
		boardView(truth, -0.12, -0.1, 0.04, 0.03, 0.6),
		boardView(truth, 0.25, 0.2, -0.06, 0.05, 0.5),
		boardView(truth, -0.3, 0.05, 0.0, -0.02, 0.4),
	}
	got, err := Calibrate(views, truth.Width, truth.Height, "bench")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Fx, test.ShouldAlmostEqual, truth.Fx, 1e-3)
	test.That(t, got.Fy, test.ShouldAlmostEqual, truth.Fy, 1e-3)
	test.That(t, got.Cx, test.ShouldAlmostEqual, truth.Cx, 1e-3)
	test.That(t, got.Cy, test.ShouldAlmostEqual, truth.Cy, 1e-3)
	test.That(t, got.CameraID, test.ShouldEqual, "bench")
	test.That(t, got.CheckValid(), test.ShouldBeNil)
}

func TestCalibrateNeedsEnoughViews(t *testing.T) {
	truth := testIntrinsics()
	views := []CheckerboardView{
		boardView(truth, 0.1, 0.1, 0, 0, 0.5),
		boardView(truth, -0.1, 0.1, 0, 0, 0.5),
	}
	_, err := Calibrate(views, truth.Width, truth.Height, "bench")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "checkerboard views")
}

func TestCalibrateRejectsMismatchedView(t *testing.T) {
	truth := testIntrinsics()
	views := make([]CheckerboardView, 0, MinCalibrationViews)
	for i := 0; i < MinCalibrationViews; i++ {
		views = append(views, boardView(truth, 0.1*float64(i+1), -0.05*float64(i+1), 0, 0, 0.5))
	}
	views[2].ImagePoints = views[2].ImagePoints[:3]
	_, err := Calibrate(views, truth.Width, truth.Height, "bench")
	test.That(t, err, test.ShouldNotBeNil)
}
