package camera

import (
	"encoding/json"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MinCalibrationViews is the smallest number of usable checkerboard views
// the calibration solve accepts.
const MinCalibrationViews = 5

// CheckerboardView is one detected checkerboard observation: planar object
// coordinates (meters, z = 0) and the matching detected image corners.
// Corner detection itself happens upstream; this package only consumes it.
type CheckerboardView struct {
	ObjectPoints []r2.Point
	ImagePoints  []r2.Point
}

// CalibrationInput is the JSON schema of a detected-corners file, the
// hand-off format from whatever detector produced the checkerboard views.
type CalibrationInput struct {
	CameraID string `json:"camera_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Views    []struct {
		ObjectPoints [][2]float64 `json:"object_points"`
		ImagePoints  [][2]float64 `json:"image_points"`
	} `json:"views"`
}

// LoadCalibrationInput reads a detected-corners file and converts it to
// checkerboard views.
func LoadCalibrationInput(path string) (*CalibrationInput, []CheckerboardView, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read calibration input %q", path)
	}
	var input CalibrationInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse calibration input %q", path)
	}
	views := make([]CheckerboardView, 0, len(input.Views))
	for i, v := range input.Views {
		if len(v.ObjectPoints) != len(v.ImagePoints) {
			return nil, nil, errors.Errorf("view %d has %d object points but %d image points",
				i, len(v.ObjectPoints), len(v.ImagePoints))
		}
		view := CheckerboardView{
			ObjectPoints: make([]r2.Point, len(v.ObjectPoints)),
			ImagePoints:  make([]r2.Point, len(v.ImagePoints)),
		}
		for j := range v.ObjectPoints {
			view.ObjectPoints[j] = r2.Point{X: v.ObjectPoints[j][0], Y: v.ObjectPoints[j][1]}
			view.ImagePoints[j] = r2.Point{X: v.ImagePoints[j][0], Y: v.ImagePoints[j][1]}
		}
		views = append(views, view)
	}
	return &input, views, nil
}

// Calibrate solves for pinhole intrinsics from planar checkerboard corner
// detections using per-view DLT homographies and Zhang's closed-form
// absolute-conic system. Distortion coefficients are left at zero; callers
// wanting distortion refine separately.
func Calibrate(views []CheckerboardView, width, height int, cameraID string) (*Intrinsics, error) {
	if len(views) < MinCalibrationViews {
		return nil, errors.Errorf("need at least %d checkerboard views for calibration, got %d",
			MinCalibrationViews, len(views))
	}
	if width <= 0 || height <= 0 {
		return nil, NewInvalidIntrinsicsError("calibration image resolution must be positive")
	}

	homographies := make([]*mat.Dense, 0, len(views))
	for i, view := range views {
		h, err := viewHomography(view)
		if err != nil {
			return nil, errors.Wrapf(err, "homography for view %d", i)
		}
		homographies = append(homographies, h)
	}

	// Two constraints on the image of the absolute conic per homography.
	v := mat.NewDense(2*len(homographies), 6, nil)
	for i, h := range homographies {
		v.SetRow(2*i, conicConstraint(h, 0, 1))
		row := conicConstraint(h, 0, 0)
		diag := conicConstraint(h, 1, 1)
		for j := range row {
			row[j] -= diag[j]
		}
		v.SetRow(2*i+1, row)
	}
	b, err := solveHomogeneous(v)
	if err != nil {
		return nil, errors.Wrap(err, "solving conic system")
	}

	b11, b12, b22, b13, b23, b33 := b[0], b[1], b[2], b[3], b[4], b[5]
	den := b11*b22 - b12*b12
	if den == 0 || b11 == 0 {
		return nil, NewInvalidIntrinsicsError("degenerate conic system, views may be coplanar duplicates")
	}
	cy := (b12*b13 - b11*b23) / den
	lambda := b33 - (b13*b13+cy*(b12*b13-b11*b23))/b11
	if lambda/b11 <= 0 || lambda*b11/den <= 0 {
		return nil, NewInvalidIntrinsicsError("conic system yielded non-positive focal lengths")
	}
	fx := math.Sqrt(lambda / b11)
	fy := math.Sqrt(lambda * b11 / den)
	cx := -b13 * fx * fx / lambda

	intrinsics := &Intrinsics{
		CameraID:   cameraID,
		Version:    SchemaVersion,
		Fx:         fx,
		Fy:         fy,
		Cx:         cx,
		Cy:         cy,
		Distortion: make([]float64, 5),
		Width:      width,
		Height:     height,
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}

// viewHomography estimates the object-plane to image-plane homography for
// one checkerboard view with the DLT.
func viewHomography(view CheckerboardView) (*mat.Dense, error) {
	n := len(view.ObjectPoints)
	if n != len(view.ImagePoints) {
		return nil, errors.New("object and image point counts differ")
	}
	if n < 4 {
		return nil, errors.Errorf("need at least 4 corners per view, got %d", n)
	}
	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		o := view.ObjectPoints[i]
		p := view.ImagePoints[i]
		a.SetRow(2*i, []float64{o.X, o.Y, 1, 0, 0, 0, -p.X * o.X, -p.X * o.Y, -p.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, o.X, o.Y, 1, -p.Y * o.X, -p.Y * o.Y, -p.Y})
	}
	h, err := solveHomogeneous(a)
	if err != nil {
		return nil, err
	}
	if h[8] == 0 {
		return nil, errors.New("homography at infinity")
	}
	for i := range h {
		h[i] /= h[8]
	}
	return mat.NewDense(3, 3, h), nil
}

// conicConstraint builds the v_ij row of Zhang's linear system from
// homography columns i and j.
func conicConstraint(h *mat.Dense, i, j int) []float64 {
	hi := []float64{h.At(0, i), h.At(1, i), h.At(2, i)}
	hj := []float64{h.At(0, j), h.At(1, j), h.At(2, j)}
	return []float64{
		hi[0] * hj[0],
		hi[0]*hj[1] + hi[1]*hj[0],
		hi[1] * hj[1],
		hi[2]*hj[0] + hi[0]*hj[2],
		hi[2]*hj[1] + hi[1]*hj[2],
		hi[2] * hj[2],
	}
}

// solveHomogeneous returns the right singular vector of m with the
// smallest singular value, the least-squares solution of m*x = 0.
func solveHomogeneous(m *mat.Dense) ([]float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize constraint matrix")
	}
	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	out := make([]float64, cols)
	for i := range out {
		out[i] = v.At(i, cols-1)
	}
	return out, nil
}
