// Package triangulate recovers 3D points from feature tracks observed in
// two or more keyframes with known poses. Two observations use the linear
// cross-product construction; more observations are refined with a stacked
// least-squares solve. Degenerate geometry is rejected, not patched over:
// a failed track keeps its observations and may be retried later.
package triangulate

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-mono-recon/camera"
	"github.com/viamrobotics/viam-mono-recon/motion"
)

// ErrDegenerate is returned when a track's geometry cannot support a
// reliable 3D point. Recoverable: the track may gain observations and be
// retried before disposal.
var ErrDegenerate = errors.New("triangulation degenerate")

// Config bounds what the triangulator accepts.
type Config struct {
	// MinBaselineM is the minimum distance between contributing keyframe
	// centers.
	MinBaselineM float64 `yaml:"min_baseline_m"`
	// MaxReprojectionErrPx rejects points reprojecting worse than this in
	// any contributing view.
	MaxReprojectionErrPx float64 `yaml:"max_reprojection_err_px"`
	// MaxRangeM rejects points implausibly far from the origin.
	MaxRangeM float64 `yaml:"max_range_m"`
}

// DefaultConfig returns the triangulator defaults.
func DefaultConfig() Config {
	return Config{
		MinBaselineM:         0.02,
		MaxReprojectionErrPx: 2.0,
		MaxRangeM:            100,
	}
}

// Validate checks the triangulator parameters.
func (cfg *Config) Validate() error {
	if cfg.MinBaselineM <= 0 {
		return errors.New("min_baseline_m must be positive")
	}
	if cfg.MaxReprojectionErrPx <= 0 {
		return errors.New("max_reprojection_err_px must be positive")
	}
	if cfg.MaxRangeM <= 0 {
		return errors.New("max_range_m must be positive")
	}
	return nil
}

// Observation is one keyframe's sighting of the track being solved.
type Observation struct {
	KeyframeID int
	Pose       *motion.Pose
	Pixel      r2.Point
}

// Result is a successfully triangulated point with its provenance.
type Result struct {
	Position r3.Vector
	// Confidence is 1/(1+mean reprojection error); in (0, 1].
	Confidence   float64
	MeanReprojPx float64
	KeyframeIDs  []int
}

// Triangulator solves tracks into 3D points.
type Triangulator struct {
	cfg        Config
	intrinsics *camera.Intrinsics
}

// New returns a Triangulator for the given camera.
func New(cfg Config, intrinsics *camera.Intrinsics) (*Triangulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid triangulator config")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return &Triangulator{cfg: cfg, intrinsics: intrinsics}, nil
}

// Solve triangulates a track from its keyframe observations. It requires
// at least two observations from distinct keyframes; callers must never
// invoke it with fewer.
func (tr *Triangulator) Solve(obs []Observation) (*Result, error) {
	if len(obs) < 2 {
		return nil, errors.Errorf("need at least 2 observations, got %d", len(obs))
	}
	for i := 1; i < len(obs); i++ {
		if obs[i].KeyframeID == obs[0].KeyframeID {
			return nil, errors.Wrap(ErrDegenerate, "observations share a keyframe")
		}
	}
	if tr.maxBaseline(obs) < tr.cfg.MinBaselineM {
		return nil, errors.Wrapf(ErrDegenerate, "baseline below %.3fm", tr.cfg.MinBaselineM)
	}

	point, err := tr.solveLinear(obs)
	if err != nil {
		return nil, err
	}
	if !isFinite(point) || point.Norm() > tr.cfg.MaxRangeM {
		return nil, errors.Wrap(ErrDegenerate, "point out of range")
	}

	// Reject behind-camera and high-residual solutions per view.
	total := 0.0
	keyframeIDs := make([]int, 0, len(obs))
	for _, o := range obs {
		camPt := worldToCamera(o.Pose, point)
		if camPt.Z <= 0 {
			return nil, errors.Wrap(ErrDegenerate, "point behind camera")
		}
		pix, ok := tr.intrinsics.Project(camPt)
		if !ok {
			return nil, errors.Wrap(ErrDegenerate, "point does not project")
		}
		residual := pix.Sub(o.Pixel).Norm()
		if residual > tr.cfg.MaxReprojectionErrPx {
			return nil, errors.Wrapf(ErrDegenerate, "reprojection error %.2fpx exceeds %.2fpx",
				residual, tr.cfg.MaxReprojectionErrPx)
		}
		total += residual
		keyframeIDs = append(keyframeIDs, o.KeyframeID)
	}
	meanErr := total / float64(len(obs))
	return &Result{
		Position:     point,
		Confidence:   1 / (1 + meanErr),
		MeanReprojPx: meanErr,
		KeyframeIDs:  keyframeIDs,
	}, nil
}

// solveLinear stacks the cross-product constraint of every observation and
// takes the SVD null-space solution. With exactly two observations this is
// the classic two-view linear triangulation.
func (tr *Triangulator) solveLinear(obs []Observation) (r3.Vector, error) {
	rows := make([]*mat.Dense, 0, len(obs))
	for _, o := range obs {
		ray, err := tr.normalizedRay(o.Pixel)
		if err != nil {
			return r3.Vector{}, err
		}
		rows = append(rows, crossConstraint(ray, cameraFromWorld(o.Pose)))
	}
	a := rows[0]
	for _, r := range rows[1:] {
		var stacked mat.Dense
		stacked.Stack(a, r)
		a = &stacked
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, errors.Wrap(ErrDegenerate, "failed to factorize constraint matrix")
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if w == 0 {
		return r3.Vector{}, errors.Wrap(ErrDegenerate, "point at infinity")
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, nil
}

func (tr *Triangulator) normalizedRay(pix r2.Point) (r3.Vector, error) {
	norm, err := tr.intrinsics.PixelToNormalized(pix)
	if err != nil {
		return r3.Vector{}, err
	}
	return r3.Vector{X: norm.X, Y: norm.Y, Z: 1}, nil
}

func (tr *Triangulator) maxBaseline(obs []Observation) float64 {
	best := 0.0
	for i := 0; i < len(obs); i++ {
		for j := i + 1; j < len(obs); j++ {
			d := obs[i].Pose.Translation.Sub(obs[j].Pose.Translation).Norm()
			if d > best {
				best = d
			}
		}
	}
	return best
}

// cameraFromWorld builds the 3x4 matrix mapping world coordinates into the
// pose's camera frame.
func cameraFromWorld(pose *motion.Pose) *mat.Dense {
	rot := pose.Rotation
	p := mat.NewDense(3, 4, nil)
	// R^T and -R^T * t.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Set(i, j, rot.At(j, i))
		}
	}
	t := pose.Translation
	p.Set(0, 3, -(rot.At(0, 0)*t.X + rot.At(1, 0)*t.Y + rot.At(2, 0)*t.Z))
	p.Set(1, 3, -(rot.At(0, 1)*t.X + rot.At(1, 1)*t.Y + rot.At(2, 1)*t.Z))
	p.Set(2, 3, -(rot.At(0, 2)*t.X + rot.At(1, 2)*t.Y + rot.At(2, 2)*t.Z))
	return p
}

func worldToCamera(pose *motion.Pose, world r3.Vector) r3.Vector {
	p := cameraFromWorld(pose)
	return r3.Vector{
		X: p.At(0, 0)*world.X + p.At(0, 1)*world.Y + p.At(0, 2)*world.Z + p.At(0, 3),
		Y: p.At(1, 0)*world.X + p.At(1, 1)*world.Y + p.At(1, 2)*world.Z + p.At(1, 3),
		Z: p.At(2, 0)*world.X + p.At(2, 1)*world.Y + p.At(2, 2)*world.Z + p.At(2, 3),
	}
}

func crossConstraint(ray r3.Vector, p *mat.Dense) *mat.Dense {
	cross := mat.NewDense(3, 3, []float64{
		0, -ray.Z, ray.Y,
		ray.Z, 0, -ray.X,
		-ray.Y, ray.X, 0,
	})
	out := mat.NewDense(3, 4, nil)
	out.Mul(cross, p)
	return out
}

func isFinite(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}
