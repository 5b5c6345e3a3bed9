package motion

import (
	"math"
	"math/rand"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrPoseEstimationFailed is returned when a frame's relative motion could
// not be recovered. The caller carries the previous pose forward; capture
// continues.
var ErrPoseEstimationFailed = errors.New("pose estimation failed")

// minSampleSize is the correspondence count needed by the 8-point solve.
const minSampleSize = 8

// homographySampleSize is the correspondence count of a minimal
// homography fit.
const homographySampleSize = 4

// homographyRatio is the fraction of the fundamental consensus a
// homography must explain before the scene is treated as plane-dominated.
const homographyRatio = 0.8

// EstimatorConfig contains the parameters of the robust two-view solve.
type EstimatorConfig struct {
	// MinInliers is the inlier floor below which a frame is declared lost.
	MinInliers int `yaml:"min_inliers"`
	// StepScaleM is the fixed per-step translation magnitude in meters.
	// This is the documented scale-drift source: true metric scale is
	// unobservable monocularly.
	StepScaleM float64 `yaml:"step_scale_m"`
	// RansacIterations bounds the sampling loop.
	RansacIterations int `yaml:"ransac_iterations"`
	// InlierThresholdPx is the Sampson distance bound in pixels.
	InlierThresholdPx float64 `yaml:"inlier_threshold_px"`
	// RandomSeed makes the sampling loop reproducible.
	RandomSeed int64 `yaml:"random_seed"`
}

// DefaultEstimatorConfig returns the estimator defaults.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		MinInliers:        30,
		StepScaleM:        0.1,
		RansacIterations:  200,
		InlierThresholdPx: 1.0,
		RandomSeed:        1,
	}
}

// Validate checks the estimator parameters.
func (cfg *EstimatorConfig) Validate() error {
	if cfg.MinInliers < minSampleSize {
		return errors.Errorf("min_inliers must be at least %d, got %d", minSampleSize, cfg.MinInliers)
	}
	if cfg.StepScaleM <= 0 {
		return errors.New("step_scale_m must be positive")
	}
	if cfg.RansacIterations <= 0 {
		return errors.New("ransac_iterations must be positive")
	}
	if cfg.InlierThresholdPx <= 0 {
		return errors.New("inlier_threshold_px must be positive")
	}
	return nil
}

// Estimator recovers relative camera motion from matched correspondences.
type Estimator struct {
	cfg    EstimatorConfig
	rnd    *rand.Rand
	logger golog.Logger
}

// NewEstimator returns an Estimator with a validated configuration.
func NewEstimator(cfg EstimatorConfig, logger golog.Logger) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid estimator config")
	}
	//nolint:gosec
	return &Estimator{cfg: cfg, rnd: rand.New(rand.NewSource(cfg.RandomSeed)), logger: logger}, nil
}

// EstimateMotion estimates the relative rigid transform between the frames
// that produced the matched point sets pts1 (previous) and pts2 (current),
// given the camera matrix k. It returns ErrPoseEstimationFailed when there
// are too few matches or the inlier count falls below the configured
// minimum.
func (e *Estimator) EstimateMotion(pts1, pts2 []r2.Point, k *mat.Dense) (*Motion, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("matched point sets differ in length")
	}
	if len(pts1) < minSampleSize {
		return nil, errors.Wrapf(ErrPoseEstimationFailed,
			"%d matches, need at least %d", len(pts1), minSampleSize)
	}

	inlierMask, inlierCount := e.ransacFundamental(pts1, pts2)

	// On a plane-dominated scene the epipolar constraint degenerates and a
	// spurious fundamental matrix can absorb gross mismatches. When a
	// homography explains nearly the whole fundamental consensus, trust
	// the homography's support instead.
	hMask, hCount := e.ransacHomography(pts1, pts2)
	if hCount >= minSampleSize && float64(hCount) >= homographyRatio*float64(inlierCount) && hCount < inlierCount {
		e.logger.Debugw("plane-dominated scene, keeping homography support",
			"fundamental_consensus", inlierCount, "homography_consensus", hCount)
		inlierMask, inlierCount = hMask, hCount
	}

	if inlierCount < e.cfg.MinInliers {
		e.logger.Debugw("frame lost", "inliers", inlierCount, "min_inliers", e.cfg.MinInliers)
		return nil, errors.Wrapf(ErrPoseEstimationFailed,
			"%d inliers below minimum %d", inlierCount, e.cfg.MinInliers)
	}

	in1 := make([]r2.Point, 0, inlierCount)
	in2 := make([]r2.Point, 0, inlierCount)
	for i, ok := range inlierMask {
		if ok {
			in1 = append(in1, pts1[i])
			in2 = append(in2, pts2[i])
		}
	}

	f, err := fundamentalMatrix(in1, in2)
	if err != nil {
		return nil, errors.Wrap(ErrPoseEstimationFailed, err.Error())
	}
	essential := essentialFromFundamental(k, f)
	rot, trans, err := recoverPose(essential, in1, in2, k)
	if err != nil {
		return nil, errors.Wrap(ErrPoseEstimationFailed, err.Error())
	}

	// Normalize translation to the configured step scale; monocular
	// reconstruction has no absolute scale to preserve.
	norm := trans.Norm()
	if norm > 1e-8 {
		trans = trans.Mul(e.cfg.StepScaleM / norm)
	}
	return &Motion{
		Rotation:    rot,
		Translation: trans,
		Inliers:     inlierCount,
		InlierRatio: float64(inlierCount) / float64(len(pts1)),
	}, nil
}

// Status maps a motion's inlier count onto the three-state tracking policy.
func (e *Estimator) Status(m *Motion) PoseStatus {
	if m == nil {
		return PoseStatusLost
	}
	return StatusForInliers(m.Inliers, e.cfg.MinInliers)
}

// ransacFundamental runs the sampling loop and returns the best consensus
// inlier mask.
func (e *Estimator) ransacFundamental(pts1, pts2 []r2.Point) ([]bool, int) {
	n := len(pts1)
	bestMask := make([]bool, n)
	bestCount := 0
	sample1 := make([]r2.Point, minSampleSize)
	sample2 := make([]r2.Point, minSampleSize)
	threshold := e.cfg.InlierThresholdPx * e.cfg.InlierThresholdPx

	for iter := 0; iter < e.cfg.RansacIterations; iter++ {
		idx := e.rnd.Perm(n)[:minSampleSize]
		for i, j := range idx {
			sample1[i] = pts1[j]
			sample2[i] = pts2[j]
		}
		f, err := fundamentalMatrix(sample1, sample2)
		if err != nil {
			continue
		}
		mask := make([]bool, n)
		count := 0
		for i := range pts1 {
			if sampsonDistanceSq(f, pts1[i], pts2[i]) < threshold {
				mask[i] = true
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			bestMask = mask
		}
	}
	return bestMask, bestCount
}

// ransacHomography runs a 4-point sampling loop and returns the best
// homography support, refit once over its own inliers so near-planar
// structure is counted against the best-fit plane rather than a minimal
// sample's.
func (e *Estimator) ransacHomography(pts1, pts2 []r2.Point) ([]bool, int) {
	n := len(pts1)
	bestMask := make([]bool, n)
	bestCount := 0
	sample1 := make([]r2.Point, homographySampleSize)
	sample2 := make([]r2.Point, homographySampleSize)
	threshold := e.cfg.InlierThresholdPx * e.cfg.InlierThresholdPx

	support := func(h *mat.Dense) ([]bool, int) {
		mask := make([]bool, n)
		count := 0
		for i := range pts1 {
			if transferErrorSq(h, pts1[i], pts2[i]) < threshold {
				mask[i] = true
				count++
			}
		}
		return mask, count
	}

	for iter := 0; iter < e.cfg.RansacIterations; iter++ {
		idx := e.rnd.Perm(n)[:homographySampleSize]
		for i, j := range idx {
			sample1[i] = pts1[j]
			sample2[i] = pts2[j]
		}
		h, err := homographyMatrix(sample1, sample2)
		if err != nil {
			continue
		}
		if mask, count := support(h); count > bestCount {
			bestCount = count
			bestMask = mask
		}
	}

	if bestCount >= homographySampleSize {
		in1 := make([]r2.Point, 0, bestCount)
		in2 := make([]r2.Point, 0, bestCount)
		for i, ok := range bestMask {
			if ok {
				in1 = append(in1, pts1[i])
				in2 = append(in2, pts2[i])
			}
		}
		if h, err := homographyMatrix(in1, in2); err == nil {
			if mask, count := support(h); count > bestCount {
				bestCount = count
				bestMask = mask
			}
		}
	}
	return bestMask, bestCount
}

// homographyMatrix computes a homography with the normalized DLT.
func homographyMatrix(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) < homographySampleSize {
		return nil, errors.Errorf("need at least %d points, got %d", homographySampleSize, len(pts1))
	}
	norm1, t1 := normalizePoints(pts1)
	norm2, t2 := normalizePoints(pts2)

	a := mat.NewDense(2*len(norm1), 9, nil)
	for i := range norm1 {
		p1, p2 := norm1[i], norm2[i]
		a.SetRow(2*i, []float64{
			-p1.X, -p1.Y, -1,
			0, 0, 0,
			p2.X * p1.X, p2.X * p1.Y, p2.X,
		})
		a.SetRow(2*i+1, []float64{
			0, 0, 0,
			-p1.X, -p1.Y, -1,
			p2.Y * p1.X, p2.Y * p1.Y, p2.Y,
		})
	}
	hVec, err := smallestSingularVector(a)
	if err != nil {
		return nil, err
	}
	h := mat.NewDense(3, 3, hVec)

	// Denormalize: T2^-1 * H * T1.
	var t2Inv mat.Dense
	if err := t2Inv.Inverse(t2); err != nil {
		return nil, errors.Wrap(err, "normalization transform is singular")
	}
	var tmp mat.Dense
	tmp.Mul(&t2Inv, h)
	h.Mul(&tmp, t1)
	if h.At(2, 2) != 0 {
		h.Scale(1/h.At(2, 2), h)
	}
	return h, nil
}

// transferErrorSq is the squared pixel distance between H*p1 and p2.
func transferErrorSq(h *mat.Dense, p1, p2 r2.Point) float64 {
	w := h.At(2, 0)*p1.X + h.At(2, 1)*p1.Y + h.At(2, 2)
	if w == 0 {
		return math.Inf(1)
	}
	u := (h.At(0, 0)*p1.X + h.At(0, 1)*p1.Y + h.At(0, 2)) / w
	v := (h.At(1, 0)*p1.X + h.At(1, 1)*p1.Y + h.At(1, 2)) / w
	du, dv := u-p2.X, v-p2.Y
	return du*du + dv*dv
}

// fundamentalMatrix computes the fundamental matrix with the normalized
// 8-point algorithm (Hartley normalization, rank-2 enforcement).
func fundamentalMatrix(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) < minSampleSize {
		return nil, errors.Errorf("need at least %d points, got %d", minSampleSize, len(pts1))
	}
	norm1, t1 := normalizePoints(pts1)
	norm2, t2 := normalizePoints(pts2)

	a := mat.NewDense(len(norm1), 9, nil)
	for i := range norm1 {
		p1, p2 := norm1[i], norm2[i]
		a.SetRow(i, []float64{
			p2.X * p1.X, p2.X * p1.Y, p2.X,
			p2.Y * p1.X, p2.Y * p1.Y, p2.Y,
			p1.X, p1.Y, 1,
		})
	}
	fVec, err := smallestSingularVector(a)
	if err != nil {
		return nil, err
	}
	f := enforceRank2(mat.NewDense(3, 3, fVec))

	// Denormalize: T2^T * F * T1.
	var tmp mat.Dense
	tmp.Mul(t2.T(), f)
	f.Mul(&tmp, t1)
	if f.At(2, 2) != 0 {
		f.Scale(1/f.At(2, 2), f)
	}
	return f, nil
}

// normalizePoints translates and scales points so their centroid is the
// origin and mean distance is sqrt(2) (Multiple View Geometry, Alg 11.1).
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	n := float64(len(pts))
	var mu r2.Point
	for _, pt := range pts {
		mu.X += pt.X
		mu.Y += pt.Y
	}
	mu = mu.Mul(1 / n)
	d := 0.0
	for _, pt := range pts {
		d += math.Hypot(pt.X-mu.X, pt.Y-mu.Y) / n
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt2 / d
	}
	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = r2.Point{X: scale * (pt.X - mu.X), Y: scale * (pt.Y - mu.Y)}
	}
	return out, t
}

// enforceRank2 projects a 3x3 matrix onto the closest rank-2 matrix by
// zeroing its smallest singular value.
func enforceRank2(m *mat.Dense) *mat.Dense {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return m
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)
	vals[2] = 0
	s := mat.NewDiagDense(3, vals)
	var tmp, out mat.Dense
	tmp.Mul(&u, s)
	out.Mul(&tmp, v.T())
	return &out
}

// essentialFromFundamental lifts F to the essential matrix K^T F K with
// rank-2 enforcement.
func essentialFromFundamental(k, f *mat.Dense) *mat.Dense {
	var tmp, e mat.Dense
	tmp.Mul(k.T(), f)
	e.Mul(&tmp, k)
	return enforceRank2(&e)
}

// sampsonDistanceSq is the first-order geometric error of a correspondence
// under a fundamental matrix.
func sampsonDistanceSq(f *mat.Dense, p1, p2 r2.Point) float64 {
	x1 := []float64{p1.X, p1.Y, 1}
	x2 := []float64{p2.X, p2.Y, 1}
	// F * x1 and F^T * x2.
	var fx1, ftx2 [3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			fx1[i] += f.At(i, j) * x1[j]
			ftx2[i] += f.At(j, i) * x2[j]
		}
	}
	num := x2[0]*fx1[0] + x2[1]*fx1[1] + x2[2]*fx1[2]
	den := fx1[0]*fx1[0] + fx1[1]*fx1[1] + ftx2[0]*ftx2[0] + ftx2[1]*ftx2[1]
	if den == 0 {
		return math.Inf(1)
	}
	return num * num / den
}

// decomposeEssential returns the two candidate rotations and the
// translation direction of an essential matrix.
func decomposeEssential(e *mat.Dense) (*mat.Dense, *mat.Dense, r3.Vector, error) {
	var svd mat.SVD
	if ok := svd.Factorize(e, mat.SVDFull); !ok {
		return nil, nil, r3.Vector{}, errors.New("failed to factorize essential matrix")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	if mat.Det(&u) < 0 {
		u.Scale(-1, &u)
	}
	if mat.Det(&v) < 0 {
		v.Scale(-1, &v)
	}
	w := mat.NewDense(3, 3, []float64{0, 1, 0, -1, 0, 0, 0, 0, 1})
	var r1, r2m mat.Dense
	r1.Mul(&u, w)
	r1.Mul(&r1, v.T())
	r2m.Mul(&u, w.T())
	r2m.Mul(&r2m, v.T())
	t := r3.Vector{X: u.At(0, 2), Y: u.At(1, 2), Z: u.At(2, 2)}
	return &r1, &r2m, t, nil
}

// recoverPose picks the (R, t) candidate placing the most triangulated
// points in front of both cameras.
func recoverPose(essential *mat.Dense, pts1, pts2 []r2.Point, k *mat.Dense) (*mat.Dense, r3.Vector, error) {
	r1, r2m, t, err := decomposeEssential(essential)
	if err != nil {
		return nil, r3.Vector{}, err
	}
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, r3.Vector{}, errors.Wrap(err, "camera matrix is singular")
	}
	norm1 := toNormalizedRays(&kInv, pts1)
	norm2 := toNormalizedRays(&kInv, pts2)

	candidates := []struct {
		rot   *mat.Dense
		trans r3.Vector
	}{
		{r1, t}, {r1, t.Mul(-1)}, {r2m, t}, {r2m, t.Mul(-1)},
	}
	best := -1
	bestVotes := -1
	for i, c := range candidates {
		votes := positiveDepthVotes(c.rot, c.trans, norm1, norm2)
		if votes > bestVotes {
			bestVotes = votes
			best = i
		}
	}
	if bestVotes <= 0 {
		return nil, r3.Vector{}, errors.New("no candidate pose places points in front of both cameras")
	}
	chosen := candidates[best]
	// The decomposition yields camera-2-from-camera-1; invert to express
	// the new camera in the previous camera's frame for composition.
	var rotInv mat.Dense
	rotInv.CloneFrom(chosen.rot.T())
	trans := rotateVector(&rotInv, chosen.trans.Mul(-1))
	return &rotInv, trans, nil
}

// positiveDepthVotes triangulates correspondences under the candidate pose
// and counts those landing in front of both cameras.
func positiveDepthVotes(rot *mat.Dense, trans r3.Vector, rays1, rays2 []r3.Vector) int {
	p1 := projectionMatrix(identity3(), r3.Vector{})
	p2 := projectionMatrix(rot, trans)
	votes := 0
	for i := range rays1 {
		pt, ok := triangulateRay(p1, p2, rays1[i], rays2[i])
		if !ok {
			continue
		}
		if pt.Z <= 0 {
			continue
		}
		inSecond := rotateVector(rot, pt).Add(trans)
		if inSecond.Z > 0 {
			votes++
		}
	}
	return votes
}

// projectionMatrix builds the 3x4 matrix [R|t].
func projectionMatrix(rot *mat.Dense, trans r3.Vector) *mat.Dense {
	p := mat.NewDense(3, 4, nil)
	p.Slice(0, 3, 0, 3).(*mat.Dense).Copy(rot)
	p.Set(0, 3, trans.X)
	p.Set(1, 3, trans.Y)
	p.Set(2, 3, trans.Z)
	return p
}

// triangulateRay solves the two-view linear triangulation for a single
// correspondence expressed as homogeneous normalized rays.
func triangulateRay(p1, p2 *mat.Dense, ray1, ray2 r3.Vector) (r3.Vector, bool) {
	var a mat.Dense
	a.Stack(crossRows(ray1, p1), crossRows(ray2, p2))
	var svd mat.SVD
	if ok := svd.Factorize(&a, mat.SVDFull); !ok {
		return r3.Vector{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if w == 0 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, true
}

// crossRows returns [x]_x * P, the two-row-rank constraint of one view.
func crossRows(ray r3.Vector, p *mat.Dense) *mat.Dense {
	cross := mat.NewDense(3, 3, []float64{
		0, -ray.Z, ray.Y,
		ray.Z, 0, -ray.X,
		-ray.Y, ray.X, 0,
	})
	out := mat.NewDense(3, 4, nil)
	out.Mul(cross, p)
	return out
}

func toNormalizedRays(kInv *mat.Dense, pts []r2.Point) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i, pt := range pts {
		out[i] = rotateVector(kInv, r3.Vector{X: pt.X, Y: pt.Y, Z: 1})
	}
	return out
}

// smallestSingularVector returns the right singular vector with the
// smallest singular value.
func smallestSingularVector(m *mat.Dense) ([]float64, error) {
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
