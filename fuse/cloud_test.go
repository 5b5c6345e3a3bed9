package fuse

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func newTestFuser(t *testing.T, cfg Config) *Fuser {
	t.Helper()
	f, err := NewFuser(cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return f
}

func TestAddInsertsDistantPoints(t *testing.T) {
	f := newTestFuser(t, DefaultConfig())
	id1 := f.Add(Candidate{Position: r3.Vector{X: 1}, Confidence: 0.8})
	id2 := f.Add(Candidate{Position: r3.Vector{X: 2}, Confidence: 0.6})
	test.That(t, id1, test.ShouldNotEqual, id2)
	test.That(t, f.Current().Len(), test.ShouldEqual, 2)
	test.That(t, f.MergedCount(), test.ShouldEqual, 0)
}

func TestAddMergesWithinTolerance(t *testing.T) {
	f := newTestFuser(t, DefaultConfig())
	id1 := f.Add(Candidate{
		Position:   r3.Vector{X: 1, Y: 1, Z: 1},
		Confidence: 0.5,
		Sources:    []Source{{KeyframeID: 0, TrackID: 10}},
	})
	id2 := f.Add(Candidate{
		Position:   r3.Vector{X: 1.02, Y: 1, Z: 1},
		Confidence: 0.5,
		Sources:    []Source{{KeyframeID: 1, TrackID: 10}},
	})
	test.That(t, id2, test.ShouldEqual, id1)
	test.That(t, f.Current().Len(), test.ShouldEqual, 1)
	test.That(t, f.MergedCount(), test.ShouldEqual, 1)

	pt := f.Current().Points()[0]
	// Equal confidences average the positions.
	test.That(t, pt.Position.X, test.ShouldAlmostEqual, 1.01, 1e-9)
	test.That(t, len(pt.Sources), test.ShouldEqual, 2)
}

func TestAddMergesZeroConfidencePoints(t *testing.T) {
	f := newTestFuser(t, DefaultConfig())
	id1 := f.Add(Candidate{Position: r3.Vector{X: 1, Y: 1, Z: 1}, Confidence: 0})
	id2 := f.Add(Candidate{Position: r3.Vector{X: 1.02, Y: 1, Z: 1}, Confidence: 0})
	test.That(t, id2, test.ShouldEqual, id1)

	pt := f.Current().Points()[0]
	test.That(t, pt.Position.X, test.ShouldAlmostEqual, 1.01, 1e-9)
	test.That(t, pt.Position.Y, test.ShouldEqual, 1.0)
	test.That(t, pt.Confidence, test.ShouldEqual, 0.0)
}

func TestMergeAcrossCellBoundary(t *testing.T) {
	cfg := DefaultConfig()
	f := newTestFuser(t, cfg)
	// Positions straddle a voxel cell edge but sit within the tolerance.
	f.Add(Candidate{Position: r3.Vector{X: 0.049}, Confidence: 0.5})
	f.Add(Candidate{Position: r3.Vector{X: 0.051}, Confidence: 0.5})
	test.That(t, f.Current().Len(), test.ShouldEqual, 1)
}

func TestDownsampleDropsLowConfidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNeighbors = 0
	f := newTestFuser(t, cfg)
	f.Add(Candidate{Position: r3.Vector{X: 1}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 2}, Confidence: 0.05})

	removed := f.Downsample()
	test.That(t, removed, test.ShouldEqual, 1)
	test.That(t, f.Current().Len(), test.ShouldEqual, 1)
	test.That(t, f.Current().Generation(), test.ShouldEqual, 1)
}

func TestDownsampleDropsIsolatedPoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNeighbors = 2
	cfg.NeighborRadiusM = 0.3
	f := newTestFuser(t, cfg)
	// A tight cluster of three survives; a lone point does not.
	f.Add(Candidate{Position: r3.Vector{X: 0}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 0.2}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 0.1, Y: 0.1}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 5}, Confidence: 0.9})

	f.Downsample()
	test.That(t, f.Current().Len(), test.ShouldEqual, 3)
	for _, pt := range f.Current().Points() {
		test.That(t, pt.Position.X, test.ShouldBeLessThan, 1.0)
	}
}

func TestDownsampleIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNeighbors = 2
	cfg.NeighborRadiusM = 0.3
	f := newTestFuser(t, cfg)
	f.Add(Candidate{Position: r3.Vector{X: 0}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 0.2}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 0.1, Y: 0.1}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 5}, Confidence: 0.4})
	f.Add(Candidate{Position: r3.Vector{X: 2}, Confidence: 0.05})

	f.Downsample()
	firstPass := f.Current().Points()

	removed := f.Downsample()
	test.That(t, removed, test.ShouldEqual, 0)
	secondPass := f.Current().Points()
	test.That(t, len(secondPass), test.ShouldEqual, len(firstPass))
	for i := range firstPass {
		test.That(t, secondPass[i].ID, test.ShouldEqual, firstPass[i].ID)
		test.That(t, secondPass[i].Position, test.ShouldResemble, firstPass[i].Position)
	}
}

func TestGenerationsRemainInspectable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNeighbors = 0
	f := newTestFuser(t, cfg)
	f.Add(Candidate{Position: r3.Vector{X: 1}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 2}, Confidence: 0.05})

	f.Downsample()
	gens := f.Generations()
	test.That(t, len(gens), test.ShouldEqual, 2)
	// The pre-filter generation still holds both points.
	test.That(t, gens[0].Len(), test.ShouldEqual, 2)
	test.That(t, gens[1].Len(), test.ShouldEqual, 1)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	bad := cfg
	bad.MergeToleranceM = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.MinConfidence = 1.5
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = cfg
	bad.MinNeighbors = 3
	bad.NeighborRadiusM = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}
