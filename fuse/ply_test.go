package fuse

import (
	"bytes"
	"strings"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestPLYRoundTrip(t *testing.T) {
	f, err := NewFuser(DefaultConfig(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	f.Add(Candidate{Position: r3.Vector{X: 1.25, Y: -0.5, Z: 3.75}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: -2, Y: 0.125, Z: 6}, Confidence: 0.4})
	f.Add(Candidate{Position: r3.Vector{X: 0, Y: 0, Z: 1}, Confidence: 1})

	var buf bytes.Buffer
	test.That(t, WritePLY(&buf, f.Current()), test.ShouldBeNil)

	parsed, err := ReadPLY(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parsed.Len(), test.ShouldEqual, f.Current().Len())

	orig := f.Current().Points()
	got := parsed.Points()
	for i := range orig {
		test.That(t, got[i].Position.X, test.ShouldAlmostEqual, orig[i].Position.X, 1e-5)
		test.That(t, got[i].Position.Y, test.ShouldAlmostEqual, orig[i].Position.Y, 1e-5)
		test.That(t, got[i].Position.Z, test.ShouldAlmostEqual, orig[i].Position.Z, 1e-5)
		test.That(t, got[i].Confidence, test.ShouldAlmostEqual, orig[i].Confidence, 1e-3)
	}
}

func TestPLYPreservesGeneration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNeighbors = 0
	f, err := NewFuser(cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	f.Add(Candidate{Position: r3.Vector{X: 1}, Confidence: 0.9})
	f.Downsample()
	f.Downsample()
	test.That(t, f.Current().Generation(), test.ShouldEqual, 2)

	var buf bytes.Buffer
	test.That(t, WritePLY(&buf, f.Current()), test.ShouldBeNil)
	parsed, err := ReadPLY(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parsed.Generation(), test.ShouldEqual, 2)
}

func TestFuserRestore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNeighbors = 0
	f, err := NewFuser(cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	f.Add(Candidate{Position: r3.Vector{X: 1}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 1.02}, Confidence: 0.9})
	f.Add(Candidate{Position: r3.Vector{X: 2}, Confidence: 0.9})
	f.Downsample()

	var buf bytes.Buffer
	test.That(t, WritePLY(&buf, f.Current()), test.ShouldBeNil)
	parsed, err := ReadPLY(&buf)
	test.That(t, err, test.ShouldBeNil)

	fresh, err := NewFuser(cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	fresh.Restore(parsed)

	// Persisted points are reloaded as-is rather than re-fused, and the
	// generation survives the reload.
	test.That(t, fresh.Current().Len(), test.ShouldEqual, f.Current().Len())
	test.That(t, fresh.Current().Generation(), test.ShouldEqual, f.Current().Generation())
	test.That(t, fresh.MergedCount(), test.ShouldEqual, 0)

	// New points keep getting IDs past the restored ones.
	id := fresh.Add(Candidate{Position: r3.Vector{X: 5}, Confidence: 0.9})
	for _, pt := range fresh.Current().Points() {
		if pt.ID != id {
			test.That(t, pt.ID, test.ShouldBeLessThan, id)
		}
	}
}

func TestReadPLYRejectsGarbage(t *testing.T) {
	_, err := ReadPLY(strings.NewReader("not a ply file\n"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ReadPLY(strings.NewReader("ply\nformat binary_little_endian 1.0\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadPLYTruncatedBody(t *testing.T) {
	header := "ply\nformat ascii 1.0\nelement vertex 3\n" +
		"property float x\nproperty float y\nproperty float z\nend_header\n" +
		"1 2 3\n"
	_, err := ReadPLY(strings.NewReader(header))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "truncated")
}

func TestReadPLYWithoutConfidence(t *testing.T) {
	body := "ply\nformat ascii 1.0\nelement vertex 1\n" +
		"property float x\nproperty float y\nproperty float z\nend_header\n" +
		"0.5 1.5 2.5\n"
	cloud, err := ReadPLY(strings.NewReader(body))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Len(), test.ShouldEqual, 1)
	test.That(t, cloud.Points()[0].Confidence, test.ShouldEqual, 1.0)
}
