package features

import (
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func TestRegistryStartExtend(t *testing.T) {
	r := NewRegistry(2)
	id := r.Start(0, r2.Point{X: 10, Y: 20})
	test.That(t, r.Live(), test.ShouldEqual, 1)

	r.Extend(id, 1, r2.Point{X: 11, Y: 21})
	r.AdvanceFrame(map[TrackID]bool{id: true})
	test.That(t, r.Live(), test.ShouldEqual, 1)

	tracks := r.LiveTracks()
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, len(tracks[0].Observations), test.ShouldEqual, 2)
	test.That(t, tracks[0].LastObservation().FrameIndex, test.ShouldEqual, 1)
}

func TestRegistryTerminatesAfterMisses(t *testing.T) {
	r := NewRegistry(2)
	id := r.Start(0, r2.Point{X: 1, Y: 1})
	keep := r.Start(0, r2.Point{X: 5, Y: 5})

	// id misses two consecutive frames, keep continues both.
	r.AdvanceFrame(map[TrackID]bool{keep: true})
	test.That(t, r.Live(), test.ShouldEqual, 2)
	r.AdvanceFrame(map[TrackID]bool{keep: true})
	test.That(t, r.Live(), test.ShouldEqual, 1)

	terminated := r.CollectTerminated()
	test.That(t, len(terminated), test.ShouldEqual, 1)
	test.That(t, terminated[0].ID, test.ShouldEqual, id)
	// Handoff empties the terminated set.
	test.That(t, len(r.CollectTerminated()), test.ShouldEqual, 0)
}

func TestRegistryExtendUnknownID(t *testing.T) {
	r := NewRegistry(1)
	r.Extend(TrackID(99), 3, r2.Point{X: 1, Y: 2})
	test.That(t, r.Live(), test.ShouldEqual, 0)
}

func TestRegistryRetire(t *testing.T) {
	r := NewRegistry(3)
	id := r.Start(0, r2.Point{})
	r.Retire(id)
	test.That(t, r.Live(), test.ShouldEqual, 0)
	test.That(t, len(r.CollectTerminated()), test.ShouldEqual, 0)
}

func TestRegistryDrainLiveOrdered(t *testing.T) {
	r := NewRegistry(3)
	var ids []TrackID
	for i := 0; i < 5; i++ {
		ids = append(ids, r.Start(0, r2.Point{X: float64(i)}))
	}
	drained := r.DrainLive()
	test.That(t, len(drained), test.ShouldEqual, 5)
	for i, track := range drained {
		test.That(t, track.ID, test.ShouldEqual, ids[i])
	}
	test.That(t, r.Live(), test.ShouldEqual, 0)
}
