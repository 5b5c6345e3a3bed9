package features

import (
	"sort"

	"github.com/golang/geo/r2"
)

// TrackID identifies a feature track across frames.
type TrackID uint64

// Observation is one sighting of a tracked feature.
type Observation struct {
	FrameIndex int
	Point      r2.Point
}

// Track is a 2D feature's trajectory across consecutive frames. A track
// lives in the registry until matching fails for too many frames or the
// coordinator retires it after triangulation.
type Track struct {
	ID           TrackID
	Observations []Observation
	missedFrames int
}

// LastObservation returns the most recent sighting.
func (t *Track) LastObservation() Observation {
	return t.Observations[len(t.Observations)-1]
}

// Registry owns the live tracks. It is mutated only by the tracker stage;
// terminated tracks leave the registry by value through CollectTerminated.
type Registry struct {
	tracks     map[TrackID]*Track
	nextID     TrackID
	maxMissed  int
	terminated []*Track
}

// NewRegistry returns a Registry terminating tracks after maxMissed
// consecutive frames without a continuation.
func NewRegistry(maxMissed int) *Registry {
	if maxMissed < 1 {
		maxMissed = 1
	}
	return &Registry{tracks: make(map[TrackID]*Track), maxMissed: maxMissed}
}

// Start opens a new track with a single observation and returns its ID.
func (r *Registry) Start(frameIndex int, pt r2.Point) TrackID {
	id := r.nextID
	r.nextID++
	r.tracks[id] = &Track{
		ID:           id,
		Observations: []Observation{{FrameIndex: frameIndex, Point: pt}},
	}
	return id
}

// Extend appends an observation to an existing track. Unknown IDs are
// ignored; the track may have been terminated in a prior frame.
func (r *Registry) Extend(id TrackID, frameIndex int, pt r2.Point) {
	track, ok := r.tracks[id]
	if !ok {
		return
	}
	track.Observations = append(track.Observations, Observation{FrameIndex: frameIndex, Point: pt})
	track.missedFrames = 0
}

// AdvanceFrame marks every track not in continued as missed for this frame
// and moves tracks past the miss limit to the terminated set.
func (r *Registry) AdvanceFrame(continued map[TrackID]bool) {
	for id, track := range r.tracks {
		if continued[id] {
			continue
		}
		track.missedFrames++
		if track.missedFrames >= r.maxMissed {
			r.terminated = append(r.terminated, track)
			delete(r.tracks, id)
		}
	}
}

// CollectTerminated hands off ownership of all terminated tracks, ordered
// by track ID for deterministic downstream processing.
func (r *Registry) CollectTerminated() []*Track {
	out := r.terminated
	r.terminated = nil
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DrainLive removes and returns every live track, ordered by ID. Used at
// session finalization so in-flight tracks get a last triangulation
// attempt.
func (r *Registry) DrainLive() []*Track {
	out := make([]*Track, 0, len(r.tracks))
	for id, track := range r.tracks {
		out = append(out, track)
		delete(r.tracks, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Retire removes a live track without a termination handoff. Used once a
// track has been triangulated.
func (r *Registry) Retire(id TrackID) {
	delete(r.tracks, id)
}

// LiveTracks returns the live tracks ordered by ID without removing them.
func (r *Registry) LiveTracks() []*Track {
	out := make([]*Track, 0, len(r.tracks))
	for _, track := range r.tracks {
		out = append(out, track)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Live returns the number of live tracks.
func (r *Registry) Live() int {
	return len(r.tracks)
}

// AliveSince counts live tracks whose first observation is at or before
// frameIndex. The keyframe selector uses this for its coverage test.
func (r *Registry) AliveSince(frameIndex int) int {
	n := 0
	for _, track := range r.tracks {
		if track.Observations[0].FrameIndex <= frameIndex {
			n++
		}
	}
	return n
}
