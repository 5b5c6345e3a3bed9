// Package fuse accumulates triangulated points into a session point cloud.
// Candidates landing within a spatial tolerance of an existing point are
// merged rather than duplicated, and a deterministic downsampling pass at
// keyframe boundaries produces successive cloud generations. Earlier
// generations stay inspectable; no cloud is mutated by filtering.
package fuse

import (
	"math"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Source records one (keyframe, track) observation contributing to a point.
type Source struct {
	KeyframeID int    `json:"keyframe_id"`
	TrackID    uint64 `json:"track_id"`
}

// Point is a fused 3D point. Points are owned by the Fuser and never
// mutated in place; a merge replaces the stored point with a new one under
// the same ID.
type Point struct {
	ID         uint64
	Position   r3.Vector
	Confidence float64
	Sources    []Source
}

// Candidate is a triangulated point offered to the Fuser.
type Candidate struct {
	Position   r3.Vector
	Confidence float64
	Sources    []Source
}

// Config bounds the merge and filtering behavior.
type Config struct {
	// MergeToleranceM merges candidates within this distance of an
	// existing point.
	MergeToleranceM float64 `json:"merge_tolerance_m" yaml:"merge_tolerance_m"`
	// MinConfidence drops points below this confidence when downsampling.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	// MinNeighbors drops points with fewer neighbors than this within
	// NeighborRadiusM when downsampling. Zero disables density filtering.
	MinNeighbors int `json:"min_neighbors" yaml:"min_neighbors"`
	// NeighborRadiusM is the density filter's neighborhood radius.
	NeighborRadiusM float64 `json:"neighbor_radius_m" yaml:"neighbor_radius_m"`
}

// DefaultConfig returns the fuser defaults.
func DefaultConfig() Config {
	return Config{
		MergeToleranceM: 0.05,
		MinConfidence:   0.2,
		MinNeighbors:    2,
		NeighborRadiusM: 0.25,
	}
}

// Validate checks the fuser parameters.
func (cfg *Config) Validate() error {
	if cfg.MergeToleranceM <= 0 {
		return errors.New("merge_tolerance_m must be positive")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return errors.New("min_confidence must be in [0, 1]")
	}
	if cfg.MinNeighbors < 0 {
		return errors.New("min_neighbors cannot be negative")
	}
	if cfg.MinNeighbors > 0 && cfg.NeighborRadiusM <= 0 {
		return errors.New("neighbor_radius_m must be positive when min_neighbors is set")
	}
	return nil
}

type cellKey struct {
	x, y, z int
}

// Cloud is one generation of the session point cloud. Insertions grow the
// current generation; filtering never touches it and instead builds the
// next generation.
type Cloud struct {
	generation int
	cellSize   float64
	order      []uint64
	points     map[uint64]*Point
	grid       map[cellKey][]uint64
}

func newCloud(generation int, cellSize float64) *Cloud {
	return &Cloud{
		generation: generation,
		cellSize:   cellSize,
		points:     map[uint64]*Point{},
		grid:       map[cellKey][]uint64{},
	}
}

// Generation reports which filtering pass produced this cloud.
func (c *Cloud) Generation() int { return c.generation }

// Len reports the number of points in the cloud.
func (c *Cloud) Len() int { return len(c.order) }

// Points returns the cloud's points in insertion order.
func (c *Cloud) Points() []*Point {
	out := make([]*Point, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.points[id])
	}
	return out
}

func (c *Cloud) cell(p r3.Vector) cellKey {
	return cellKey{
		x: int(math.Floor(p.X / c.cellSize)),
		y: int(math.Floor(p.Y / c.cellSize)),
		z: int(math.Floor(p.Z / c.cellSize)),
	}
}

func (c *Cloud) insert(pt *Point) {
	c.order = append(c.order, pt.ID)
	c.points[pt.ID] = pt
	key := c.cell(pt.Position)
	c.grid[key] = append(c.grid[key], pt.ID)
}

// replace swaps the point stored under id for a fresh value, keeping the
// original insertion position.
func (c *Cloud) replace(id uint64, pt *Point) {
	old := c.points[id]
	oldKey := c.cell(old.Position)
	newKey := c.cell(pt.Position)
	if oldKey != newKey {
		ids := c.grid[oldKey]
		for i, v := range ids {
			if v == id {
				c.grid[oldKey] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		c.grid[newKey] = append(c.grid[newKey], id)
	}
	c.points[id] = pt
}

// nearestWithin finds the closest point within radius of pos, searching the
// 27 voxel cells around it. Returns 0, false when none qualifies.
func (c *Cloud) nearestWithin(pos r3.Vector, radius float64) (uint64, bool) {
	center := c.cell(pos)
	reach := int(math.Ceil(radius/c.cellSize)) + 1
	bestID, bestDist := uint64(0), math.Inf(1)
	found := false
	for dx := -reach; dx <= reach; dx++ {
		for dy := -reach; dy <= reach; dy++ {
			for dz := -reach; dz <= reach; dz++ {
				key := cellKey{center.x + dx, center.y + dy, center.z + dz}
				for _, id := range c.grid[key] {
					d := c.points[id].Position.Sub(pos).Norm()
					if d <= radius && d < bestDist {
						bestID, bestDist, found = id, d, true
					}
				}
			}
		}
	}
	return bestID, found
}

// neighborCount counts points within radius of pos, excluding the point
// with the given id.
func (c *Cloud) neighborCount(id uint64, pos r3.Vector, radius float64) int {
	center := c.cell(pos)
	reach := int(math.Ceil(radius/c.cellSize)) + 1
	n := 0
	for dx := -reach; dx <= reach; dx++ {
		for dy := -reach; dy <= reach; dy++ {
			for dz := -reach; dz <= reach; dz++ {
				key := cellKey{center.x + dx, center.y + dy, center.z + dz}
				for _, other := range c.grid[key] {
					if other == id {
						continue
					}
					if c.points[other].Position.Sub(pos).Norm() <= radius {
						n++
					}
				}
			}
		}
	}
	return n
}

// Fuser owns the session cloud and its generation history.
type Fuser struct {
	cfg         Config
	logger      golog.Logger
	nextID      uint64
	merged      int
	generations []*Cloud
}

// NewFuser returns a Fuser holding an empty generation-zero cloud.
func NewFuser(cfg Config, logger golog.Logger) (*Fuser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid fuser config")
	}
	cellSize := cfg.MergeToleranceM
	if cfg.MinNeighbors > 0 && cfg.NeighborRadiusM > cellSize {
		cellSize = cfg.NeighborRadiusM
	}
	return &Fuser{
		cfg:         cfg,
		logger:      logger,
		nextID:      1,
		generations: []*Cloud{newCloud(0, cellSize)},
	}, nil
}

// Current returns the live cloud generation.
func (f *Fuser) Current() *Cloud {
	return f.generations[len(f.generations)-1]
}

// Generations returns every cloud generation, oldest first.
func (f *Fuser) Generations() []*Cloud {
	out := make([]*Cloud, len(f.generations))
	copy(out, f.generations)
	return out
}

// MergedCount reports how many candidates were folded into existing points.
func (f *Fuser) MergedCount() int { return f.merged }

// Restore replaces the fuser's state with a previously persisted cloud,
// keeping its point IDs and generation so a reopened session resumes where
// the checkpoint left off instead of re-fusing its own output.
func (f *Fuser) Restore(c *Cloud) {
	restored := newCloud(c.Generation(), f.Current().cellSize)
	maxID := uint64(0)
	for _, pt := range c.Points() {
		restored.insert(pt)
		if pt.ID > maxID {
			maxID = pt.ID
		}
	}
	f.generations = []*Cloud{restored}
	if maxID >= f.nextID {
		f.nextID = maxID + 1
	}
}

// Add folds a candidate into the current cloud. A candidate within the
// merge tolerance of an existing point replaces it with a
// confidence-weighted average; otherwise it is inserted as a new point.
func (f *Fuser) Add(cand Candidate) uint64 {
	cloud := f.Current()
	if id, ok := cloud.nearestWithin(cand.Position, f.cfg.MergeToleranceM); ok {
		existing := cloud.points[id]
		total := existing.Confidence + cand.Confidence
		// Two zero-confidence points average to their midpoint.
		w := 0.5
		if total > 0 {
			w = cand.Confidence / total
		}
		pos := existing.Position.Mul(1 - w).Add(cand.Position.Mul(w))
		merged := &Point{
			ID:         id,
			Position:   pos,
			Confidence: math.Min(1, total),
			Sources:    unionSources(existing.Sources, cand.Sources),
		}
		cloud.replace(id, merged)
		f.merged++
		return id
	}
	id := f.nextID
	f.nextID++
	cloud.insert(&Point{
		ID:         id,
		Position:   cand.Position,
		Confidence: cand.Confidence,
		Sources:    append([]Source(nil), cand.Sources...),
	})
	return id
}

// Downsample builds the next cloud generation, dropping points below the
// confidence floor and points that are spatial outliers relative to their
// neighborhood. The filter iterates to a fixed point, so running it again
// on the result removes nothing. Returns the number of points removed.
func (f *Fuser) Downsample() int {
	current := f.Current()
	next := newCloud(current.generation+1, current.cellSize)
	for _, id := range current.order {
		pt := current.points[id]
		if pt.Confidence < f.cfg.MinConfidence {
			continue
		}
		next.insert(pt)
	}
	if f.cfg.MinNeighbors > 0 {
		for {
			var drop []uint64
			for _, id := range next.order {
				pt := next.points[id]
				if next.neighborCount(id, pt.Position, f.cfg.NeighborRadiusM) < f.cfg.MinNeighbors {
					drop = append(drop, id)
				}
			}
			if len(drop) == 0 {
				break
			}
			next = rebuildWithout(next, drop)
		}
	}
	removed := current.Len() - next.Len()
	f.generations = append(f.generations, next)
	f.logger.Debugw("downsampled point cloud",
		"generation", next.generation, "kept", next.Len(), "removed", removed)
	return removed
}

func rebuildWithout(c *Cloud, drop []uint64) *Cloud {
	dropped := make(map[uint64]bool, len(drop))
	for _, id := range drop {
		dropped[id] = true
	}
	out := newCloud(c.generation, c.cellSize)
	for _, id := range c.order {
		if !dropped[id] {
			out.insert(c.points[id])
		}
	}
	return out
}

func unionSources(a, b []Source) []Source {
	seen := make(map[Source]bool, len(a)+len(b))
	out := make([]Source, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].KeyframeID != out[j].KeyframeID {
			return out[i].KeyframeID < out[j].KeyframeID
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}
