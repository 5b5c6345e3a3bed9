package pipeline

import (
	"context"
	"image"
	"io"
	"path/filepath"
	"sort"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/rdk/rimage"
)

// Frame is one item of the ordered capture stream.
type Frame struct {
	Index     int
	Timestamp float64
	Image     *image.Gray
}

// Source yields frames in strictly increasing index order. Next returns
// io.EOF when the stream ends. A source handles its own skip policy for
// unreadable frames; the indices it emits may therefore have gaps.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	// Skipped reports how many frames the source dropped.
	Skipped() int
}

// GlobSource reads image files matching a glob pattern in lexical order,
// one frame per file. An unreadable file is logged and skipped, not fatal.
type GlobSource struct {
	paths   []string
	pos     int
	index   int
	fps     float64
	skipped int
	logger  golog.Logger
}

// NewGlobSource resolves pattern and returns a source over the matches.
// fps supplies synthetic timestamps for file-based replay.
func NewGlobSource(pattern string, fps float64, logger golog.Logger) (*GlobSource, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "bad frame pattern %q", pattern)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no frames match %q", pattern)
	}
	if fps <= 0 {
		fps = 30
	}
	sort.Strings(paths)
	return &GlobSource{paths: paths, fps: fps, logger: logger}, nil
}

// Next loads the next readable frame.
func (g *GlobSource) Next(ctx context.Context) (*Frame, error) {
	for g.pos < len(g.paths) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := g.paths[g.pos]
		g.pos++
		idx := g.index
		g.index++

		img, err := rimage.NewImageFromFile(path)
		if err != nil {
			g.skipped++
			g.logger.Warnw("skipping unreadable frame", "path", path, "error", err)
			continue
		}
		return &Frame{
			Index:     idx,
			Timestamp: float64(idx) / g.fps,
			Image:     rimage.MakeGray(img),
		}, nil
	}
	return nil, io.EOF
}

// Skipped reports how many files failed to load.
func (g *GlobSource) Skipped() int { return g.skipped }
