package fuse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// WritePLY serializes the cloud as an ascii PLY vertex list with per-point
// confidence.
func WritePLY(w io.Writer, c *Cloud) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "ply")
	fmt.Fprintln(bw, "format ascii 1.0")
	fmt.Fprintf(bw, "comment generation %d\n", c.Generation())
	fmt.Fprintf(bw, "element vertex %d\n", c.Len())
	fmt.Fprintln(bw, "property float x")
	fmt.Fprintln(bw, "property float y")
	fmt.Fprintln(bw, "property float z")
	fmt.Fprintln(bw, "property float confidence")
	fmt.Fprintln(bw, "end_header")
	for _, pt := range c.Points() {
		fmt.Fprintf(bw, "%.6f %.6f %.6f %.4f\n",
			pt.Position.X, pt.Position.Y, pt.Position.Z, pt.Confidence)
	}
	return bw.Flush()
}

// ReadPLY parses an ascii PLY vertex list written by WritePLY. Extra vertex
// properties beyond position and confidence are ignored.
func ReadPLY(r io.Reader) (*Cloud, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "ply" {
		return nil, errors.New("not a ply file")
	}

	count := -1
	generation := 0
	var props []string
	inVertex := false
	headerDone := false
header:
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, errors.Errorf("unsupported ply format %q", line)
			}
		case "element":
			if len(fields) == 3 && fields[1] == "vertex" {
				n, err := strconv.Atoi(fields[2])
				if err != nil {
					return nil, errors.Wrap(err, "bad vertex count")
				}
				count = n
				inVertex = true
			} else {
				inVertex = false
			}
		case "property":
			if inVertex && len(fields) == 3 {
				props = append(props, fields[2])
			}
		case "comment":
			if len(fields) == 3 && fields[1] == "generation" {
				if g, err := strconv.Atoi(fields[2]); err == nil {
					generation = g
				}
			}
		case "end_header":
			headerDone = true
			break header
		}
	}
	if !headerDone {
		return nil, errors.New("ply header truncated")
	}
	if count < 0 {
		return nil, errors.New("ply header missing vertex element")
	}
	idx := map[string]int{}
	for i, p := range props {
		idx[p] = i
	}
	for _, required := range []string{"x", "y", "z"} {
		if _, ok := idx[required]; !ok {
			return nil, errors.Errorf("ply vertex missing %q property", required)
		}
	}
	confIdx, hasConf := idx["confidence"]

	cloud := newCloud(generation, DefaultConfig().MergeToleranceM)
	for i := 0; i < count; i++ {
		if !sc.Scan() {
			return nil, errors.Errorf("ply body truncated at vertex %d of %d", i, count)
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < len(props) {
			return nil, errors.Errorf("ply vertex %d has %d values, want %d", i, len(fields), len(props))
		}
		vals := make([]float64, len(props))
		for j := range props {
			v, err := strconv.ParseFloat(fields[j], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "ply vertex %d", i)
			}
			vals[j] = v
		}
		conf := 1.0
		if hasConf {
			conf = vals[confIdx]
		}
		cloud.insert(&Point{
			ID:         uint64(i + 1),
			Position:   r3.Vector{X: vals[idx["x"]], Y: vals[idx["y"]], Z: vals[idx["z"]]},
			Confidence: conf,
		})
	}
	return cloud, sc.Err()
}
