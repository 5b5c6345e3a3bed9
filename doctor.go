package viammonorecon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/viamrobotics/viam-mono-recon/camera"
)

// Check is one environment diagnostic result.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// Doctor inspects the configuration and its referenced paths and reports
// what a reconstruction run would find. It never fails; every problem is a
// row in the result.
func Doctor(cfg *Config) []Check {
	checks := []Check{checkConfig(cfg)}
	checks = append(checks, checkIntrinsics(cfg.Paths.IntrinsicsFile))
	checks = append(checks, checkSessionRoot(cfg.Paths.SessionRoot))
	checks = append(checks, checkFrames(cfg.Capture.FramePattern))
	return checks
}

func checkConfig(cfg *Config) Check {
	if err := cfg.Validate(); err != nil {
		return Check{Name: "config", Detail: err.Error()}
	}
	return Check{Name: "config", OK: true, Detail: "valid"}
}

func checkIntrinsics(path string) Check {
	c := Check{Name: "intrinsics"}
	if path == "" {
		c.Detail = "no intrinsics file configured; run calibrate first"
		return c
	}
	in, err := camera.LoadIntrinsics(path)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%dx%d fx=%.1f fy=%.1f", in.Width, in.Height, in.Fx, in.Fy)
	return c
}

func checkSessionRoot(root string) Check {
	c := Check{Name: "session_root"}
	if root == "" {
		c.Detail = "session_root is empty"
		return c
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		c.Detail = err.Error()
		return c
	}
	probe := filepath.Join(root, ".doctor_probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		c.Detail = err.Error()
		return c
	}
	_ = os.Remove(probe)
	c.OK = true
	c.Detail = root
	return c
}

func checkFrames(pattern string) Check {
	c := Check{Name: "frames"}
	if pattern == "" {
		c.Detail = "no frame_pattern configured"
		return c
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	if len(paths) == 0 {
		c.Detail = fmt.Sprintf("no files match %q", pattern)
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%d frames", len(paths))
	return c
}
