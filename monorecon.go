// Package viammonorecon reconstructs a sparse 3D point cloud from a
// monocular image sequence: ORB feature tracking, essential-matrix visual
// odometry, keyframe triangulation, and point cloud fusion, persisted as a
// session directory of JSON, PLY, and PCD artifacts.
package viammonorecon

import (
	"context"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v2"

	"github.com/viamrobotics/viam-mono-recon/camera"
	"github.com/viamrobotics/viam-mono-recon/fuse"
	"github.com/viamrobotics/viam-mono-recon/pipeline"
	"github.com/viamrobotics/viam-mono-recon/session"
)

// CaptureConfig locates the frame stream.
type CaptureConfig struct {
	// FramePattern is a glob over ordered image files.
	FramePattern string `yaml:"frame_pattern"`
	// FPS assigns synthetic timestamps during file replay.
	FPS float64 `yaml:"fps"`
}

// PathsConfig locates the session artifacts.
type PathsConfig struct {
	SessionRoot    string `yaml:"session_root"`
	IntrinsicsFile string `yaml:"intrinsics_file"`
}

// Config is the top-level configuration file schema.
type Config struct {
	Capture  CaptureConfig   `yaml:"capture"`
	Pipeline pipeline.Config `yaml:"pipeline"`
	Fusion   fuse.Config     `yaml:"fusion"`
	Paths    PathsConfig     `yaml:"paths"`
}

// DefaultConfig returns a runnable configuration needing only the capture
// pattern and intrinsics path filled in.
func DefaultConfig() Config {
	return Config{
		Capture:  CaptureConfig{FPS: 30},
		Pipeline: pipeline.DefaultConfig(),
		Fusion:   fuse.DefaultConfig(),
		Paths:    PathsConfig{SessionRoot: "sessions"},
	}
}

// Validate checks the whole configuration tree.
func (cfg *Config) Validate() error {
	if cfg.Capture.FPS <= 0 {
		return errors.New("capture fps must be positive")
	}
	if cfg.Paths.SessionRoot == "" {
		return errors.New("session_root is required")
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return err
	}
	return cfg.Fusion.Validate()
}

// LoadConfig reads a yaml configuration file, applying defaults for absent
// sections.
func LoadConfig(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %q", path)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return &cfg, nil
}

// SaveConfig writes the configuration as yaml.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create config %q", path)
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	_, err = f.Write(data)
	return errors.Wrapf(err, "failed to write config %q", path)
}

// Reconstruct runs the full pipeline over the configured frame stream and
// returns the live coordinator for inspection or export. The session name
// defaults to a timestamp when empty.
func Reconstruct(ctx context.Context, cfg *Config, name string, logger golog.Logger) (*pipeline.Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Paths.IntrinsicsFile == "" {
		return nil, camera.NewInvalidIntrinsicsError("no intrinsics file configured")
	}
	intrinsics, err := camera.LoadIntrinsics(cfg.Paths.IntrinsicsFile)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = time.Now().UTC().Format("20060102_150405")
	}

	sess, err := session.New(cfg.Paths.SessionRoot, name, intrinsics, cfg.Fusion, logger)
	if err != nil {
		return nil, err
	}
	coord, err := pipeline.NewCoordinator(cfg.Pipeline, sess, logger)
	if err != nil {
		goutils.UncheckedErrorFunc(sess.Close)
		return nil, err
	}
	src, err := pipeline.NewGlobSource(cfg.Capture.FramePattern, cfg.Capture.FPS, logger)
	if err != nil {
		goutils.UncheckedErrorFunc(sess.Close)
		return nil, err
	}
	if err := coord.Run(ctx, src); err != nil {
		goutils.UncheckedErrorFunc(sess.Close)
		return nil, err
	}
	return coord, nil
}

// ReconstructAndExport runs the pipeline and immediately finalizes the
// session.
func ReconstructAndExport(ctx context.Context, cfg *Config, name string, logger golog.Logger) (*session.Manifest, error) {
	coord, err := Reconstruct(ctx, cfg, name, logger)
	if err != nil {
		return nil, err
	}
	return coord.Session().Export(ctx)
}
