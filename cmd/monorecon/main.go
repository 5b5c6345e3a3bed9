// Package main is the monorecon command line: calibrate, capture,
// reconstruct, export, run, and doctor over reconstruction sessions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	viammonorecon "github.com/viamrobotics/viam-mono-recon"
	"github.com/viamrobotics/viam-mono-recon/camera"
	"github.com/viamrobotics/viam-mono-recon/session"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("monorecon"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	app := &cli.App{
		Name:            "monorecon",
		Usage:           "reconstruct sparse 3D point clouds from monocular image sequences",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "monorecon.yaml",
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "calibrate",
				Usage:     "solve camera intrinsics from detected checkerboard corners",
				ArgsUsage: "<corners.json> <intrinsics.json>",
				Action:    wrap(logger, calibrateAction),
			},
			{
				Name:  "capture",
				Usage: "track frames into a new session without exporting",
				Flags: []cli.Flag{nameFlag()},
				Action: wrap(logger, func(ctx context.Context, c *cli.Context, logger golog.Logger) error {
					return reconstructAction(ctx, c, logger, false)
				}),
			},
			{
				Name:  "reconstruct",
				Usage: "track frames into a new session and checkpoint the cloud",
				Flags: []cli.Flag{nameFlag()},
				Action: wrap(logger, func(ctx context.Context, c *cli.Context, logger golog.Logger) error {
					return reconstructAction(ctx, c, logger, false)
				}),
			},
			{
				Name:      "export",
				Usage:     "finalize a session directory and write packets, cloud, and manifest",
				ArgsUsage: "<session-dir>",
				Action:    wrap(logger, exportAction),
			},
			{
				Name:  "run",
				Usage: "reconstruct and export in one pass",
				Flags: []cli.Flag{nameFlag()},
				Action: wrap(logger, func(ctx context.Context, c *cli.Context, logger golog.Logger) error {
					return reconstructAction(ctx, c, logger, true)
				}),
			},
			{
				Name:   "doctor",
				Usage:  "check the configuration and environment",
				Action: wrap(logger, doctorAction),
			},
		},
	}
	return app.RunContext(ctx, append([]string{"monorecon"}, args[1:]...))
}

func nameFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "name",
		Usage: "session name (defaults to a timestamp)",
	}
}

type action func(ctx context.Context, c *cli.Context, logger golog.Logger) error

func wrap(logger golog.Logger, fn action) cli.ActionFunc {
	return func(c *cli.Context) error {
		l := logger
		if c.Bool("debug") {
			l = golog.NewDebugLogger("monorecon")
		}
		return fn(c.Context, c, l)
	}
}

func loadConfig(c *cli.Context) (*viammonorecon.Config, error) {
	return viammonorecon.LoadConfig(c.String("config"))
}

func calibrateAction(ctx context.Context, c *cli.Context, logger golog.Logger) error {
	if c.Args().Len() != 2 {
		return errors.New("usage: calibrate <corners.json> <intrinsics.json>")
	}
	input, views, err := camera.LoadCalibrationInput(c.Args().Get(0))
	if err != nil {
		return err
	}
	intrinsics, err := camera.Calibrate(views, input.Width, input.Height, input.CameraID)
	if err != nil {
		return err
	}
	if err := camera.SaveIntrinsics(c.Args().Get(1), intrinsics); err != nil {
		return err
	}
	logger.Infow("calibration solved",
		"views", len(views),
		"fx", intrinsics.Fx, "fy", intrinsics.Fy,
		"cx", intrinsics.Cx, "cy", intrinsics.Cy)
	return nil
}

func reconstructAction(ctx context.Context, c *cli.Context, logger golog.Logger, export bool) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	coord, err := viammonorecon.Reconstruct(ctx, cfg, c.String("name"), logger)
	if err != nil {
		return err
	}
	sess := coord.Session()
	if !export {
		logger.Infow("session ready", "dir", sess.Dir(), "keyframes", len(sess.Keyframes()))
		return sess.Close()
	}
	manifest, err := sess.Export(ctx)
	if err != nil {
		return err
	}
	logger.Infow("session exported", "dir", sess.Dir(),
		"points", manifest.PointCount, "packets", len(manifest.PacketFiles))
	return nil
}

func exportAction(ctx context.Context, c *cli.Context, logger golog.Logger) error {
	if c.Args().Len() != 1 {
		return errors.New("usage: export <session-dir>")
	}
	sess, err := session.Open(c.Args().Get(0), logger)
	if err != nil {
		return err
	}
	manifest, err := sess.Export(ctx)
	if err != nil {
		return err
	}
	logger.Infow("session exported", "dir", sess.Dir(),
		"points", manifest.PointCount, "packets", len(manifest.PacketFiles))
	return nil
}

func doctorAction(ctx context.Context, c *cli.Context, logger golog.Logger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	failed := 0
	for _, check := range viammonorecon.Doctor(cfg) {
		status := "ok"
		if !check.OK {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(os.Stdout, "%-14s %-5s %s\n", check.Name, status, check.Detail)
	}
	if failed > 0 {
		return errors.Errorf("%d checks failed", failed)
	}
	return nil
}
