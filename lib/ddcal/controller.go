// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/skycal-project/skycal/lib/cluster"
	"github.com/skycal-project/skycal/lib/config"
	"github.com/skycal-project/skycal/lib/direction"
	"github.com/skycal-project/skycal/lib/fsutil"
	"github.com/skycal-project/skycal/lib/ledger"
	"github.com/skycal-project/skycal/lib/msset"
	"github.com/skycal-project/skycal/lib/selfcal"
	"github.com/skycal-project/skycal/lib/taskrun"
)

// RunContext carries everything a controller uses. Nothing is read
// from package state.
type RunContext struct {
	Config   *config.Config
	Ledger   *ledger.Ledger
	Runner   *taskrun.Runner
	Datasets *msset.Collection
	Noise    NoiseMeter
	Logger   *slog.Logger
}

// Controller runs the major cycles of one pipeline.
type Controller struct {
	config   *config.Config
	ledger   *ledger.Ledger
	runner   *taskrun.Runner
	datasets *msset.Collection
	noise    NoiseMeter
	logger   *slog.Logger
	layout   Layout

	policy     selfcal.Policy
	phase      *selfcal.Schedule
	amplitude1 *selfcal.Schedule
	amplitude2 *selfcal.Schedule
	grouper    cluster.Grouper

	dryRun bool
}

// New builds a controller.
func New(rc RunContext) (*Controller, error) {
	var missing []error
	if rc.Config == nil {
		missing = append(missing, errors.New("config is required"))
	}
	if rc.Ledger == nil {
		missing = append(missing, errors.New("ledger is required"))
	}
	if rc.Runner == nil {
		missing = append(missing, errors.New("runner is required"))
	}
	if rc.Datasets == nil || rc.Datasets.Len() == 0 {
		missing = append(missing, errors.New("datasets are required"))
	}
	if rc.Noise == nil {
		missing = append(missing, errors.New("noise meter is required"))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("ddcal: %w", errors.Join(missing...))
	}

	calibration := rc.Config.Calibration
	phase, err := selfcal.NewSchedule(calibration.PhaseIntervals...)
	if err != nil {
		return nil, fmt.Errorf("ddcal: phase intervals: %w", err)
	}
	amplitude1, err := selfcal.NewSchedule(calibration.Amplitude1Intervals...)
	if err != nil {
		return nil, fmt.Errorf("ddcal: amplitude1 intervals: %w", err)
	}
	amplitude2, err := selfcal.NewSchedule(calibration.Amplitude2Intervals...)
	if err != nil {
		return nil, fmt.Errorf("ddcal: amplitude2 intervals: %w", err)
	}

	logger := rc.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Controller{
		config:   rc.Config,
		ledger:   rc.Ledger,
		runner:   rc.Runner,
		datasets: rc.Datasets,
		noise:    rc.Noise,
		logger:   logger,
		layout:   Layout{Root: rc.Config.Paths.Root, Parsets: rc.Config.Paths.Parsets},
		policy: selfcal.Policy{
			MaxRounds:         calibration.MaxRounds,
			ImprovementFactor: calibration.ImprovementFactor,
			DivergenceFactor:  calibration.DivergenceFactor,
		},
		phase:      phase,
		amplitude1: amplitude1,
		amplitude2: amplitude2,
		grouper: cluster.Grouper{
			LookDistance:     rc.Config.Clustering.LookDistance,
			KernelSize:       rc.Config.Clustering.KernelSize,
			GroupingDistance: rc.Config.Clustering.GroupingDistance,
		},
		dryRun: rc.Runner.DryRun(),
	}, nil
}

// Layout returns the workspace path mapping.
func (c *Controller) Layout() Layout { return c.layout }

// Run executes every major cycle, skipping steps the ledger already
// holds. In dry-run mode it stops after the first cycle with pending
// work, since later cycles depend on products that were not made.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.step(ctx, StepSetup, c.setup); err != nil {
		return err
	}
	if err := c.step(ctx, StepAddCol, c.addColumn); err != nil {
		return err
	}

	for cycle := range c.config.Calibration.MaxCycles {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending := false
		if c.dryRun {
			done, err := c.ledger.IsDone(ctx, cycleStep(cycle, "image"))
			if err != nil {
				return err
			}
			pending = !done
		}
		if err := c.RunCycle(ctx, cycle); err != nil {
			return fmt.Errorf("major cycle %d: %w", cycle, err)
		}
		if pending {
			c.logger.Info("dry run: stopping after the first pending cycle", "cycle", cycle)
			return nil
		}
	}
	c.logger.Info("direction-dependent calibration complete", "cycles", c.config.Calibration.MaxCycles)
	return nil
}

// RunCycle executes one major cycle.
func (c *Controller) RunCycle(ctx context.Context, cycle int) error {
	logger := c.logger.With("cycle", cycle)
	logger.Info("starting major cycle")

	if err := c.step(ctx, cycleStep(cycle, "delimg"), func(context.Context) error {
		return c.resetDir(c.layout.ImageDir())
	}); err != nil {
		return err
	}

	registry, err := c.directions(ctx, cycle)
	if err != nil {
		return err
	}

	if err := c.step(ctx, cycleStep(cycle, "skydb"), func(ctx context.Context) error {
		return c.makeSourceDB(ctx, commandName("skydb", cycle), c.layout.ClusterModel(cycle), c.layout.ClusterSkyDB(cycle))
	}); err != nil {
		return err
	}

	if err := c.step(ctx, cycleStep(cycle, "fullsub"), func(ctx context.Context) error {
		logger.Info("subtracting the full model from CORRECTED_DATA into SUBTRACTED_DATA")
		spec := c.dp3(commandName("fullsub", cycle), "DP3-predict.parset").
			Set("msin.datacolumn", "CORRECTED_DATA").
			Set("msout.datacolumn", "SUBTRACTED_DATA").
			Set("pre.operation", "subtract").
			Set("pre.sourcedb", c.layout.ClusterSkyDB(cycle))
		return c.runner.Run(ctx, spec, c.datasets.Paths())
	}); err != nil {
		return err
	}

	minFrequency := c.datasets.MinFrequency()
	threshold := direction.Threshold(c.config.Calibration.MinFluxJy, minFrequency)
	active := registry.Active(minFrequency, threshold)
	logger.Info("calibrating directions",
		"active", len(active),
		"total", registry.Len(),
		"threshold_jy", threshold,
	)
	for _, d := range active {
		if err := c.calibrateDirection(ctx, registry, d); err != nil {
			return fmt.Errorf("direction %s: %w", d.Name, err)
		}
	}

	if err := c.step(ctx, cycleStep(cycle, "merge"), func(ctx context.Context) error {
		return c.mergeSolutions(ctx, registry)
	}); err != nil {
		return err
	}

	if err := c.step(ctx, cycleStep(cycle, "image"), func(ctx context.Context) error {
		return c.finalImage(ctx, registry)
	}); err != nil {
		return err
	}

	if c.config.Runner.CompressLogs {
		if err := c.step(ctx, cycleStep(cycle, "archive"), func(context.Context) error {
			return c.archiveLogs(cycle)
		}); err != nil {
			return err
		}
	}

	logger.Info("major cycle complete")
	return nil
}

// step runs body under the ledger. In dry-run mode the ledger is
// consulted but never written.
func (c *Controller) step(ctx context.Context, name string, body func(context.Context) error) error {
	if c.dryRun {
		done, err := c.ledger.IsDone(ctx, name)
		if err != nil {
			return err
		}
		if done {
			c.logger.Debug("step already done, skipping", "step", name)
			return nil
		}
		c.logger.Info("dry run: step pending", "step", name)
		if err := body(ctx); err != nil {
			return fmt.Errorf("step %s: %w", name, err)
		}
		return nil
	}
	if _, err := c.ledger.Do(ctx, name, body); err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}
	return nil
}

func (c *Controller) isDone(ctx context.Context, name string) (bool, error) {
	return c.ledger.IsDone(ctx, name)
}

func (c *Controller) markDone(ctx context.Context, name string) error {
	if c.dryRun {
		return nil
	}
	return c.ledger.MarkDone(ctx, name)
}

func (c *Controller) setup(context.Context) error {
	if c.dryRun {
		c.logger.Info("dry run: would recreate workspace", "dir", c.layout.DDCalDir())
		return nil
	}
	if err := os.RemoveAll(c.layout.DDCalDir()); err != nil {
		return fmt.Errorf("clearing %s: %w", c.layout.DDCalDir(), err)
	}
	return fsutil.EnsureDirs(c.layout.Directories()...)
}

func (c *Controller) addColumn(ctx context.Context) error {
	spec := c.python("addcol", c.config.Tools.AddColumn).
		Arg("-m", "${MS}", "-c", "SUBTRACTED_DATA", "-i", "DATA").
		ForEachDataset()
	return c.runner.Run(ctx, spec, c.datasets.Paths())
}

// resetDir empties and recreates a scratch directory.
func (c *Controller) resetDir(path string) error {
	if c.dryRun {
		c.logger.Info("dry run: would recreate directory", "dir", path)
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("clearing %s: %w", path, err)
	}
	return fsutil.EnsureDirs(path)
}

func (c *Controller) removeFile(path string) error {
	if c.dryRun {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func (c *Controller) saveRegistry(registry *direction.Registry) error {
	if c.dryRun {
		return nil
	}
	return registry.Save(c.layout.Registry(registry.Cycle()))
}

// requireFile fails when an expected product is missing after the
// tool that makes it reported success.
func (c *Controller) requireFile(path string) error {
	if c.dryRun {
		return nil
	}
	exists, err := fsutil.Exists(path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrMissingProduct, path)
	}
	return nil
}

// ErrMissingProduct means a tool exited successfully without writing
// the file it should have made.
var ErrMissingProduct = errors.New("expected product missing")

func (c *Controller) archiveLogs(cycle int) error {
	total := 0
	for _, pattern := range []string{fmt.Sprintf("*-c%02d.log", cycle), fmt.Sprintf("*-c%02d-*.log", cycle)} {
		if c.dryRun {
			c.logger.Info("dry run: would archive logs", "pattern", pattern)
			continue
		}
		count, err := c.runner.ArchiveLogs(pattern)
		if err != nil {
			return err
		}
		total += count
	}
	c.logger.Info("cycle logs archived", "cycle", cycle, "count", total)
	return nil
}
