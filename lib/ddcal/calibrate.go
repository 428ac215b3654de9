// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/skycal-project/skycal/lib/direction"
	"github.com/skycal-project/skycal/lib/selfcal"
	"github.com/skycal-project/skycal/lib/taskrun"
)

// dryRunNoise stands in for measurements that a dry run cannot make.
const dryRunNoise = 1.0

// calibrateDirection runs one direction from predict to subtract. A
// direction whose done step is recorded is taken from the registry
// as-is.
func (c *Controller) calibrateDirection(ctx context.Context, registry *direction.Registry, d *direction.Direction) error {
	cycle := registry.Cycle()
	done, err := c.isDone(ctx, directionStep(cycle, d.Name, "done"))
	if err != nil {
		return err
	}
	if done {
		c.logger.Debug("direction already calibrated", "cycle", cycle, "direction", d.Name, "converged", d.Converged)
		return nil
	}

	logger := c.logger.With("cycle", cycle, "direction", d.Name)
	logger.Info("calibrating direction",
		"flux_jy", d.Flux,
		"size_deg", d.Size,
		"ra", d.Position[0],
		"dec", d.Position[1],
		"peel", d.PeelOff,
	)

	if err := c.isolate(ctx, cycle, d); err != nil {
		return err
	}
	shifted := c.shiftedDatasets()

	if err := c.step(ctx, directionStep(cycle, d.Name, "preimage"), func(ctx context.Context) error {
		_, err := c.clean(ctx, cycle, PreImageName(d.Name), "DATA", shifted, d.Size, ResolutionNormal)
		return err
	}); err != nil {
		return err
	}

	if d.NoiseInit == 0 {
		rms, measured, err := c.measure(ctx, MFSImage(c.layout.ImageBase(PreImageName(d.Name))))
		if err != nil {
			return err
		}
		if measured {
			d.NoiseInit = rms
			if err := c.saveRegistry(registry); err != nil {
				return err
			}
		} else {
			rms = dryRunNoise
		}
		logger.Info("initial noise", "rms", rms)
	}
	noiseInit := d.NoiseInit
	if noiseInit == 0 {
		noiseInit = dryRunNoise
	}

	tracker, err := selfcal.NewTracker(c.policy, noiseInit)
	if err != nil {
		return err
	}
	for !tracker.Done() {
		round := tracker.Round()
		rms, measured, err := c.selfcalRound(ctx, registry, d, round, c.intervals(round, tracker), shifted)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		if _, err := tracker.Observe(rms); err != nil {
			return err
		}
		logger.Info("self-calibration round finished",
			"round", round,
			"rms", rms,
			"rms_pre", tracker.NoisePre(),
			"amplitudes_next", tracker.DoAmplitude(),
		)
		if !measured {
			logger.Info("dry run: noise unavailable, stopping after one round")
			break
		}
	}

	lastRound := tracker.Round() - 1
	d.Converged = tracker.Converged()
	if d.Converged {
		d.SetModel(direction.StageBest, SourceList(c.layout.ImageBase(RoundImageName(d.Name, lastRound))))
		logger.Info("direction converged",
			"rounds", tracker.Round(),
			"rms_init", tracker.NoiseInit(),
			"rms_final", tracker.NoisePre(),
			"stopped_on_degradation", tracker.Stopped(),
		)
		if err := c.step(ctx, directionStep(cycle, d.Name, "subtract"), func(ctx context.Context) error {
			return c.subtract(ctx, cycle, d)
		}); err != nil {
			return err
		}
	} else {
		logger.Warn("direction diverged, leaving it in the residual data",
			"rms_init", tracker.NoiseInit(),
			"rms_final", tracker.NoisePre(),
		)
	}

	if err := c.saveRegistry(registry); err != nil {
		return err
	}
	return c.markDone(ctx, directionStep(cycle, d.Name, "done"))
}

func (c *Controller) shiftedDatasets() []string {
	paths := c.datasets.Paths()
	shifted := make([]string, len(paths))
	for i, path := range paths {
		shifted[i] = c.layout.ShiftedDataset(path)
	}
	return shifted
}

func degrees(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64) + "deg"
}

// isolate puts the direction back into the residual data and makes a
// phase-shifted, averaged, flagged, beam-corrected copy of it.
func (c *Controller) isolate(ctx context.Context, cycle int, d *direction.Direction) error {
	datasets := c.datasets.Paths()
	shifted := c.shiftedDatasets()
	position := fmt.Sprintf("[%s,%s]", degrees(d.Position[0]), degrees(d.Position[1]))

	if err := c.step(ctx, directionStep(cycle, d.Name, "predict"), func(ctx context.Context) error {
		predict := c.dp3(commandName("predict", cycle, d.Name), "DP3-predict.parset").
			Set("msin.datacolumn", "SUBTRACTED_DATA").
			Set("msout.datacolumn", "MODEL_DATA").
			Set("pre.sourcedb", c.layout.ClusterSkyDB(cycle)).
			Set("pre.sources", "["+d.Name+"]")
		if err := c.runner.Run(ctx, predict, datasets); err != nil {
			return err
		}
		add := c.taql(commandName("addback", cycle, d.Name),
			"update ${MS} set SUBTRACTED_DATA = SUBTRACTED_DATA + MODEL_DATA")
		return c.runner.Run(ctx, add, datasets)
	}); err != nil {
		return err
	}

	if err := c.step(ctx, directionStep(cycle, d.Name, "shift"), func(ctx context.Context) error {
		if err := c.resetDir(c.layout.ShiftedDir()); err != nil {
			return err
		}
		spec := c.dp3(commandName("shift", cycle, d.Name), "DP3-shiftavg.parset").
			Set("msout", filepath.Join(c.layout.ShiftedDir(), "${MS_NAME}.MS")).
			Set("msin.datacolumn", "SUBTRACTED_DATA").
			Set("msout.datacolumn", "DATA").
			Set("shift.phasecenter", position)
		return c.runner.Run(ctx, spec, datasets)
	}); err != nil {
		return err
	}

	if err := c.step(ctx, directionStep(cycle, d.Name, "flag"), func(ctx context.Context) error {
		spec := c.dp3(commandName("flag", cycle, d.Name), "DP3-flag.parset").
			Set("msin.datacolumn", "DATA").
			Set("msout", ".")
		return c.runner.Run(ctx, spec, shifted)
	}); err != nil {
		return err
	}

	return c.step(ctx, directionStep(cycle, d.Name, "beam"), func(ctx context.Context) error {
		spec := c.dp3(commandName("beam", cycle, d.Name), "DP3-beam.parset").
			Set("msin.datacolumn", "DATA").
			Set("msout.datacolumn", "DATA").
			Set("corrbeam.direction", position)
		return c.runner.Run(ctx, spec, shifted)
	})
}

// intervals returns the solution interval of each correction solved in
// round. The amplitude schedules start from their first value in the
// round that switched amplitude solving on. The tracker is rebuilt
// from recorded noise on resume, so a replayed round gets the same
// intervals.
func (c *Controller) intervals(round int, tracker *selfcal.Tracker) map[string]int {
	intervals := map[string]int{direction.Phase: c.phase.At(round)}
	if from, ok := tracker.AmplitudeFrom(); ok {
		intervals[direction.Amplitude1] = c.amplitude1.At(round - from)
		intervals[direction.Amplitude2] = c.amplitude2.At(round - from)
	}
	return intervals
}

// selfcalRound solves, corrects, and images one round and returns its
// noise. Every correction in intervals is solved, in application
// order. measured is false when a dry run could not measure it.
func (c *Controller) selfcalRound(ctx context.Context, registry *direction.Registry, d *direction.Direction, round int, intervals map[string]int, shifted []string) (rms float64, measured bool, err error) {
	cycle := registry.Cycle()
	var corrections []string
	for _, correction := range direction.CorrectionTypes {
		if _, ok := intervals[correction]; ok {
			corrections = append(corrections, correction)
		}
	}

	if err := c.step(ctx, roundStep(cycle, d.Name, round, "calibrate"), func(ctx context.Context) error {
		return c.solve(ctx, cycle, d, round, corrections, intervals, shifted)
	}); err != nil {
		return 0, false, err
	}
	for _, correction := range corrections {
		if err := d.Chain(correction).Append(round, c.layout.Solution(cycle, d.Name, correction, round)); err != nil {
			return 0, false, fmt.Errorf("%s chain: %w", correction, err)
		}
	}

	imageName := RoundImageName(d.Name, round)
	if err := c.step(ctx, roundStep(cycle, d.Name, round, "image"), func(ctx context.Context) error {
		_, err := c.clean(ctx, cycle, imageName, "CORRECTED_DATA", shifted, d.Size, ResolutionNormal)
		return err
	}); err != nil {
		return 0, false, err
	}

	if rms, ok := d.Noise(round); ok {
		c.logger.Debug("noise taken from the registry", "direction", d.Name, "round", round, "rms", rms)
		return rms, true, c.saveRegistry(registry)
	}
	rms, measured, err = c.measure(ctx, MFSImage(c.layout.ImageBase(imageName)))
	if err != nil {
		return 0, false, err
	}
	if !measured {
		return dryRunNoise, false, nil
	}
	if err := d.RecordNoise(round, rms); err != nil {
		return 0, false, err
	}
	return rms, true, c.saveRegistry(registry)
}

// solve runs the correction chain of one round. Each correction is
// solved on smoothed data, collected into one table, and applied to
// CORRECTED_DATA, which the next correction then smooths and solves
// against.
func (c *Controller) solve(ctx context.Context, cycle int, d *direction.Direction, round int, corrections []string, intervals map[string]int, shifted []string) error {
	tag := fmt.Sprintf("cdd%02d", round)

	input := "DATA"
	for _, correction := range corrections {
		abbreviation := correctionAbbreviations[correction]

		smooth := c.python(commandName("smooth"+abbreviation, cycle, d.Name, tag), c.config.Tools.Smooth).
			Arg("-r", "-i", input, "-o", "SMOOTHED_DATA", "${MS}").
			ForEachDataset()
		if err := c.runner.Run(ctx, smooth, shifted); err != nil {
			return err
		}

		table := "cal-" + abbreviation + ".h5"
		solver := c.dp3(commandName("sol"+abbreviation, cycle, d.Name, tag), solveParsets[correction]).
			Set("msin.datacolumn", "SMOOTHED_DATA").
			Set("sol.h5parm", "${MS}/"+table).
			Set("sol.solint", strconv.Itoa(intervals[correction]))
		if err := c.runner.Run(ctx, solver, shifted); err != nil {
			return err
		}

		output := c.layout.Solution(cycle, d.Name, correction, round)
		if err := c.removeFile(output); err != nil {
			return err
		}
		tables := make([]string, len(shifted))
		for i, dataset := range shifted {
			tables[i] = filepath.Join(dataset, table)
		}
		collect := c.python(commandName("collect"+abbreviation, cycle, d.Name, tag), c.config.Tools.Collector).
			Arg(append([]string{"-o", output}, tables...)...)
		if err := c.runner.Run(ctx, collect, nil); err != nil {
			return err
		}
		if err := c.requireFile(output); err != nil {
			return err
		}

		if c.config.Calibration.PlotSolutions {
			plot := c.python(commandName("plot"+abbreviation, cycle, d.Name, tag), c.config.Tools.Losoto).
				Arg(output, c.layout.Parset("losoto-plot-"+abbreviation+".parset")).
				Set("prefix", c.layout.Plots(cycle, d.Name, correction, round))
			if err := c.runner.Run(ctx, plot, nil, taskrun.WithBestEffort()); err != nil {
				return err
			}
		}

		correct := c.dp3(commandName("cor"+abbreviation, cycle, d.Name, tag), "DP3-correct.parset").
			Set("msin.datacolumn", input).
			Set("msout.datacolumn", "CORRECTED_DATA").
			Set("cor.parmdb", output).
			Set("cor.correction", correctionTables[correction])
		if err := c.runner.Run(ctx, correct, shifted); err != nil {
			return err
		}
		input = "CORRECTED_DATA"
	}
	return nil
}

var solveParsets = map[string]string{
	direction.Phase:      "DP3-solPh.parset",
	direction.Amplitude1: "DP3-solAmp1.parset",
	direction.Amplitude2: "DP3-solAmp2.parset",
}

var correctionTables = map[string]string{
	direction.Phase:      "phase000",
	direction.Amplitude1: "amplitude000",
	direction.Amplitude2: "amplitude000",
}

// subtract removes the direction's best model, corrupted by its newest
// solutions, from SUBTRACTED_DATA of the full datasets.
func (c *Controller) subtract(ctx context.Context, cycle int, d *direction.Direction) error {
	best, ok := d.Model(direction.StageBest)
	if !ok {
		return fmt.Errorf("direction %s has no best model", d.Name)
	}
	skydb := best[:len(best)-len(filepath.Ext(best))] + ".skydb"
	if err := c.makeSourceDB(ctx, commandName("skydb", cycle, d.Name), best, skydb); err != nil {
		return err
	}

	datasets := c.datasets.Paths()
	predict := c.dp3(commandName("prenew", cycle, d.Name), "DP3-predict.parset").
		Set("msin.datacolumn", "SUBTRACTED_DATA").
		Set("msout.datacolumn", "MODEL_DATA").
		Set("pre.sourcedb", skydb)
	if err := c.runner.Run(ctx, predict, datasets); err != nil {
		return err
	}

	for _, correction := range direction.CorrectionTypes {
		entry, ok := d.Chain(correction).Get(-1)
		if !ok {
			continue
		}
		corrupt := c.dp3(commandName("corrupt"+correctionAbbreviations[correction], cycle, d.Name), "DP3-correct.parset").
			Set("msin.datacolumn", "MODEL_DATA").
			Set("msout.datacolumn", "MODEL_DATA").
			Set("cor.invert", "false").
			Set("cor.parmdb", entry.Path).
			Set("cor.correction", correctionTables[correction])
		if err := c.runner.Run(ctx, corrupt, datasets); err != nil {
			return err
		}
	}

	remove := c.taql(commandName("subtract", cycle, d.Name),
		"update ${MS} set SUBTRACTED_DATA = SUBTRACTED_DATA - MODEL_DATA")
	return c.runner.Run(ctx, remove, datasets)
}

// measure returns the RMS of image. measured is false in a dry run,
// where the image was never made.
func (c *Controller) measure(ctx context.Context, image string) (rms float64, measured bool, err error) {
	rms, err = c.noise.Measure(ctx, image)
	switch {
	case err == nil:
		c.logger.Debug("noise measured", "image", image, slog.Float64("rms", rms))
		return rms, true, nil
	case c.dryRun && errors.Is(err, taskrun.ErrDryRun):
		return 0, false, nil
	default:
		return 0, false, err
	}
}
