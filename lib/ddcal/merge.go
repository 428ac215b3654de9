// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/skycal-project/skycal/lib/command"
	"github.com/skycal-project/skycal/lib/direction"
	"github.com/skycal-project/skycal/lib/fsutil"
)

// ErrNoScreens means the a-term maker wrote no screens.
var ErrNoScreens = errors.New("no a-term screens")

// Eligible returns the directions whose solutions feed the combined
// table: kept in the field, converged, and calibrated as far as
// amplitudes.
func Eligible(registry *direction.Registry) []*direction.Direction {
	var eligible []*direction.Direction
	for _, d := range registry.All() {
		if !d.PeelOff && d.Converged && d.SolvedAmplitude() {
			eligible = append(eligible, d)
		}
	}
	return eligible
}

// mergeSolutions stages the newest tables of every eligible direction,
// combines them, and turns the result into a-term screens for the
// final image.
func (c *Controller) mergeSolutions(ctx context.Context, registry *direction.Registry) error {
	cycle := registry.Cycle()
	logger := c.logger.With("cycle", cycle)

	eligible := Eligible(registry)
	for _, d := range registry.All() {
		if !slices.Contains(eligible, d) {
			logger.Debug("direction excluded from merge",
				"direction", d.Name,
				"peel", d.PeelOff,
				"converged", d.Converged,
				"amplitudes", d.SolvedAmplitude(),
			)
		}
	}
	if len(eligible) == 0 {
		logger.Info("no direction eligible for merging, imaging without a-terms")
		return nil
	}

	if err := c.resetDir(c.layout.MergeDir(cycle)); err != nil {
		return err
	}
	var staged []string
	for _, d := range eligible {
		for _, correction := range direction.CorrectionTypes {
			entry, ok := d.Chain(correction).Get(-1)
			if !ok {
				continue
			}
			target := c.layout.MergeSolution(cycle, d.Name, correction)
			if err := c.copyFile(entry.Path, target); err != nil {
				return err
			}
			if err := c.prepareSolution(ctx, cycle, d.Name, correction, target); err != nil {
				return err
			}
			staged = append(staged, target)
		}
	}
	logger.Info("merging direction solutions", "directions", len(eligible), "tables", len(staged))

	combined := c.layout.Combined(cycle)
	if err := c.removeFile(combined); err != nil {
		return err
	}
	collect := c.python(commandName("combine", cycle), c.config.Tools.Collector).
		Arg(append([]string{"-o", combined}, staged...)...)
	if err := c.runner.Run(ctx, collect, nil); err != nil {
		return err
	}
	if err := c.requireFile(combined); err != nil {
		return err
	}

	return c.makeScreens(ctx, cycle)
}

func (c *Controller) copyFile(source, target string) error {
	if c.dryRun {
		c.logger.Info("dry run: would copy", "from", source, "to", target)
		return nil
	}
	return fsutil.CopyFile(source, target)
}

// prepareSolution re-points a staged table to its direction and
// normalizes it so tables of different directions combine: phase
// tables lose their amplitudes, amplitude tables their phases, and
// every table is referenced to the same station.
func (c *Controller) prepareSolution(ctx context.Context, cycle int, name, correction, table string) error {
	abbreviation := correctionAbbreviations[correction]
	repoint := c.python(commandName("repoint"+abbreviation, cycle, name), c.config.Tools.Repoint).
		Arg(table).
		Set("direction", name)
	if err := c.runner.Run(ctx, repoint, nil); err != nil {
		return err
	}

	reset := "phase"
	if correction == direction.Phase {
		reset = "amplitude"
	}
	normalize := c.python(commandName("normalize"+abbreviation, cycle, name), c.config.Tools.Normalize).
		Arg(table).
		Set("reset", reset).
		Flag("common-refant")
	return c.runner.Run(ctx, normalize, nil)
}

// makeScreens interpolates the combined table onto a-term screens and
// writes the imager configuration that lists them.
func (c *Controller) makeScreens(ctx context.Context, cycle int) error {
	if err := c.resetDir(c.layout.ATermDir(cycle)); err != nil {
		return err
	}
	screens := command.New(commandName("aterm", cycle), command.KindPython, c.config.Tools.ATerm).
		Arg(c.layout.Combined(cycle)).
		Set("outroot", c.layout.ATermRoot(cycle)).
		Set("skymodel", c.layout.ClusterModel(cycle))
	if err := c.runner.Run(ctx, screens, nil); err != nil {
		return err
	}
	if c.dryRun {
		c.logger.Info("dry run: would write a-term configuration", "path", c.layout.ATermConfig(cycle))
		return nil
	}

	images, err := filepath.Glob(c.layout.ATermRoot(cycle) + "*.fits")
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return fmt.Errorf("%w in %s", ErrNoScreens, c.layout.ATermDir(cycle))
	}
	slices.Sort(images)
	c.logger.Debug("a-term screens", "cycle", cycle, "count", len(images))
	return fsutil.WriteAtomic(c.layout.ATermConfig(cycle), []byte(ATermConfig(images)), 0o644)
}

// ATermConfig renders the imager configuration for a set of diagonal
// screens combined with a differential beam.
func ATermConfig(images []string) string {
	var b strings.Builder
	b.WriteString("aterms = [diagonal, beam]\n")
	fmt.Fprintf(&b, "diagonal.images = [%s]\n", strings.Join(images, " "))
	b.WriteString("diagonal.window = tukey\n")
	b.WriteString("beam.differential = true\n")
	b.WriteString("beam.update_interval = 120\n")
	b.WriteString("beam.usechannelfreq = true\n")
	return b.String()
}
