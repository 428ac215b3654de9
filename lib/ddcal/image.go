// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/skycal-project/skycal/lib/command"
	"github.com/skycal-project/skycal/lib/direction"
	"github.com/skycal-project/skycal/lib/fsutil"
	"github.com/skycal-project/skycal/lib/taskrun"
)

const (
	finalChannels = 9
	atermKernel   = 32
	atermMajor    = 4
)

// finalImage images the full field with every direction's corrections
// applied. Its source list seeds the next cycle.
func (c *Controller) finalImage(ctx context.Context, registry *direction.Registry) error {
	cycle := registry.Cycle()
	base := c.layout.FinalImageBase(cycle)
	if !c.dryRun {
		if err := fsutil.EnsureDirs(filepath.Dir(base)); err != nil {
			return err
		}
	}

	size := c.config.Imaging.WideSize
	if size <= 0 {
		size = 2 * c.datasets.FWHM()
	}
	geometry := Geometry(c.datasets.Resolution(), size, ResolutionNormal)

	spec := command.New(commandName("wsclean", cycle, "final"), command.KindWSClean, c.config.Tools.WSClean).
		Flag("reorder").
		Flag("multiscale").
		Flag("join-channels").
		Flag("save-source-list").
		Set("name", base).
		Set("size", fmt.Sprintf("%d %d", geometry.Size, geometry.Size)).
		Set("scale", formatFloat(geometry.PixelScale)+"arcsec").
		Set("weight", "briggs -0.3").
		Set("niter", strconv.Itoa(c.config.Imaging.Niter)).
		Set("minuv-l", "30").
		Set("mgain", "0.85").
		Set("auto-threshold", "1").
		Set("auto-mask", "3").
		Set("fit-spectral-pol", "3").
		Set("channels-out", strconv.Itoa(finalChannels)).
		Set("pol", "I").
		Set("data-column", "CORRECTED_DATA").
		Arg(c.datasets.Paths()...)

	if eligible := Eligible(registry); len(eligible) > 0 {
		c.logger.Info("imaging with direction-dependent corrections", "cycle", cycle, "directions", len(eligible))
		spec.Flag("use-idg").
			Set("aterm-config", c.layout.ATermConfig(cycle)).
			Set("aterm-kernel-size", strconv.Itoa(atermKernel)).
			Set("nmiter", strconv.Itoa(atermMajor))
	} else {
		c.logger.Info("imaging without direction-dependent corrections", "cycle", cycle)
	}

	if err := c.runner.Run(ctx, spec, nil, taskrun.WithMaxThreads(c.config.Imaging.Threads)); err != nil {
		return err
	}
	if err := c.requireFile(MFSImage(base)); err != nil {
		return err
	}
	return c.requireFile(SourceList(base))
}
