// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/skycal-project/skycal/lib/direction"
	"github.com/skycal-project/skycal/lib/fsutil"
	"github.com/skycal-project/skycal/lib/skymodel"
	"github.com/skycal-project/skycal/lib/taskrun"
)

// compactThreshold is the island detection threshold of the
// compact-source mask, in units of the local RMS.
const compactThreshold = "7"

// clusterImage is the image a cycle's compact-source mask is made
// from. Cycle 0 has one only when configured.
func (c *Controller) clusterImage(cycle int) string {
	if cycle == 0 {
		return c.config.Model.Image
	}
	return MFSImage(c.layout.FinalImageBase(cycle - 1))
}

// compactSources masks the bright compact emission inside the primary
// beam and returns the names of the model's sources that fall in the
// mask. A nil set means no mask was made and every direction counts as
// compact.
func (c *Controller) compactSources(ctx context.Context, cycle int, modelPath string) (map[string]bool, error) {
	image := c.clusterImage(cycle)
	if image == "" {
		c.logger.Debug("no image for the compact-source mask", "cycle", cycle)
		return nil, nil
	}
	if err := c.writeBeamRegion(); err != nil {
		return nil, err
	}

	mask := c.python(commandName("maskcl", cycle), c.config.Tools.Mask).
		Arg(image).
		Set("threshisl", compactThreshold).
		Setf("remove-extended-cutoff", "%g", c.config.Clustering.RemoveExtendedCutoff).
		Set("beam-region", c.layout.BeamRegion()).
		Set("outfile", c.layout.ClusterMask(cycle))
	if err := c.runner.Run(ctx, mask, nil); err != nil {
		if !errors.Is(err, taskrun.ErrFailed) {
			return nil, err
		}
		c.logger.Warn("compact-source mask failed, treating every direction as compact", "cycle", cycle, "error", err)
		return nil, nil
	}
	outfile, _ := mask.Get("outfile")
	if err := c.requireFile(outfile); err != nil {
		return nil, err
	}

	list := c.python(commandName("masksources", cycle), c.config.Tools.MaskSources).
		Arg(outfile, modelPath)
	output, err := c.runner.Capture(ctx, list)
	switch {
	case c.dryRun && errors.Is(err, taskrun.ErrDryRun):
		return nil, nil
	case err != nil:
		return nil, err
	}
	compact := map[string]bool{}
	for _, name := range strings.Fields(output) {
		compact[name] = true
	}
	c.logger.Info("compact-source mask made", "cycle", cycle, "mask", outfile, "compact_sources", len(compact))
	return compact, nil
}

func (c *Controller) writeBeamRegion() error {
	path := c.layout.BeamRegion()
	if c.dryRun {
		c.logger.Info("dry run: would write beam region", "path", path)
		return nil
	}
	var buffer bytes.Buffer
	if err := skymodel.WriteCircleRegion(&buffer, c.datasets.PhaseCentre(), c.datasets.FWHM()/2); err != nil {
		return err
	}
	if err := fsutil.EnsureDirs(filepath.Dir(path)); err != nil {
		return err
	}
	return fsutil.WriteAtomic(path, buffer.Bytes(), 0o644)
}

// markExtended flags every direction without a source in compact and
// returns how many were flagged.
func markExtended(catalog *skymodel.Catalog, registry *direction.Registry, compact map[string]bool) int {
	inMask := map[string]bool{}
	for _, source := range catalog.Sources {
		if compact[source.Name] {
			inMask[source.Patch] = true
		}
	}
	count := 0
	for _, d := range registry.All() {
		d.Extended = !inMask[d.Name]
		if d.Extended {
			count++
		}
	}
	return count
}
