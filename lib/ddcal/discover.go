// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/skycal-project/skycal/lib/direction"
	"github.com/skycal-project/skycal/lib/fsutil"
	"github.com/skycal-project/skycal/lib/skymodel"
)

// directions returns the cycle's registry, loading it when a previous
// run saved one and discovering it otherwise.
func (c *Controller) directions(ctx context.Context, cycle int) (*direction.Registry, error) {
	path := c.layout.Registry(cycle)
	registry, err := direction.Load(path)
	switch {
	case err == nil:
		c.logger.Info("directions reloaded", "cycle", cycle, "count", registry.Len(), "path", path)
		if registry.Cycle() != cycle {
			return nil, fmt.Errorf("%s holds cycle %d", path, registry.Cycle())
		}
		return registry, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	registry, err = c.discover(ctx, cycle)
	if err != nil {
		return nil, fmt.Errorf("discovering directions: %w", err)
	}
	if err := c.saveRegistry(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// sourceModel is the catalog a cycle clusters: the configured model
// for cycle 0, the previous cycle's wide-field source list after that.
func (c *Controller) sourceModel(cycle int) string {
	if cycle == 0 {
		return c.config.Model.SkyModel
	}
	return SourceList(c.layout.FinalImageBase(cycle - 1))
}

// discover clusters the cycle's sky model into directions. Sources
// are first grouped into patches, nearby patches are merged by mean
// shift, and each remaining patch becomes a direction named ddcalNNNN
// in order of decreasing flux at the lowest observed frequency.
// Directions with no source in the compact-source mask are flagged
// Extended; they stay in the model but are not calibrated.
func (c *Controller) discover(ctx context.Context, cycle int) (*direction.Registry, error) {
	modelPath := c.sourceModel(cycle)
	catalog, err := skymodel.Load(modelPath)
	if err != nil {
		return nil, err
	}
	if catalog.Len() == 0 {
		return nil, fmt.Errorf("sky model %s has no sources", modelPath)
	}
	compact, err := c.compactSources(ctx, cycle, modelPath)
	if err != nil {
		return nil, err
	}

	grouping := "keep"
	if len(catalog.PatchNames()) == 0 || slices.ContainsFunc(catalog.Sources, func(s skymodel.Source) bool { return s.Patch == "" }) {
		grouping = "single"
	}
	if err := catalog.Group(grouping); err != nil {
		return nil, err
	}

	frequency := c.datasets.MinFrequency()
	catalog.SetPatchPositions(frequency)
	patches := catalog.PatchNames()
	positions := catalog.PatchPositions()
	fluxes := catalog.PatchFluxes(frequency)

	points := make([][2]float64, len(patches))
	weights := make([]float64, len(patches))
	for i, patch := range patches {
		points[i] = positions[patch]
		weights[i] = fluxes[patch]
	}
	clusters, err := c.grouper.Run(points, weights)
	if err != nil {
		return nil, err
	}
	merged := 0
	for _, members := range clusters {
		if len(members) < 2 {
			continue
		}
		names := make([]string, len(members))
		for i, index := range members {
			names[i] = patches[index]
		}
		catalog.Merge(names, "")
		merged += len(members) - 1
	}
	c.logger.Info("sky model clustered",
		"cycle", cycle,
		"model", modelPath,
		"sources", catalog.Len(),
		"patches", len(patches),
		"merged", merged,
	)

	catalog.SetPatchPositions(frequency)
	fluxes = catalog.PatchFluxes(frequency)
	patches = catalog.PatchNames()
	slices.SortStableFunc(patches, func(a, b string) int {
		if order := cmp.Compare(fluxes[b], fluxes[a]); order != 0 {
			return order
		}
		return cmp.Compare(a, b)
	})

	// Rename through temporary names so a new name can never collide
	// with a patch that has not been renamed yet.
	for i, patch := range patches {
		catalog.RenamePatch(patch, fmt.Sprintf("\x00%d", i))
	}
	for i := range patches {
		catalog.RenamePatch(fmt.Sprintf("\x00%d", i), directionName(i))
	}

	positions = catalog.PatchPositions()
	fluxes = catalog.PatchFluxes(frequency)
	sizes := catalog.PatchSizes()

	registry, err := direction.NewRegistry(cycle)
	if err != nil {
		return nil, err
	}
	for i := range patches {
		name := directionName(i)
		d := direction.New(name, positions[name], sizes[name], fluxes[name], frequency)
		d.SetModel(direction.StageInit, c.layout.DirectionModel(cycle, name))
		if err := registry.Add(d); err != nil {
			return nil, err
		}
	}
	registry.Sort(frequency)
	peeled := registry.MarkPeel(c.datasets.PhaseCentre(), c.datasets.FWHM())
	extended := 0
	if compact != nil {
		extended = markExtended(catalog, registry, compact)
	}
	c.logger.Info("directions discovered", "cycle", cycle, "count", registry.Len(), "peel", peeled, "extended", extended)

	if err := c.writeModels(cycle, catalog, registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func directionName(index int) string { return fmt.Sprintf("ddcal%04d", index) }

// writeModels saves the clustered model, its region file, and one
// model per direction.
func (c *Controller) writeModels(cycle int, catalog *skymodel.Catalog, registry *direction.Registry) error {
	if c.dryRun {
		c.logger.Info("dry run: would write clustered sky model", "path", c.layout.ClusterModel(cycle))
		return nil
	}
	regions := c.layout.ClusterRegions(cycle)
	if err := fsutil.EnsureDirs(filepath.Dir(c.layout.ClusterModel(cycle)), filepath.Dir(regions)); err != nil {
		return err
	}
	if err := catalog.WriteFile(c.layout.ClusterModel(cycle), skymodel.FormatMakesourcedb); err != nil {
		return err
	}
	if err := catalog.WriteFile(regions, skymodel.FormatDS9); err != nil {
		return err
	}
	for _, d := range registry.All() {
		path, _ := d.Model(direction.StageInit)
		if err := catalog.Subset(d.Name).WriteFile(path, skymodel.FormatMakesourcedb); err != nil {
			return err
		}
	}
	return nil
}
