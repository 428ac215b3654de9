// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package msset holds the metadata of the Measurement Sets a run
// calibrates. The orchestrator never reads visibilities itself; it
// needs only frequencies, pointing, field of view, and resolution to
// derive thresholds, image sizes, and peel decisions.
package msset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"

	"github.com/skycal-project/skycal/lib/command"
	"github.com/skycal-project/skycal/lib/skymodel"
	"github.com/skycal-project/skycal/lib/taskrun"
)

// Info describes one Measurement Set.
type Info struct {
	Path string `json:"path"`

	// FreqMin and FreqMax bound the observed band in Hz.
	FreqMin float64 `json:"freq_min"`
	FreqMax float64 `json:"freq_max"`

	// TimeResolution is the integration time in seconds.
	TimeResolution float64 `json:"time_resolution"`

	Channels int `json:"channels"`

	// PhaseCentre is [RA, Dec] in degrees.
	PhaseCentre [2]float64 `json:"phase_centre"`

	// FWHM is the primary beam full width at half maximum in degrees
	// at the centre frequency.
	FWHM float64 `json:"fwhm_deg"`

	// Resolution is the synthesized beam in arcseconds.
	Resolution float64 `json:"resolution_arcsec"`
}

// Name is the dataset base name without extension.
func (i Info) Name() string { return command.DatasetName(i.Path) }

func (i Info) validate() error {
	var errs []error
	if i.FreqMin <= 0 || i.FreqMax < i.FreqMin {
		errs = append(errs, fmt.Errorf("bad frequency range [%g, %g]", i.FreqMin, i.FreqMax))
	}
	if i.Channels < 1 {
		errs = append(errs, fmt.Errorf("channel count %d", i.Channels))
	}
	if i.FWHM <= 0 {
		errs = append(errs, fmt.Errorf("FWHM %g", i.FWHM))
	}
	if i.Resolution <= 0 {
		errs = append(errs, fmt.Errorf("resolution %g", i.Resolution))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", i.Path, errors.Join(errs...))
	}
	return nil
}

// Inspector reads metadata for one dataset.
type Inspector interface {
	Inspect(ctx context.Context, path string) (Info, error)
}

// Capturer runs a command and returns its stdout. *taskrun.Runner
// satisfies it.
type Capturer interface {
	Capture(ctx context.Context, spec *command.Spec) (string, error)
}

// CommandInspector runs an external tool that prints one JSON object
// with the Info fields for the dataset given as its argument.
type CommandInspector struct {
	Runner  Capturer
	Program string
}

// Inspect implements Inspector.
func (c CommandInspector) Inspect(ctx context.Context, path string) (Info, error) {
	spec := command.New("inspect-"+command.DatasetName(path), command.KindPython, c.Program).Arg(path)
	output, err := c.Runner.Capture(ctx, spec)
	if err != nil {
		if errors.Is(err, taskrun.ErrDryRun) {
			return Info{}, fmt.Errorf("inspecting %s: inspector must not run in dry-run mode: %w", path, err)
		}
		return Info{}, fmt.Errorf("inspecting %s: %w", path, err)
	}
	var info Info
	if err := json.Unmarshal([]byte(output), &info); err != nil {
		return Info{}, fmt.Errorf("inspecting %s: parsing output: %w", path, err)
	}
	info.Path = path
	return info, nil
}

// Collection is an ordered, read-only set of datasets of one field.
type Collection struct {
	datasets []Info
}

// maxCentreOffset is the largest phase-centre disagreement tolerated
// between datasets of one field, in degrees (one arcsecond).
const maxCentreOffset = 1.0 / 3600

// NewCollection validates infos and orders them by path.
func NewCollection(infos ...Info) (*Collection, error) {
	if len(infos) == 0 {
		return nil, errors.New("msset: no datasets")
	}
	datasets := slices.Clone(infos)
	slices.SortFunc(datasets, func(a, b Info) int {
		switch {
		case a.Path < b.Path:
			return -1
		case a.Path > b.Path:
			return 1
		}
		return 0
	})

	var errs []error
	seen := map[string]string{}
	for _, info := range datasets {
		if err := info.validate(); err != nil {
			errs = append(errs, err)
		}
		if previous, exists := seen[info.Name()]; exists {
			errs = append(errs, fmt.Errorf("%s and %s share the name %s", previous, info.Path, info.Name()))
		}
		seen[info.Name()] = info.Path

		if skymodel.Distance(info.PhaseCentre, datasets[0].PhaseCentre) > maxCentreOffset {
			errs = append(errs, fmt.Errorf("%s: phase centre %v differs from %s %v",
				info.Path, info.PhaseCentre, datasets[0].Path, datasets[0].PhaseCentre))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("msset: %w", errors.Join(errs...))
	}
	return &Collection{datasets: datasets}, nil
}

// Discover globs pattern under root, inspects every match, and builds
// a collection.
func Discover(ctx context.Context, root, pattern string, inspector Inspector) (*Collection, error) {
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return nil, fmt.Errorf("msset: pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("msset: no datasets match %s", filepath.Join(root, pattern))
	}
	infos := make([]Info, 0, len(matches))
	for _, path := range matches {
		info, err := inspector.Inspect(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("msset: %w", err)
		}
		infos = append(infos, info)
	}
	return NewCollection(infos...)
}

// Len is the number of datasets.
func (c *Collection) Len() int { return len(c.datasets) }

// Datasets returns a copy of the dataset metadata.
func (c *Collection) Datasets() []Info { return slices.Clone(c.datasets) }

// Paths returns the dataset paths in order.
func (c *Collection) Paths() []string {
	paths := make([]string, len(c.datasets))
	for i, info := range c.datasets {
		paths[i] = info.Path
	}
	return paths
}

// MinFrequency is the lowest observed frequency in Hz.
func (c *Collection) MinFrequency() float64 {
	lowest := math.Inf(1)
	for _, info := range c.datasets {
		lowest = min(lowest, info.FreqMin)
	}
	return lowest
}

// MaxFrequency is the highest observed frequency in Hz.
func (c *Collection) MaxFrequency() float64 {
	highest := math.Inf(-1)
	for _, info := range c.datasets {
		highest = max(highest, info.FreqMax)
	}
	return highest
}

// CentreFrequency is the midpoint of the observed band in Hz.
func (c *Collection) CentreFrequency() float64 {
	return (c.MinFrequency() + c.MaxFrequency()) / 2
}

// PhaseCentre is the common pointing in degrees.
func (c *Collection) PhaseCentre() [2]float64 { return c.datasets[0].PhaseCentre }

// FWHM is the widest primary beam among the datasets (lowest
// frequency), in degrees.
func (c *Collection) FWHM() float64 {
	widest := 0.0
	for _, info := range c.datasets {
		widest = max(widest, info.FWHM)
	}
	return widest
}

// Resolution is the coarsest synthesized beam, in arcseconds.
func (c *Collection) Resolution() float64 {
	coarsest := 0.0
	for _, info := range c.datasets {
		coarsest = max(coarsest, info.Resolution)
	}
	return coarsest
}

// TimeResolution is the integration time of the first dataset.
func (c *Collection) TimeResolution() float64 { return c.datasets[0].TimeResolution }
