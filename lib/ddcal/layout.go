// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"fmt"
	"path/filepath"

	"github.com/skycal-project/skycal/lib/command"
	"github.com/skycal-project/skycal/lib/direction"
)

// Layout maps cycles, directions, and rounds to workspace paths.
// Every path is a pure function of its arguments.
type Layout struct {
	Root    string
	Parsets string
}

func (l Layout) join(parts ...string) string {
	return filepath.Join(append([]string{l.Root}, parts...)...)
}

// Directories lists the directories a run writes into.
func (l Layout) Directories() []string {
	return []string{
		l.join("ddcal", "masks"),
		l.join("ddcal", "plots"),
		l.join("ddcal", "images"),
		l.join("ddcal", "solutions"),
		l.join("ddcal", "skymodels"),
		l.join("ddcal", "aterm"),
		l.ImageDir(),
		l.ShiftedDir(),
	}
}

// DDCalDir holds every persistent product of the pipeline.
func (l Layout) DDCalDir() string { return l.join("ddcal") }

// ImageDir holds the scratch images of the current cycle.
func (l Layout) ImageDir() string { return l.join("img") }

// ShiftedDir holds the phase-shifted copies of the datasets.
func (l Layout) ShiftedDir() string { return l.join("mss-dir") }

// Parset returns a DP3 parameter set file.
func (l Layout) Parset(name string) string { return filepath.Join(l.Parsets, name) }

// Registry is the direction registry file of a cycle.
func (l Layout) Registry(cycle int) string {
	return l.join("ddcal", fmt.Sprintf("directions-c%02d.cbor", cycle))
}

// ClusterModel is the clustered sky model of a cycle.
func (l Layout) ClusterModel(cycle int) string {
	return l.join("ddcal", "skymodels", fmt.Sprintf("skymodel%02d_cluster.txt", cycle))
}

// ClusterSkyDB is the predict-tool form of ClusterModel.
func (l Layout) ClusterSkyDB(cycle int) string {
	return l.join("ddcal", "skymodels", fmt.Sprintf("skymodel%02d_cluster.skydb", cycle))
}

// ClusterRegions is the ds9 region file showing the clustering.
func (l Layout) ClusterRegions(cycle int) string {
	return l.join("ddcal", "masks", fmt.Sprintf("regions-c%02d", cycle), "cluster.reg")
}

// BeamRegion is the ds9 region of the primary beam's half-FWHM circle.
func (l Layout) BeamRegion() string { return l.join("ddcal", "beam.reg") }

// ClusterMask is the compact-source mask a cycle's clustering is
// checked against.
func (l Layout) ClusterMask(cycle int) string {
	return l.join("ddcal", "masks", fmt.Sprintf("mask-cl-c%02d.fits", cycle))
}

// DirectionModel is the initial sky model of one direction.
func (l Layout) DirectionModel(cycle int, name string) string {
	return l.join("ddcal", "skymodels", fmt.Sprintf("c%02d-%s-init.skymodel", cycle, name))
}

// ShiftedDataset is the phase-shifted copy of a dataset.
func (l Layout) ShiftedDataset(dataset string) string {
	return filepath.Join(l.ShiftedDir(), command.DatasetName(dataset)+".MS")
}

// ImageBase is the imager name prefix of the final (masked) pass.
func (l Layout) ImageBase(name string) string {
	return filepath.Join(l.ImageDir(), "ddcalM-"+name)
}

// FirstPassBase is the imager name prefix of the unmasked pass.
func (l Layout) FirstPassBase(name string) string {
	return filepath.Join(l.ImageDir(), "ddcal-"+name)
}

// Mask is the clean mask made from the first pass.
func (l Layout) Mask(name string) string {
	return l.FirstPassBase(name) + "-mask.fits"
}

// PreImageName names the pre-calibration image of a direction.
func PreImageName(dir string) string { return dir + "-pre" }

// RoundImageName names the image of one self-calibration round.
func RoundImageName(dir string, round int) string {
	return fmt.Sprintf("%s-cdd%02d", dir, round)
}

// MFSImage is the multi-frequency image for an imager name prefix.
func MFSImage(base string) string { return base + "-MFS-image.fits" }

// SourceList is the component list the imager saves for a prefix.
func SourceList(base string) string { return base + "-sources.txt" }

var correctionAbbreviations = map[string]string{
	direction.Phase:      "ph",
	direction.Amplitude1: "amp1",
	direction.Amplitude2: "amp2",
}

// Solution is the solution table of one correction type produced in a
// round.
func (l Layout) Solution(cycle int, dir, correction string, round int) string {
	return l.join("ddcal", "solutions",
		fmt.Sprintf("cal-%s-c%02d-%s-cdd%02d.h5", correctionAbbreviations[correction], cycle, dir, round))
}

// Plots is the plot directory for a solution table.
func (l Layout) Plots(cycle int, dir, correction string, round int) string {
	return l.join("ddcal", "plots",
		fmt.Sprintf("plots-%s-c%02d-%s-cdd%02d", correctionAbbreviations[correction], cycle, dir, round))
}

// MergeDir holds the per-direction copies staged for merging.
func (l Layout) MergeDir(cycle int) string {
	return l.join("ddcal", "solutions", fmt.Sprintf("merge-c%02d", cycle))
}

// MergeSolution is the staged copy of one direction's table.
func (l Layout) MergeSolution(cycle int, dir, correction string) string {
	return filepath.Join(l.MergeDir(cycle), fmt.Sprintf("%s-%s.h5", dir, correction))
}

// Combined is the multi-direction solution table of a cycle.
func (l Layout) Combined(cycle int) string {
	return l.join("ddcal", "solutions", fmt.Sprintf("combined-c%02d.h5", cycle))
}

// ATermDir holds the a-term screens of a cycle.
func (l Layout) ATermDir(cycle int) string {
	return l.join("ddcal", "aterm", fmt.Sprintf("c%02d", cycle))
}

// ATermRoot is the output prefix given to the screen maker.
func (l Layout) ATermRoot(cycle int) string {
	return filepath.Join(l.ATermDir(cycle), "aterm_t")
}

// ATermConfig is the imager a-term configuration of a cycle.
func (l Layout) ATermConfig(cycle int) string {
	return filepath.Join(l.ATermDir(cycle), "aterm.config")
}

// FinalImageBase is the imager prefix of a cycle's wide-field image.
func (l Layout) FinalImageBase(cycle int) string {
	return l.join("ddcal", "images", fmt.Sprintf("c%02d", cycle), "final")
}

// Step names. Cycle steps are prefixed cNN, direction steps
// cNN-<direction>, and round steps cNN-<direction>-cddRR.
const (
	StepSetup  = "setup"
	StepAddCol = "addcol"
)

func cycleStep(cycle int, stage string) string {
	return fmt.Sprintf("c%02d-%s", cycle, stage)
}

func directionStep(cycle int, dir, stage string) string {
	return fmt.Sprintf("c%02d-%s-%s", cycle, dir, stage)
}

func roundStep(cycle int, dir string, round int, stage string) string {
	return fmt.Sprintf("c%02d-%s-cdd%02d-%s", cycle, dir, round, stage)
}

// commandName names a command spec. Names carry the cycle so log
// archiving can select one cycle's logs.
func commandName(action string, cycle int, parts ...string) string {
	name := fmt.Sprintf("%s-c%02d", action, cycle)
	for _, part := range parts {
		name += "-" + part
	}
	return name
}
