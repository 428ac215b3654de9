// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/skycal-project/skycal/lib/command"
	"github.com/skycal-project/skycal/lib/taskrun"
)

// Resolution selects the pixel scale and weighting of a direction
// image relative to the datasets' native resolution.
type Resolution int

const (
	ResolutionNormal Resolution = iota
	ResolutionHigh
	ResolutionLow
)

const (
	minImageSize   = 256
	firstPassNiter = 5000
	lowResMaxUV    = 3500
)

// ImageGeometry is the pixel scale and size of a direction image.
type ImageGeometry struct {
	PixelScale float64 // arcsec
	Size       int     // pixels per side
	Weight     string
	MaxUVL     float64 // 0 when unrestricted
}

// Geometry sizes an image that covers a direction of size degrees with
// half again as much margin. resolution is the datasets' native
// resolution in arcsec.
func Geometry(resolution, size float64, mode Resolution) ImageGeometry {
	var g ImageGeometry
	switch mode {
	case ResolutionHigh:
		g.PixelScale = resolution / 3.5
		g.Weight = "briggs -0.6"
	case ResolutionLow:
		g.PixelScale = resolution
		g.Weight = "briggs 0"
		g.MaxUVL = lowResMaxUV
	default:
		g.PixelScale = resolution / 2.5
		g.Weight = "briggs -0.3"
	}
	g.PixelScale = math.Round(g.PixelScale*10) / 10
	if g.PixelScale <= 0 {
		g.PixelScale = 0.1
	}

	pixels := int(math.Ceil(size * 1.5 * 3600 / g.PixelScale))
	if pixels%2 == 1 {
		pixels++
	}
	g.Size = max(pixels, minImageSize)
	return g
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// clean images column of the shifted datasets in two passes: an
// unmasked pass that seeds a mask, then a masked pass that saves the
// component list. It returns the imager prefix of the masked pass.
func (c *Controller) clean(ctx context.Context, cycle int, name, column string, datasets []string, size float64, mode Resolution) (string, error) {
	geometry := Geometry(c.datasets.Resolution(), size, mode)
	threads := taskrun.WithMaxThreads(c.config.Imaging.Threads)
	c.logger.Debug("imaging direction",
		"image", name,
		"size", geometry.Size,
		"scale_arcsec", geometry.PixelScale,
	)

	firstPass := c.wsclean(commandName("wsclean1", cycle, name), c.layout.FirstPassBase(name), column, geometry, datasets).
		Set("niter", strconv.Itoa(firstPassNiter))
	if err := c.runner.Run(ctx, firstPass, nil, threads); err != nil {
		return "", err
	}

	masked := true
	mask := command.New(commandName("mask", cycle, name), command.KindPython, c.config.Tools.Mask).
		Arg(MFSImage(c.layout.FirstPassBase(name))).
		Set("threshisl", "3").
		Set("outfile", c.layout.Mask(name))
	if region := c.config.Model.UserRegion; region != "" {
		mask.Set("region", region)
	}
	if err := c.runner.Run(ctx, mask, nil); err != nil {
		if !errors.Is(err, taskrun.ErrFailed) {
			return "", err
		}
		c.logger.Warn("mask creation failed, falling back to automatic masking", "image", name, "error", err)
		masked = false
	}

	base := c.layout.ImageBase(name)
	secondPass := c.wsclean(commandName("wsclean2", cycle, name), base, column, geometry, datasets).
		Set("niter", strconv.Itoa(c.config.Imaging.Niter)).
		Set("auto-threshold", "1").
		Set("auto-mask", "3").
		Flag("save-source-list")
	if masked {
		secondPass.Set("fits-mask", c.layout.Mask(name))
	}
	if err := c.runner.Run(ctx, secondPass, nil, threads); err != nil {
		return "", err
	}
	if err := c.requireFile(MFSImage(base)); err != nil {
		return "", err
	}
	return base, nil
}

// wsclean returns the imaging parameters both passes share.
func (c *Controller) wsclean(name, base, column string, geometry ImageGeometry, datasets []string) *command.Spec {
	spec := command.New(name, command.KindWSClean, c.config.Tools.WSClean).
		Flag("reorder").
		Flag("join-channels").
		Flag("multiscale").
		Set("name", base).
		Set("size", fmt.Sprintf("%d %d", geometry.Size, geometry.Size)).
		Set("scale", formatFloat(geometry.PixelScale)+"arcsec").
		Set("weight", geometry.Weight).
		Set("mgain", "0.85").
		Set("parallel-deconvolution", "512").
		Set("channels-out", "2").
		Set("pol", "I").
		Set("data-column", column).
		Arg(datasets...)
	if geometry.MaxUVL > 0 {
		spec.Set("maxuv-l", formatFloat(geometry.MaxUVL))
	}
	return spec
}
