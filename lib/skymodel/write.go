// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package skymodel

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/skycal-project/skycal/lib/fsutil"
)

// Output formats accepted by WriteFile.
const (
	FormatMakesourcedb = "makesourcedb"
	FormatDS9          = "ds9"
)

const formatLine = "FORMAT = Name, Type, Patch, Ra, Dec, I, SpectralIndex, LogarithmicSI, ReferenceFrequency, MajorAxis, MinorAxis, Orientation"

// WriteFile writes the catalog atomically in the given format.
func (c *Catalog) WriteFile(path, format string) error {
	var buffer bytes.Buffer
	var err error
	switch format {
	case FormatMakesourcedb:
		err = c.WriteMakesourcedb(&buffer)
	case FormatDS9:
		err = c.WriteRegions(&buffer)
	default:
		return fmt.Errorf("skymodel: unknown output format %q", format)
	}
	if err != nil {
		return err
	}
	if err := fsutil.WriteAtomic(path, buffer.Bytes(), 0o644); err != nil {
		return fmt.Errorf("skymodel: %w", err)
	}
	return nil
}

// WriteMakesourcedb writes the catalog in makesourcedb format: patch
// rows first (in order of first appearance), each followed by its
// sources.
func (c *Catalog) WriteMakesourcedb(w io.Writer) error {
	writer := bufio.NewWriter(w)
	fmt.Fprintln(writer, formatLine)
	fmt.Fprintln(writer)

	positions := c.PatchPositions()
	members := c.patchMembers()
	patches := c.PatchNames()
	if _, hasLoose := members[""]; hasLoose {
		patches = append(patches, "")
	}

	for _, patch := range patches {
		if patch != "" {
			position := positions[patch]
			fmt.Fprintf(writer, ", , %s, %s, %s\n", patch, FormatRA(position[0]), FormatDec(position[1]))
		}
		for _, index := range members[patch] {
			writeSource(writer, c.Sources[index])
		}
	}
	return writer.Flush()
}

func writeSource(w io.Writer, source Source) {
	indices := make([]string, len(source.SpectralIndex))
	for i, coefficient := range source.SpectralIndex {
		indices[i] = formatFloat(coefficient)
	}
	shape := ", , "
	if source.Type == TypeGaussian {
		shape = fmt.Sprintf("%s, %s, %s",
			formatFloat(source.MajorAxis), formatFloat(source.MinorAxis), formatFloat(source.Orientation))
	}
	fmt.Fprintf(w, "%s, %s, %s, %s, %s, %s, [%s], %t, %s, %s\n",
		source.Name,
		source.Type,
		source.Patch,
		FormatRA(source.RA),
		FormatDec(source.Dec),
		formatFloat(source.I),
		strings.Join(indices, ", "),
		source.LogarithmicSI,
		formatFloat(source.ReferenceFrequency),
		shape,
	)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}

// WriteRegions writes a ds9 region file with one marker per source,
// labelled by patch, for inspecting the clustering.
func (c *Catalog) WriteRegions(w io.Writer) error {
	writer := bufio.NewWriter(w)
	writeRegionHeader(writer)
	for _, source := range c.Sources {
		label := source.Patch
		if label == "" {
			label = source.Name
		}
		if source.Type == TypeGaussian && source.MajorAxis > 0 {
			fmt.Fprintf(writer, "ellipse(%.6f,%.6f,%.2f\",%.2f\",%.2f) # text={%s}\n",
				source.RA, source.Dec, source.MajorAxis/2, source.MinorAxis/2, source.Orientation+90, label)
			continue
		}
		fmt.Fprintf(writer, "point(%.6f,%.6f) # point=cross text={%s}\n", source.RA, source.Dec, label)
	}
	return writer.Flush()
}

// WriteCircleRegion writes a ds9 region file holding one circle of
// radius degrees around centre ([RA, Dec] in degrees).
func WriteCircleRegion(w io.Writer, centre [2]float64, radius float64) error {
	writer := bufio.NewWriter(w)
	writeRegionHeader(writer)
	fmt.Fprintf(writer, "circle(%.6f,%.6f,%.2f\")\n", centre[0], centre[1], radius*3600)
	return writer.Flush()
}

func writeRegionHeader(w io.Writer) {
	fmt.Fprintln(w, "# Region file format: DS9 version 4.1")
	fmt.Fprintln(w, `global color=green font="helvetica 10 normal" select=1 highlite=1 edit=1 move=1 delete=1 include=1 fixed=0`)
	fmt.Fprintln(w, "fk5")
}
