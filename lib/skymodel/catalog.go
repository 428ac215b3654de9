// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package skymodel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
)

// Catalog is an in-memory sky model.
type Catalog struct {
	Sources []Source

	// patchPositions holds declared or computed patch centres.
	patchPositions map[string][2]float64
}

// New returns a catalog holding sources.
func New(sources ...Source) *Catalog {
	return &Catalog{
		Sources:        slices.Clone(sources),
		patchPositions: map[string][2]float64{},
	}
}

// Len is the number of sources.
func (c *Catalog) Len() int { return len(c.Sources) }

// Load reads a makesourcedb catalog file.
func Load(path string) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("skymodel: %w", err)
	}
	defer file.Close()
	catalog, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("skymodel: %s: %w", path, err)
	}
	return catalog, nil
}

type column struct {
	name         string
	defaultValue string
}

// Parse reads a makesourcedb catalog.
func Parse(r io.Reader) (*Catalog, error) {
	catalog := New()
	var columns []column

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if columns == nil {
			if parsed, ok := parseFormat(line); ok {
				columns = parsed
				continue
			}
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if columns == nil {
			return nil, fmt.Errorf("line %d: data before format line", lineNumber)
		}

		fields := splitFields(line)
		values := make(map[string]string, len(columns))
		for i, col := range columns {
			value := ""
			if i < len(fields) {
				value = strings.TrimSpace(fields[i])
			}
			if value == "" {
				value = col.defaultValue
			}
			values[col.name] = value
		}

		if values["name"] == "" {
			patch := values["patch"]
			if patch == "" {
				return nil, fmt.Errorf("line %d: row has neither name nor patch", lineNumber)
			}
			if values["ra"] != "" && values["dec"] != "" {
				ra, err := ParseRA(values["ra"])
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNumber, err)
				}
				dec, err := ParseDec(values["dec"])
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNumber, err)
				}
				catalog.patchPositions[patch] = [2]float64{ra, dec}
			}
			continue
		}

		source, err := parseSource(values)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		catalog.Sources = append(catalog.Sources, source)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if columns == nil {
		return nil, errors.New("no format line")
	}
	return catalog, nil
}

// parseFormat recognizes "FORMAT = a, b" and "# (a, b) = format".
func parseFormat(line string) ([]column, bool) {
	lower := strings.ToLower(line)
	var spec string
	switch {
	case strings.HasPrefix(lower, "format") && strings.Contains(line, "="):
		spec = line[strings.Index(line, "=")+1:]
	case strings.HasPrefix(line, "#") && strings.HasSuffix(lower, "= format"):
		open := strings.Index(line, "(")
		closing := strings.LastIndex(line, ")")
		if open < 0 || closing < open {
			return nil, false
		}
		spec = line[open+1 : closing]
	default:
		return nil, false
	}

	var columns []column
	for _, field := range splitFields(spec) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, defaultValue, _ := strings.Cut(field, "=")
		columns = append(columns, column{
			name:         strings.ToLower(strings.TrimSpace(name)),
			defaultValue: strings.Trim(strings.TrimSpace(defaultValue), `'"`),
		})
	}
	return columns, len(columns) > 0
}

// splitFields splits on commas outside brackets and quotes.
func splitFields(line string) []string {
	var fields []string
	depth := 0
	var quote rune
	start := 0
	for i, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '[':
			depth++
		case r == ']':
			depth--
		case r == ',' && depth == 0:
			fields = append(fields, line[start:i])
			start = i + 1
		}
	}
	return append(fields, line[start:])
}

func parseSource(values map[string]string) (Source, error) {
	source := Source{
		Name:          values["name"],
		Type:          strings.ToUpper(values["type"]),
		Patch:         values["patch"],
		LogarithmicSI: true,
	}
	if source.Type == "" {
		source.Type = TypePoint
	}

	var err error
	if source.RA, err = ParseRA(values["ra"]); err != nil {
		return Source{}, fmt.Errorf("source %s: %w", source.Name, err)
	}
	if source.Dec, err = ParseDec(values["dec"]); err != nil {
		return Source{}, fmt.Errorf("source %s: %w", source.Name, err)
	}

	floats := []struct {
		key    string
		target *float64
	}{
		{"i", &source.I},
		{"referencefrequency", &source.ReferenceFrequency},
		{"majoraxis", &source.MajorAxis},
		{"minoraxis", &source.MinorAxis},
		{"orientation", &source.Orientation},
	}
	for _, field := range floats {
		value := values[field.key]
		if value == "" {
			continue
		}
		if *field.target, err = strconv.ParseFloat(value, 64); err != nil {
			return Source{}, fmt.Errorf("source %s: column %s: %w", source.Name, field.key, err)
		}
	}

	if value := strings.Trim(values["spectralindex"], "[] "); value != "" {
		for _, part := range strings.Split(value, ",") {
			coefficient, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return Source{}, fmt.Errorf("source %s: spectral index: %w", source.Name, err)
			}
			source.SpectralIndex = append(source.SpectralIndex, coefficient)
		}
	}
	if value := values["logarithmicsi"]; value != "" {
		source.LogarithmicSI = strings.EqualFold(value, "true")
	}
	return source, nil
}

// PatchNames returns the patches that contain sources, in order of
// first appearance.
func (c *Catalog) PatchNames() []string {
	var names []string
	seen := map[string]bool{}
	for _, source := range c.Sources {
		if source.Patch != "" && !seen[source.Patch] {
			seen[source.Patch] = true
			names = append(names, source.Patch)
		}
	}
	return names
}

// Group assigns patches. "single" puts every source in its own patch
// named after the source, suffixed _N when the name is already taken.
// "keep" requires that every source already has a patch.
func (c *Catalog) Group(method string) error {
	switch method {
	case "single":
		used := map[string]bool{}
		for _, source := range c.Sources {
			used[source.Name] = true
		}
		assigned := map[string]bool{}
		for i := range c.Sources {
			base := c.Sources[i].Name
			name := base
			for suffix := 1; assigned[name] || (name != base && used[name]); suffix++ {
				name = fmt.Sprintf("%s_%d", base, suffix)
			}
			assigned[name] = true
			c.Sources[i].Patch = name
		}
	case "keep":
		for _, source := range c.Sources {
			if source.Patch == "" {
				return fmt.Errorf("skymodel: source %s has no patch", source.Name)
			}
		}
		return nil
	default:
		return fmt.Errorf("skymodel: unknown grouping %q", method)
	}
	clear(c.patchPositions)
	return nil
}

// Merge moves every source of patches into the patch named into (which
// may be one of patches) and drops the stale positions.
func (c *Catalog) Merge(patches []string, into string) {
	if len(patches) == 0 {
		return
	}
	if into == "" {
		into = patches[0]
	}
	members := map[string]bool{}
	for _, patch := range patches {
		members[patch] = true
		delete(c.patchPositions, patch)
	}
	delete(c.patchPositions, into)
	for i := range c.Sources {
		if members[c.Sources[i].Patch] {
			c.Sources[i].Patch = into
		}
	}
}

// RenamePatch renames a patch, keeping its position.
func (c *Catalog) RenamePatch(from, to string) {
	for i := range c.Sources {
		if c.Sources[i].Patch == from {
			c.Sources[i].Patch = to
		}
	}
	if position, ok := c.patchPositions[from]; ok {
		delete(c.patchPositions, from)
		c.patchPositions[to] = position
	}
}

func (c *Catalog) patchMembers() map[string][]int {
	members := map[string][]int{}
	for i, source := range c.Sources {
		members[source.Patch] = append(members[source.Patch], i)
	}
	return members
}

// SetPatchPositions recomputes every patch centre as the mean source
// position weighted by flux at freq.
func (c *Catalog) SetPatchPositions(freq float64) {
	clear(c.patchPositions)
	for patch, indices := range c.patchMembers() {
		if patch == "" {
			continue
		}
		positions := make([][2]float64, len(indices))
		weights := make([]float64, len(indices))
		for j, index := range indices {
			positions[j] = c.Sources[index].Position()
			weights[j] = c.Sources[index].FluxAt(freq)
		}
		c.patchPositions[patch] = WeightedMean(positions, weights)
	}
}

// PatchPositions returns patch centres. Patches without a declared or
// computed centre get the flux-weighted mean at each source's own
// reference frequency.
func (c *Catalog) PatchPositions() map[string][2]float64 {
	positions := maps.Clone(c.patchPositions)
	for patch, indices := range c.patchMembers() {
		if patch == "" {
			continue
		}
		if _, ok := positions[patch]; ok {
			continue
		}
		points := make([][2]float64, len(indices))
		weights := make([]float64, len(indices))
		for j, index := range indices {
			points[j] = c.Sources[index].Position()
			weights[j] = c.Sources[index].I
		}
		positions[patch] = WeightedMean(points, weights)
	}
	return positions
}

// PatchFluxes sums source flux at freq per patch.
func (c *Catalog) PatchFluxes(freq float64) map[string]float64 {
	fluxes := map[string]float64{}
	for _, source := range c.Sources {
		if source.Patch == "" {
			continue
		}
		fluxes[source.Patch] += source.FluxAt(freq)
	}
	return fluxes
}

// PatchSizes returns each patch's angular extent in degrees: the
// largest separation between two of its components plus the largest
// Gaussian major axis. A lone point source has size zero.
func (c *Catalog) PatchSizes() map[string]float64 {
	sizes := map[string]float64{}
	for patch, indices := range c.patchMembers() {
		if patch == "" {
			continue
		}
		extent := 0.0
		largestAxis := 0.0
		for a, first := range indices {
			largestAxis = max(largestAxis, c.Sources[first].MajorAxis/3600)
			for _, second := range indices[a+1:] {
				extent = max(extent, Distance(c.Sources[first].Position(), c.Sources[second].Position()))
			}
		}
		sizes[patch] = extent + largestAxis
	}
	return sizes
}

// Subset returns a new catalog with only the sources in patches.
func (c *Catalog) Subset(patches ...string) *Catalog {
	keep := map[string]bool{}
	for _, patch := range patches {
		keep[patch] = true
	}
	subset := New()
	for _, source := range c.Sources {
		if keep[source.Patch] {
			source.SpectralIndex = slices.Clone(source.SpectralIndex)
			subset.Sources = append(subset.Sources, source)
		}
	}
	for patch, position := range c.patchPositions {
		if keep[patch] {
			subset.patchPositions[patch] = position
		}
	}
	return subset
}

// TotalFlux sums every source's flux at freq.
func (c *Catalog) TotalFlux(freq float64) float64 {
	total := 0.0
	for _, source := range c.Sources {
		total += source.FluxAt(freq)
	}
	return total
}
