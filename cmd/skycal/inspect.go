// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/skycal-project/skycal/lib/codec"
	"github.com/skycal-project/skycal/lib/ddcal"
	"github.com/skycal-project/skycal/lib/direction"
)

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func statusCommand(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		configPath string
		asJSON     bool
	)
	flagSet := newFlagSet("status", &configPath)
	flagSet.BoolVar(&asJSON, "json", false, "print JSON")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	l, err := openLedger(cfg, false)
	if err != nil {
		return err
	}
	defer l.Close()

	sessions, err := l.Sessions(ctx)
	if err != nil {
		return err
	}
	steps, err := l.Steps(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(stdout, map[string]any{
			"pipeline": cfg.Pipeline,
			"sessions": sessions,
			"steps":    steps,
		})
	}

	fmt.Fprintf(stdout, "pipeline %s: %d steps done, %d sessions\n\n", cfg.Pipeline, len(steps), len(sessions))
	table := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "SESSION\tSTARTED\tSTATUS\tCONFIG")
	for _, session := range sessions {
		fmt.Fprintf(table, "%s\t%s\t%s\t%.12s\n",
			session.ID, session.StartedAt.Format(time.RFC3339), session.Status, session.ConfigHash)
	}
	fmt.Fprintln(table)
	fmt.Fprintln(table, "STEP\tCOMPLETED\tSESSION")
	for _, step := range steps {
		fmt.Fprintf(table, "%s\t%s\t%s\n", step.Name, step.CompletedAt.Format(time.RFC3339), step.Session)
	}
	return table.Flush()
}

// directionView adds the solution chains, which the registry keeps out
// of its JSON form.
type directionView struct {
	*direction.Direction
	Solutions map[string][]direction.Entry `json:"solutions,omitempty"`
}

func directionsCommand(args []string, stdout io.Writer) error {
	var (
		configPath string
		cycle      int
		asJSON     bool
		diagnose   bool
	)
	flagSet := newFlagSet("directions", &configPath)
	flagSet.IntVar(&cycle, "cycle", 0, "major cycle")
	flagSet.BoolVar(&asJSON, "json", false, "print JSON")
	flagSet.BoolVar(&diagnose, "diagnose", false, "print the raw registry file in CBOR diagnostic notation")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	layout := ddcal.Layout{Root: cfg.Paths.Root, Parsets: cfg.Paths.Parsets}
	if diagnose {
		data, err := os.ReadFile(layout.Registry(cycle))
		if err != nil {
			return err
		}
		notation, err := codec.Diagnose(data)
		if err != nil {
			return fmt.Errorf("%s: %w", layout.Registry(cycle), err)
		}
		_, err = fmt.Fprintln(stdout, notation)
		return err
	}
	registry, err := direction.Load(layout.Registry(cycle))
	if err != nil {
		return err
	}
	if asJSON {
		views := make([]directionView, 0, registry.Len())
		for _, d := range registry.All() {
			view := directionView{Direction: d, Solutions: map[string][]direction.Entry{}}
			for _, correction := range direction.CorrectionTypes {
				if entries := d.Chain(correction).Entries(); len(entries) > 0 {
					view.Solutions[correction] = entries
				}
			}
			views = append(views, view)
		}
		return writeJSON(stdout, views)
	}

	table := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "NAME\tRA\tDEC\tFLUX(Jy)\tSIZE(deg)\tPEEL\tROUNDS\tRMS_INIT\tRMS_LAST\tCONVERGED\tAMPLITUDES")
	for _, d := range registry.All() {
		last := "-"
		if rounds := len(d.RoundNoise); rounds > 0 {
			last = fmt.Sprintf("%.4g", d.RoundNoise[rounds-1])
		}
		fmt.Fprintf(table, "%s\t%.4f\t%.4f\t%.3f\t%.3f\t%t\t%d\t%.4g\t%s\t%t\t%t\n",
			d.Name, d.Position[0], d.Position[1], d.Flux, d.Size, d.PeelOff,
			len(d.RoundNoise), d.NoiseInit, last, d.Converged, d.SolvedAmplitude())
	}
	return table.Flush()
}

func resetCommand(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		configPath string
		prefix     string
	)
	flagSet := newFlagSet("reset", &configPath)
	flagSet.StringVar(&prefix, "prefix", "", "forget completed steps whose names start with this prefix")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	if prefix == "" {
		return fmt.Errorf("%w: --prefix is required", errUsage)
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	l, err := openLedger(cfg, false)
	if err != nil {
		return err
	}
	defer l.Close()

	layout := ddcal.Layout{Root: cfg.Paths.Root, Parsets: cfg.Paths.Parsets}
	result, err := ddcal.Reset(ctx, l, layout, prefix)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "forgot %d steps with prefix %q\n", result.Steps, prefix)
	for _, path := range result.Registries {
		fmt.Fprintf(stdout, "removed %s\n", path)
	}
	for _, name := range result.Rewound {
		fmt.Fprintf(stdout, "rewound %s\n", name)
	}
	for _, name := range result.Kept {
		fmt.Fprintf(stdout, "kept %s: its model is already in the residual data\n", name)
	}
	return nil
}
