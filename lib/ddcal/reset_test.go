// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/skycal-project/skycal/lib/direction"
	"github.com/skycal-project/skycal/lib/taskrun"
	"github.com/skycal-project/skycal/lib/testutil"
)

func TestParseStep(t *testing.T) {
	t.Parallel()
	for _, test := range []struct {
		name string
		want parsedStep
	}{
		{"setup", parsedStep{cycle: -1, round: -1, stage: "setup"}},
		{"c01-fullsub", parsedStep{cycle: 1, round: -1, stage: "fullsub"}},
		{"c00-ddcal0003-shift", parsedStep{cycle: 0, direction: "ddcal0003", round: -1, stage: "shift"}},
		{"c02-ddcal0000-cdd11-image", parsedStep{cycle: 2, direction: "ddcal0000", round: 11, stage: "image"}},
	} {
		if got := parseStep(test.name); got != test.want {
			t.Errorf("parseStep(%q) = %+v, want %+v", test.name, got, test.want)
		}
	}
}

// crashAt returns tools that fail the first invocation named name.
func crashAt(name string) *testutil.RecordingExecutor {
	var failed atomic.Bool
	executor := fakeTools()
	respond := executor.Respond
	executor.Respond = func(invocation taskrun.Invocation, stdout, stderr io.Writer) (int, error) {
		if invocation.Name == name && failed.CompareAndSwap(false, true) {
			return 1, nil
		}
		return respond(invocation, stdout, stderr)
	}
	return executor
}

func TestResetCycleThenRerun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	executor := fakeTools()
	noise := newNoise()
	controller := f.controller(t, executor, noise, false)
	if err := controller.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	layout := controller.Layout()

	result, err := Reset(ctx, f.ledger, layout, "c00-")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !slices.Equal(result.Registries, []string{layout.Registry(0)}) {
		t.Errorf("removed registries = %v, want [%s]", result.Registries, layout.Registry(0))
	}
	if len(result.Rewound) != 0 || len(result.Kept) != 0 {
		t.Errorf("cycle reset rewound %v and kept %v", result.Rewound, result.Kept)
	}
	if _, err := os.Stat(layout.Registry(0)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("registry still present after the cycle reset: %v", err)
	}
	for _, test := range []struct {
		step string
		want bool
	}{
		{"setup", true},
		{"addcol", true},
		{"c00-delimg", false},
		{"c00-ddcal0000-predict", false},
		{"c00-ddcal0001-cdd03-image", false},
	} {
		done, err := f.ledger.IsDone(ctx, test.step)
		if err != nil {
			t.Fatal(err)
		}
		if done != test.want {
			t.Errorf("IsDone(%s) = %v after the reset, want %v", test.step, done, test.want)
		}
	}

	executor.Reset()
	measured := noise.calls.Load()
	if err := f.controller(t, executor, noise, false).Run(ctx); err != nil {
		t.Fatalf("rerun after reset: %v", err)
	}
	if count := executor.CountPrefix("fullsub-c00"); count != 2 {
		t.Errorf("fullsub ran %d times on the rerun, want once per dataset", count)
	}
	if count := executor.CountPrefix("addcol"); count != 0 {
		t.Errorf("rerun repeated addcol %d times", count)
	}
	if noise.calls.Load() == measured {
		t.Error("rerun took every noise from the deleted registry")
	}
	registry, err := direction.Load(layout.Registry(0))
	if err != nil {
		t.Fatalf("Load registry: %v", err)
	}
	bright, _ := registry.Get("ddcal0000")
	if len(bright.RoundNoise) != 4 || bright.PhaseChain.Len() != 4 {
		t.Errorf("ddcal0000 after rerun: %d rounds, %d phase tables, want 4 and 4", len(bright.RoundNoise), bright.PhaseChain.Len())
	}
}

func TestResetRoundThenRerun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	noise := newNoise()
	if err := f.controller(t, crashAt("wsclean2-c00-ddcal0000-cdd02"), noise, false).Run(ctx); err == nil {
		t.Fatal("Run succeeded despite the imager failure")
	}

	executor := fakeTools()
	controller := f.controller(t, executor, noise, false)
	layout := controller.Layout()
	result, err := Reset(ctx, f.ledger, layout, "c00-ddcal0000-cdd01")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	// Rounds 1 and 2 go; round 2 never finished its image.
	if result.Steps != 3 {
		t.Errorf("forgot %d steps, want 3", result.Steps)
	}
	if !slices.Equal(result.Rewound, []string{"c00-ddcal0000"}) {
		t.Errorf("rewound = %v, want [c00-ddcal0000]", result.Rewound)
	}

	registry, err := direction.Load(layout.Registry(0))
	if err != nil {
		t.Fatalf("Load registry: %v", err)
	}
	bright, _ := registry.Get("ddcal0000")
	if len(bright.RoundNoise) != 1 || bright.PhaseChain.Len() != 1 {
		t.Fatalf("rewound ddcal0000: %d rounds, %d phase tables, want 1 and 1", len(bright.RoundNoise), bright.PhaseChain.Len())
	}
	if bright.NoiseInit != 1.0 {
		t.Errorf("round reset lost the initial noise: %v", bright.NoiseInit)
	}

	if err := controller.Run(ctx); err != nil {
		t.Fatalf("rerun after reset: %v", err)
	}
	for prefix, want := range map[string]int{
		"predict-c00-ddcal0000":       0,
		"shift-c00-ddcal0000":         0,
		"solph-c00-ddcal0000-cdd00":   0,
		"solph-c00-ddcal0000-cdd01":   2,
		"solamp1-c00-ddcal0000-cdd02": 2,
	} {
		if count := executor.CountPrefix(prefix); count != want {
			t.Errorf("rerun ran %s %d times, want %d", prefix, count, want)
		}
	}
	if got, _ := paramValue(executor, "solamp1-c00-ddcal0000-cdd03", "sol.solint"); got != "8" {
		t.Errorf("second amplitude round after reset: sol.solint = %q, want 8", got)
	}

	registry, err = direction.Load(layout.Registry(0))
	if err != nil {
		t.Fatalf("Load registry: %v", err)
	}
	bright, _ = registry.Get("ddcal0000")
	if len(bright.RoundNoise) != 4 || !bright.Converged {
		t.Errorf("ddcal0000 after rerun: %d rounds, converged %v", len(bright.RoundNoise), bright.Converged)
	}
}

func TestResetRefusesSubtractedDirection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	controller := f.controller(t, fakeTools(), newNoise(), false)
	if err := controller.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, prefix := range []string{"c00-ddcal0001-cdd01", "c00-ddcal0001-subtract"} {
		if _, err := Reset(ctx, f.ledger, controller.Layout(), prefix); !errors.Is(err, ErrUnsafeReset) {
			t.Errorf("Reset(%s) = %v, want ErrUnsafeReset", prefix, err)
		}
	}
	done, err := f.ledger.IsDone(ctx, "c00-ddcal0001-cdd01-calibrate")
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("refused reset still forgot steps")
	}

	// Forgetting only the done mark replays the direction from the
	// ledger and the registry.
	result, err := Reset(ctx, f.ledger, controller.Layout(), "c00-ddcal0001-done")
	if err != nil {
		t.Fatalf("Reset done: %v", err)
	}
	if result.Steps != 1 || len(result.Rewound) != 0 {
		t.Errorf("done reset: %+v", result)
	}
}

func TestResetDirectionAfterLaterShift(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	noise := newNoise()
	for name, rms := range roundNoise("ddcal0000", 1.6, 1.7, 1.8) {
		noise.values[name] = rms
	}
	controller := f.controller(t, crashAt("wsclean2-c00-ddcal0001-cdd01"), noise, false)
	if err := controller.Run(ctx); err == nil {
		t.Fatal("Run succeeded despite the imager failure")
	}
	layout := controller.Layout()

	// ddcal0001 has since overwritten the shifted data.
	if _, err := Reset(ctx, f.ledger, layout, "c00-ddcal0000-cdd00"); !errors.Is(err, ErrUnsafeReset) {
		t.Fatalf("round reset after a later shift = %v, want ErrUnsafeReset", err)
	}

	result, err := Reset(ctx, f.ledger, layout, "c00-ddcal0000-")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !slices.Equal(result.Kept, []string{"c00-ddcal0000-predict"}) {
		t.Errorf("kept = %v, want [c00-ddcal0000-predict]", result.Kept)
	}
	// shift, flag, beam, preimage, three rounds of two steps, done.
	if result.Steps != 11 {
		t.Errorf("forgot %d steps, want 11", result.Steps)
	}
	for step, want := range map[string]bool{
		"c00-ddcal0000-predict":         true,
		"c00-ddcal0000-shift":           false,
		"c00-ddcal0000-done":            false,
		"c00-ddcal0001-cdd00-calibrate": true,
	} {
		done, err := f.ledger.IsDone(ctx, step)
		if err != nil {
			t.Fatal(err)
		}
		if done != want {
			t.Errorf("IsDone(%s) = %v, want %v", step, done, want)
		}
	}

	registry, err := direction.Load(layout.Registry(0))
	if err != nil {
		t.Fatalf("Load registry: %v", err)
	}
	diverged, _ := registry.Get("ddcal0000")
	if diverged.NoiseInit != 0 || len(diverged.RoundNoise) != 0 || diverged.PhaseChain.Len() != 0 {
		t.Errorf("ddcal0000 not rewound to discovery: %+v", diverged)
	}
	kept, _ := registry.Get("ddcal0001")
	if len(kept.RoundNoise) != 1 {
		t.Errorf("ddcal0001 rounds = %d, want 1 untouched", len(kept.RoundNoise))
	}
}
