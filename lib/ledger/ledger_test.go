// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/skycal-project/skycal/lib/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func openTestLedger(t *testing.T, path, pipeline string) *Ledger {
	t.Helper()
	fake := clock.Fake(epoch)
	fake.AutoStep(time.Second)
	ledger, err := Open(Config{Path: path, Pipeline: pipeline, Clock: fake})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestMarkDoneIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"), "ddserial")

	done, err := ledger.IsDone(ctx, "c00-delimg")
	if err != nil {
		t.Fatalf("IsDone: %v", err)
	}
	if done {
		t.Fatal("fresh ledger reports c00-delimg done")
	}

	for range 3 {
		if err := ledger.MarkDone(ctx, "c00-delimg"); err != nil {
			t.Fatalf("MarkDone: %v", err)
		}
	}

	done, err = ledger.IsDone(ctx, "c00-delimg")
	if err != nil {
		t.Fatalf("IsDone: %v", err)
	}
	if !done {
		t.Error("c00-delimg not done after MarkDone")
	}

	steps, err := ledger.Steps(ctx)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("len(Steps) = %d, want 1", len(steps))
	}
	if !steps[0].CompletedAt.Equal(epoch) {
		t.Errorf("CompletedAt = %v, want first mark time %v", steps[0].CompletedAt, epoch)
	}
}

func TestMarkDoneRejectsEmptyName(t *testing.T) {
	t.Parallel()
	ledger := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"), "ddserial")
	if err := ledger.MarkDone(context.Background(), "  "); err == nil {
		t.Fatal("MarkDone with empty name succeeded, want error")
	}
}

// A crash is modelled by abandoning a ledger without closing it and
// opening a second handle on the same file: only steps whose MarkDone
// returned are visible.
func TestRestartSeesExactlyCommittedSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	first := openTestLedger(t, path, "ddserial")
	committed := []string{"setup", "addcol", "c00-delimg"}
	for _, name := range committed {
		if err := first.MarkDone(ctx, name); err != nil {
			t.Fatalf("MarkDone(%s): %v", name, err)
		}
	}
	// The body fails, as if the process had been killed mid-step.
	ran, err := first.Do(ctx, "c00-fullsub", func(context.Context) error {
		return errors.New("killed")
	})
	if !ran || err == nil {
		t.Fatalf("Do = %v, %v; want ran with error", ran, err)
	}

	second := openTestLedger(t, path, "ddserial")
	for _, name := range committed {
		done, err := second.IsDone(ctx, name)
		if err != nil {
			t.Fatalf("IsDone(%s): %v", name, err)
		}
		if !done {
			t.Errorf("%s not done after restart", name)
		}
	}
	done, err := second.IsDone(ctx, "c00-fullsub")
	if err != nil {
		t.Fatalf("IsDone: %v", err)
	}
	if done {
		t.Error("failed step c00-fullsub is done after restart")
	}
}

func TestDoRunsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"), "ddserial")

	calls := 0
	body := func(context.Context) error {
		calls++
		return nil
	}

	ran, err := ledger.Do(ctx, "c00-merge", body)
	if err != nil || !ran {
		t.Fatalf("first Do = %v, %v; want true, nil", ran, err)
	}
	ran, err = ledger.Do(ctx, "c00-merge", body)
	if err != nil || ran {
		t.Fatalf("second Do = %v, %v; want false, nil", ran, err)
	}
	if calls != 1 {
		t.Errorf("body ran %d times, want 1", calls)
	}
}

func TestPipelinesAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	serial := openTestLedger(t, path, "ddserial")
	calibrator := openTestLedger(t, path, "cal")

	if err := serial.MarkDone(ctx, "setup"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	done, err := calibrator.IsDone(ctx, "setup")
	if err != nil {
		t.Fatalf("IsDone: %v", err)
	}
	if done {
		t.Error("step from pipeline ddserial visible to pipeline cal")
	}
}

func TestStepsInCompletionOrderAndForget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"), "ddserial")

	names := []string{"setup", "c00-delimg", "c00-ddcal0000-predict", "c00-ddcal0000-shift", "c01-delimg"}
	for _, name := range names {
		if err := ledger.MarkDone(ctx, name); err != nil {
			t.Fatalf("MarkDone(%s): %v", name, err)
		}
	}

	steps, err := ledger.Steps(ctx)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	for i, step := range steps {
		if step.Name != names[i] {
			t.Errorf("Steps[%d] = %q, want %q", i, step.Name, names[i])
		}
	}

	removed, err := ledger.Forget(ctx, "c00-ddcal0000-predict", "c00-ddcal0000-shift", "c00-ddcal0000-flag")
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if removed != 2 {
		t.Errorf("Forget removed %d steps, want 2", removed)
	}
	for _, test := range []struct {
		name string
		want bool
	}{
		{"c00-delimg", true},
		{"c00-ddcal0000-predict", false},
		{"c00-ddcal0000-shift", false},
		{"c01-delimg", true},
	} {
		done, err := ledger.IsDone(ctx, test.name)
		if err != nil {
			t.Fatalf("IsDone(%s): %v", test.name, err)
		}
		if done != test.want {
			t.Errorf("IsDone(%s) = %v, want %v", test.name, done, test.want)
		}
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"), "ddserial")

	first, err := ledger.BeginSession(ctx, "hash-a")
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := ledger.MarkDone(ctx, "setup"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := ledger.EndSession(ctx, fmt.Errorf("running c00-fullsub: %w", context.Canceled)); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	if _, err := ledger.BeginSession(ctx, "hash-a"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := ledger.EndSession(ctx, nil); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	sessions, err := ledger.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(Sessions) = %d, want 2", len(sessions))
	}
	if sessions[0].ID != first.ID {
		t.Errorf("Sessions[0].ID = %q, want %q", sessions[0].ID, first.ID)
	}
	if sessions[0].Status != StatusInterrupted {
		t.Errorf("Sessions[0].Status = %q, want %q", sessions[0].Status, StatusInterrupted)
	}
	if sessions[1].Status != StatusSucceeded {
		t.Errorf("Sessions[1].Status = %q, want %q", sessions[1].Status, StatusSucceeded)
	}
	if sessions[0].FinishedAt.IsZero() {
		t.Error("Sessions[0].FinishedAt is zero after EndSession")
	}

	steps, err := ledger.Steps(ctx)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Session != first.ID {
		t.Errorf("Steps = %+v, want setup stamped with session %s", steps, first.ID)
	}
}

func TestClosedLedger(t *testing.T) {
	t.Parallel()
	ledger := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"), "ddserial")
	if err := ledger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := ledger.IsDone(context.Background(), "setup"); !errors.Is(err, ErrClosed) {
		t.Errorf("IsDone after Close: err = %v, want ErrClosed", err)
	}
}
