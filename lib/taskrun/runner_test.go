// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skycal-project/skycal/lib/command"
	"github.com/skycal-project/skycal/lib/taskrun"
	"github.com/skycal-project/skycal/lib/testutil"
)

func newRunner(t *testing.T, executor taskrun.Executor, configure func(*taskrun.Config)) *taskrun.Runner {
	t.Helper()
	cfg := taskrun.Config{
		LogDir:      filepath.Join(t.TempDir(), "logs"),
		Concurrency: 4,
		Executor:    executor,
		Logger:      testutil.Logger(t),
	}
	if configure != nil {
		configure(&cfg)
	}
	runner, err := taskrun.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { runner.Close() })
	return runner
}

var datasets = []string{"/data/TC00.MS", "/data/TC01.MS", "/data/TC02.MS"}

func shiftSpec() *command.Spec {
	return command.New("c00-ddcal0000-shift", command.KindDP3, "DP3").
		Arg("parsets/DP3-shift.parset").
		Set("msin", "${MS}").
		Set("msout", "mss-dir/${MS_NAME}.MS").
		ForEachDataset()
}

func TestRunPerDataset(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{}
	runner := newRunner(t, executor, nil)

	if err := runner.Run(context.Background(), shiftSpec(), datasets); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := executor.Calls()
	if len(calls) != len(datasets) {
		t.Fatalf("invocations = %d, want %d", len(calls), len(datasets))
	}
	if runner.Invocations() != int64(len(datasets)) {
		t.Errorf("Invocations() = %d, want %d", runner.Invocations(), len(datasets))
	}

	var logs []string
	for _, call := range calls {
		logs = append(logs, filepath.Base(call.LogPath))
		name := command.DatasetName(call.Dataset)
		if !slices.Contains(call.Argv, "msout=mss-dir/"+name+".MS") {
			t.Errorf("argv %q missing rendered msout for %s", call.Argv, name)
		}
	}
	slices.Sort(logs)
	want := []string{
		"TC00_c00-ddcal0000-shift.log",
		"TC01_c00-ddcal0000-shift.log",
		"TC02_c00-ddcal0000-shift.log",
	}
	if !slices.Equal(logs, want) {
		t.Errorf("log names = %v, want %v", logs, want)
	}
}

func TestRunSingleIgnoresTargets(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{}
	runner := newRunner(t, executor, nil)

	spec := command.New("c00-image", command.KindWSClean, "wsclean").
		Set("name", "img/wide").
		Arg(datasets...)
	if err := runner.Run(context.Background(), spec, datasets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := executor.Calls()
	if len(calls) != 1 {
		t.Fatalf("invocations = %d, want 1", len(calls))
	}
	if filepath.Base(calls[0].LogPath) != "c00-image.log" {
		t.Errorf("log = %q, want c00-image.log", calls[0].LogPath)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	executor := &testutil.RecordingExecutor{
		Respond: func(taskrun.Invocation, io.Writer, io.Writer) (int, error) {
			current := inFlight.Add(1)
			for {
				previous := peak.Load()
				if current <= previous || peak.CompareAndSwap(previous, current) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return 0, nil
		},
	}
	runner := newRunner(t, executor, func(cfg *taskrun.Config) { cfg.Concurrency = 8 })

	many := make([]string, 10)
	for i := range many {
		many[i] = filepath.Join("/data", string(rune('a'+i))+".MS")
	}
	if err := runner.Run(context.Background(), shiftSpec(), many, taskrun.WithMaxThreads(2)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
	if got := len(executor.Calls()); got != len(many) {
		t.Errorf("invocations = %d, want %d", got, len(many))
	}
}

func TestRunJoinsFailuresWithoutCancellingSiblings(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{
		Respond: func(invocation taskrun.Invocation, _, stderr io.Writer) (int, error) {
			if strings.Contains(invocation.Dataset, "TC01") || strings.Contains(invocation.Dataset, "TC02") {
				io.WriteString(stderr, "cannot open table\n")
				return 1, nil
			}
			return 0, nil
		},
	}
	runner := newRunner(t, executor, nil)

	err := runner.Run(context.Background(), shiftSpec(), datasets)
	if err == nil {
		t.Fatal("Run succeeded, want error")
	}
	if !errors.Is(err, taskrun.ErrFailed) {
		t.Errorf("error %v does not wrap ErrFailed", err)
	}
	for _, dataset := range []string{"TC01", "TC02"} {
		if !strings.Contains(err.Error(), dataset) {
			t.Errorf("error %q does not mention %s", err, dataset)
		}
	}
	if strings.Contains(err.Error(), "TC00") {
		t.Errorf("error %q mentions the dataset that succeeded", err)
	}
	if got := len(executor.Calls()); got != 3 {
		t.Errorf("invocations = %d, want all 3 to run", got)
	}

	var failure *taskrun.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error %v has no *Failure", err)
	}
	if failure.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", failure.ExitCode)
	}
}

func TestRunDetectsFailureMarker(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{
		Respond: func(_ taskrun.Invocation, _, stderr io.Writer) (int, error) {
			io.WriteString(stderr, "starting\nTraceback (most recent call last):\n  File \"x.py\"\n")
			return 0, nil
		},
	}
	runner := newRunner(t, executor, nil)

	spec := command.New("c00-mask", command.KindPython, "make_mask.py").Arg("img/wide-MFS-image.fits")
	err := runner.Run(context.Background(), spec, nil)
	var failure *taskrun.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("Run error = %v, want *Failure", err)
	}
	if failure.Marker != "Traceback (most recent call last)" {
		t.Errorf("Marker = %q", failure.Marker)
	}
}

func TestRunBestEffort(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{
		Respond: func(taskrun.Invocation, io.Writer, io.Writer) (int, error) { return 2, nil },
	}
	runner := newRunner(t, executor, nil)
	if err := runner.Run(context.Background(), shiftSpec(), datasets, taskrun.WithBestEffort()); err != nil {
		t.Fatalf("best-effort Run = %v, want nil", err)
	}
}

func TestRunRejectsInvalidSpecBeforeSpawning(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{}
	runner := newRunner(t, executor, nil)

	spec := command.New("bad", command.KindDP3, "DP3").Set("msin", "${MS}")
	if err := runner.Run(context.Background(), spec, datasets); err == nil {
		t.Fatal("Run with invalid spec succeeded, want error")
	}
	if len(executor.Calls()) != 0 {
		t.Errorf("invalid spec spawned %d processes", len(executor.Calls()))
	}

	if err := runner.Run(context.Background(), shiftSpec(), nil); err == nil {
		t.Fatal("per-dataset Run with no datasets succeeded, want error")
	}
}

func TestDryRun(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{}
	runner := newRunner(t, executor, func(cfg *taskrun.Config) { cfg.DryRun = true })

	if err := runner.Run(context.Background(), shiftSpec(), datasets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(executor.Calls()) != 0 || runner.Invocations() != 0 {
		t.Errorf("dry run spawned %d processes", len(executor.Calls()))
	}
	if _, err := runner.Capture(context.Background(), command.New("noise", command.KindGeneral, "noise")); !errors.Is(err, taskrun.ErrDryRun) {
		t.Errorf("Capture in dry run = %v, want ErrDryRun", err)
	}

	entries := readJournal(t, filepath.Join(runner.LogDir(), taskrun.JournalName))
	if len(entries) != 4 {
		t.Fatalf("journal entries = %d, want 4", len(entries))
	}
	for _, entry := range entries {
		if entry["type"] != "dry-run" {
			t.Errorf("journal entry type = %v, want dry-run", entry["type"])
		}
	}
}

func TestCapture(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{
		Respond: func(_ taskrun.Invocation, stdout, stderr io.Writer) (int, error) {
			io.WriteString(stderr, "reading image\n")
			io.WriteString(stdout, "  0.00123\n")
			return 0, nil
		},
	}
	runner := newRunner(t, executor, nil)

	output, err := runner.Capture(context.Background(), command.New("c00-noise", command.KindGeneral, "image-noise").Arg("img.fits"))
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if output != "0.00123" {
		t.Errorf("Capture = %q, want %q", output, "0.00123")
	}
	log := testutil.ReadFile(t, filepath.Join(runner.LogDir(), "c00-noise.log"))
	if !strings.Contains(log, "reading image") || strings.Contains(log, "0.00123") {
		t.Errorf("log = %q, want stderr only", log)
	}
}

func TestJournalRecordsStartAndFinish(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{}
	runner := newRunner(t, executor, nil)

	spec := command.New("c00-delimg", command.KindGeneral, "rm").Arg("-f", "img/old.fits")
	if err := runner.Run(context.Background(), spec, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries := readJournal(t, filepath.Join(runner.LogDir(), taskrun.JournalName))
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
	if entries[0]["type"] != "start" || entries[1]["type"] != "finish" {
		t.Errorf("journal types = %v, %v; want start, finish", entries[0]["type"], entries[1]["type"])
	}
	if entries[1]["status"] != "ok" {
		t.Errorf("finish status = %v, want ok", entries[1]["status"])
	}
}

func readJournal(t *testing.T, path string) []map[string]any {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	defer file.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("journal line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	return entries
}

func TestArchiveLogs(t *testing.T) {
	t.Parallel()
	executor := &testutil.RecordingExecutor{
		Respond: func(invocation taskrun.Invocation, stdout, _ io.Writer) (int, error) {
			io.WriteString(stdout, strings.Repeat("solving "+invocation.Dataset+"\n", 100))
			return 0, nil
		},
	}
	runner := newRunner(t, executor, nil)
	if err := runner.Run(context.Background(), shiftSpec(), datasets); err != nil {
		t.Fatalf("Run: %v", err)
	}

	archived, err := runner.ArchiveLogs("*c00-*")
	if err != nil {
		t.Fatalf("ArchiveLogs: %v", err)
	}
	if archived != 3 {
		t.Errorf("archived = %d, want 3", archived)
	}

	if _, err := os.Stat(filepath.Join(runner.LogDir(), "TC00_c00-ddcal0000-shift.log")); !os.IsNotExist(err) {
		t.Errorf("original log still present after archiving (stat err %v)", err)
	}
	if _, err := os.Stat(filepath.Join(runner.LogDir(), taskrun.JournalName)); err != nil {
		t.Errorf("journal missing after archiving: %v", err)
	}

	data, err := runner.ReadLog("TC00_c00-ddcal0000-shift.log")
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if !strings.HasPrefix(string(data), "solving /data/TC00.MS\n") {
		t.Errorf("decompressed log starts with %q", string(data[:min(len(data), 40)]))
	}
}

func TestScanLog(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "x.log")
	long := strings.Repeat("x", 200*1024)
	testutil.WriteFile(t, path, long+"\nall good\n**** uncaught exception ****\n")

	marker, err := taskrun.ScanLog(path, command.KindDP3.FailureMarkers())
	if err != nil {
		t.Fatalf("ScanLog: %v", err)
	}
	if marker != "**** uncaught exception ****" {
		t.Errorf("marker = %q", marker)
	}

	clean := filepath.Join(t.TempDir(), "clean.log")
	testutil.WriteFile(t, clean, "finished\n")
	marker, err = taskrun.ScanLog(clean, command.KindDP3.FailureMarkers())
	if err != nil || marker != "" {
		t.Errorf("ScanLog(clean) = %q, %v; want empty", marker, err)
	}
}
