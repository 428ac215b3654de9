// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/skycal-project/skycal/lib/clock"
	"github.com/skycal-project/skycal/lib/command"
)

// JournalName is the invocation journal file inside the log directory.
const JournalName = "invocations.jsonl"

// Config holds the parameters for a Runner.
type Config struct {
	// LogDir receives one log per instantiation plus the journal.
	// Created if missing.
	LogDir string

	// WorkDir is the working directory of spawned processes. Empty
	// means the orchestrator's own.
	WorkDir string

	// Concurrency bounds simultaneous processes. Zero or negative
	// means runtime.NumCPU().
	Concurrency int

	// DryRun logs rendered commands instead of running them.
	DryRun bool

	// Executor launches processes. Defaults to ProcessExecutor with
	// a ten second grace period.
	Executor Executor

	Clock  clock.Clock
	Logger *slog.Logger
}

// Runner executes command specs. Safe for concurrent use, but the
// orchestrator calls it from one goroutine.
type Runner struct {
	logDir      string
	workDir     string
	concurrency int
	dryRun      bool
	executor    Executor
	clock       clock.Clock
	logger      *slog.Logger
	journal     *journal

	invocations atomic.Int64
}

// New creates a Runner and opens its journal.
func New(cfg Config) (*Runner, error) {
	if cfg.LogDir == "" {
		return nil, errors.New("taskrun: LogDir is required")
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("taskrun: creating log directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeSource := cfg.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	executor := cfg.Executor
	if executor == nil {
		executor = ProcessExecutor{GracePeriod: defaultGracePeriod}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	journal, err := openJournal(filepath.Join(cfg.LogDir, JournalName), logger)
	if err != nil {
		return nil, fmt.Errorf("taskrun: %w", err)
	}

	return &Runner{
		logDir:      cfg.LogDir,
		workDir:     cfg.WorkDir,
		concurrency: concurrency,
		dryRun:      cfg.DryRun,
		executor:    executor,
		clock:       timeSource,
		logger:      logger,
		journal:     journal,
	}, nil
}

// Close closes the invocation journal.
func (r *Runner) Close() error {
	return r.journal.Close()
}

// LogDir returns the directory holding per-invocation logs.
func (r *Runner) LogDir() string { return r.logDir }

// DryRun reports whether the runner only logs commands.
func (r *Runner) DryRun() bool { return r.dryRun }

// Invocations returns the number of processes spawned so far.
func (r *Runner) Invocations() int64 { return r.invocations.Load() }

// Option adjusts a single Run call.
type Option func(*runOptions)

type runOptions struct {
	maxThreads int
	bestEffort bool
}

// WithMaxThreads caps concurrency for this call below the runner's
// default. Imaging tools are memory-bound and run one or two at a time.
func WithMaxThreads(n int) Option {
	return func(o *runOptions) { o.maxThreads = n }
}

// WithBestEffort logs failures instead of returning them.
func WithBestEffort() Option {
	return func(o *runOptions) { o.bestEffort = true }
}

// Run executes spec: once per target for a per-dataset spec, once
// otherwise (targets are then ignored). It returns after every process
// has exited. Failures are joined into one error.
func (r *Runner) Run(ctx context.Context, spec *command.Spec, targets []string, options ...Option) error {
	var opts runOptions
	for _, option := range options {
		option(&opts)
	}

	invocations, err := r.render(spec, targets)
	if err != nil {
		return err
	}

	if r.dryRun {
		for _, invocation := range invocations {
			r.logger.Info("dry run",
				"command", invocation.Name,
				"dataset", invocation.Dataset,
				"argv", strings.Join(invocation.Argv, " "),
			)
			r.journal.writeDryRun(invocation)
		}
		return nil
	}

	limit := r.concurrency
	if opts.maxThreads > 0 && opts.maxThreads < limit {
		limit = opts.maxThreads
	}

	r.logger.Info("running command",
		"command", spec.Name,
		"kind", string(spec.Kind),
		"instances", len(invocations),
		"concurrency", limit,
	)

	// Plain Group, not WithContext: a failed sibling must not cancel
	// the others. Errors are collected instead of returned to the
	// group, so Wait never short-circuits the report.
	var (
		group    errgroup.Group
		mu       sync.Mutex
		failures []error
	)
	group.SetLimit(limit)
	for _, invocation := range invocations {
		group.Go(func() error {
			if err := r.runOne(ctx, spec.Kind, invocation); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(failures) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("running %s: %w", spec.Name, errors.Join(append([]error{err}, failures...)...))
	}
	if opts.bestEffort {
		for _, failure := range failures {
			r.logger.Warn("best-effort command failed", "command", spec.Name, "error", failure)
		}
		return nil
	}
	return fmt.Errorf("running %s: %w", spec.Name, errors.Join(failures...))
}

// Capture runs a single non-dataset spec and returns its trimmed
// stdout. Stderr goes to the command's log file.
func (r *Runner) Capture(ctx context.Context, spec *command.Spec) (string, error) {
	if spec.PerDataset {
		return "", fmt.Errorf("taskrun: cannot capture per-dataset command %q", spec.Name)
	}
	invocations, err := r.render(spec, nil)
	if err != nil {
		return "", err
	}
	invocation := invocations[0]

	if r.dryRun {
		r.logger.Info("dry run", "command", invocation.Name, "argv", strings.Join(invocation.Argv, " "))
		r.journal.writeDryRun(invocation)
		return "", ErrDryRun
	}

	var stdout bytes.Buffer
	if err := r.execute(ctx, spec.Kind, invocation, &stdout); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (r *Runner) render(spec *command.Spec, targets []string) ([]Invocation, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("taskrun: %w", err)
	}

	if !spec.PerDataset {
		argv, err := spec.Argv(nil)
		if err != nil {
			return nil, fmt.Errorf("taskrun: %w", err)
		}
		return []Invocation{{
			Name:    spec.Name,
			Argv:    argv,
			Dir:     r.workDir,
			LogPath: filepath.Join(r.logDir, spec.LogName("")),
		}}, nil
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("taskrun: per-dataset command %q has no datasets", spec.Name)
	}
	seen := make(map[string]string, len(targets))
	invocations := make([]Invocation, 0, len(targets))
	for _, target := range targets {
		logName := spec.LogName(target)
		if previous, exists := seen[logName]; exists {
			return nil, fmt.Errorf("taskrun: datasets %s and %s share log name %s", previous, target, logName)
		}
		seen[logName] = target

		argv, err := spec.Argv(command.DatasetVariables(target))
		if err != nil {
			return nil, fmt.Errorf("taskrun: %w", err)
		}
		invocations = append(invocations, Invocation{
			Name:    spec.Name,
			Dataset: target,
			Argv:    argv,
			Dir:     r.workDir,
			LogPath: filepath.Join(r.logDir, logName),
		})
	}
	return invocations, nil
}

func (r *Runner) runOne(ctx context.Context, kind command.Kind, invocation Invocation) error {
	return r.execute(ctx, kind, invocation, nil)
}

// execute launches one invocation. When stdout is nil both streams go
// to the log file.
func (r *Runner) execute(ctx context.Context, kind command.Kind, invocation Invocation, stdout io.Writer) error {
	logFile, err := os.Create(invocation.LogPath)
	if err != nil {
		return &Failure{Name: invocation.Name, Dataset: invocation.Dataset, LogPath: invocation.LogPath, ExitCode: -1, Err: err}
	}

	if stdout == nil {
		stdout = logFile
	}

	r.invocations.Add(1)
	started := r.clock.Now()
	r.journal.writeStart(invocation, started)
	r.logger.Debug("invocation starting",
		"command", invocation.Name,
		"dataset", invocation.Dataset,
		"argv", strings.Join(invocation.Argv, " "),
	)

	exitCode, runErr := r.executor.Execute(ctx, invocation, stdout, logFile)
	if closeErr := logFile.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	duration := r.clock.Since(started)

	var failure error
	switch {
	case runErr != nil:
		failure = &Failure{Name: invocation.Name, Dataset: invocation.Dataset, LogPath: invocation.LogPath, ExitCode: -1, Err: runErr}
	case exitCode != 0:
		failure = &Failure{Name: invocation.Name, Dataset: invocation.Dataset, LogPath: invocation.LogPath, ExitCode: exitCode}
	default:
		marker, err := ScanLog(invocation.LogPath, kind.FailureMarkers())
		if err != nil {
			failure = &Failure{Name: invocation.Name, Dataset: invocation.Dataset, LogPath: invocation.LogPath, Err: err}
		} else if marker != "" {
			failure = &Failure{Name: invocation.Name, Dataset: invocation.Dataset, LogPath: invocation.LogPath, Marker: marker}
		}
	}

	r.journal.writeFinish(invocation, exitCode, duration, failure)
	if failure != nil {
		r.logger.Error("invocation failed",
			"command", invocation.Name,
			"dataset", invocation.Dataset,
			"exit_code", exitCode,
			"log", invocation.LogPath,
			"error", failure,
		)
		return failure
	}
	r.logger.Debug("invocation finished",
		"command", invocation.Name,
		"dataset", invocation.Dataset,
		"duration", duration,
	)
	return nil
}

// ScanLog returns the first marker found in the log at path, or "" if
// none occurs. Lines longer than the scanner buffer are truncated for
// matching rather than failing the scan.
func ScanLog(path string, markers []string) (string, error) {
	if len(markers) == 0 {
		return "", nil
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("scanning log: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, err := reader.ReadSlice('\n')
		for _, marker := range markers {
			if bytes.Contains(line, []byte(marker)) {
				return marker, nil
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			// Skip the rest of an overlong line.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = reader.ReadSlice('\n')
			}
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			if err != nil {
				return "", fmt.Errorf("scanning log: %w", err)
			}
		case errors.Is(err, io.EOF):
			return "", nil
		default:
			return "", fmt.Errorf("scanning log: %w", err)
		}
	}
}
