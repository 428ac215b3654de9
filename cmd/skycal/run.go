// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/skycal-project/skycal/lib/config"
	"github.com/skycal-project/skycal/lib/ddcal"
	"github.com/skycal-project/skycal/lib/logging"
	"github.com/skycal-project/skycal/lib/msset"
	"github.com/skycal-project/skycal/lib/taskrun"
	"github.com/skycal-project/skycal/lib/version"
)

func runCommand(ctx context.Context, args []string) (err error) {
	var (
		configPath string
		dryRun     bool
		cycles     int
		logLevel   string
	)
	flagSet := newFlagSet("run", &configPath)
	flagSet.BoolVarP(&dryRun, "dry-run", "n", false, "log the commands a run would execute without running them")
	flagSet.IntVar(&cycles, "cycles", 0, "override calibration.max_cycles")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if dryRun {
		cfg.Runner.DryRun = true
	}
	if cycles > 0 {
		cfg.Calibration.MaxCycles = cycles
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = filepath.Join(cfg.Paths.Logs, "skycal.log")
	}
	logger, closeLog, err := logging.New(logging.Config{Level: cfg.Logging.Level, File: logFile})
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info("skycal starting",
		"version", version.Info(),
		"root", cfg.Paths.Root,
		"pipeline", cfg.Pipeline,
		"dry_run", cfg.Runner.DryRun,
	)

	l, err := openLedger(cfg, true)
	if err != nil {
		return err
	}
	defer l.Close()

	// A dry run reads the ledger but leaves no session behind.
	if !cfg.Runner.DryRun {
		if _, err := l.BeginSession(ctx, cfg.Fingerprint()); err != nil {
			return err
		}
		defer func() {
			if endErr := l.EndSession(context.WithoutCancel(ctx), err); endErr != nil {
				logger.Error("closing ledger session", "error", endErr)
			}
		}()
	}

	var executor taskrun.ProcessExecutor
	if cfg.Runner.GracePeriod != "" {
		executor.GracePeriod, err = time.ParseDuration(cfg.Runner.GracePeriod)
		if err != nil {
			return fmt.Errorf("runner.grace_period: %w", err)
		}
	}

	runner, err := taskrun.New(taskrun.Config{
		LogDir:      cfg.Paths.Logs,
		WorkDir:     cfg.Paths.Root,
		Concurrency: cfg.Runner.Concurrency,
		DryRun:      cfg.Runner.DryRun,
		Executor:    executor,
		Logger:      logger.With("component", "taskrun"),
	})
	if err != nil {
		return err
	}
	defer runner.Close()

	datasets, err := discoverDatasets(ctx, cfg, executor, logger)
	if err != nil {
		return err
	}

	controller, err := ddcal.New(ddcal.RunContext{
		Config:   cfg,
		Ledger:   l,
		Runner:   runner,
		Datasets: datasets,
		Noise:    ddcal.CommandNoiseMeter{Runner: runner, Program: cfg.Tools.Noise},
		Logger:   logger.With("component", "ddcal"),
	})
	if err != nil {
		return err
	}
	return controller.Run(ctx)
}

// discoverDatasets inspects the configured datasets. Inspection only
// reads metadata, so it runs for real even in a dry run, on a runner
// of its own.
func discoverDatasets(ctx context.Context, cfg *config.Config, executor taskrun.Executor, logger *slog.Logger) (*msset.Collection, error) {
	inspectRunner, err := taskrun.New(taskrun.Config{
		LogDir:   filepath.Join(cfg.Paths.Logs, "inspect"),
		WorkDir:  cfg.Paths.Root,
		Executor: executor,
		Logger:   logger.With("component", "inspect"),
	})
	if err != nil {
		return nil, err
	}
	defer inspectRunner.Close()

	datasets, err := msset.Discover(ctx, cfg.Paths.Root, cfg.Datasets.Glob,
		msset.CommandInspector{Runner: inspectRunner, Program: cfg.Tools.Inspect})
	if err != nil {
		return nil, err
	}
	logger.Info("datasets found",
		"count", datasets.Len(),
		"min_freq_mhz", datasets.MinFrequency()/1e6,
		"fwhm_deg", datasets.FWHM(),
		"resolution_arcsec", datasets.Resolution(),
	)
	return datasets, nil
}
