// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skycal-project/skycal/lib/config"
	"github.com/skycal-project/skycal/lib/ledger"
	"github.com/skycal-project/skycal/lib/process"
	"github.com/skycal-project/skycal/lib/version"
)

// ledgerFile is the ledger database inside paths.state.
const ledgerFile = "ledger.db"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil && !errors.Is(err, errHelp) {
		process.Fatal(err)
	}
}

var (
	// errUsage marks argument errors.
	errUsage = errors.New("usage error")

	// errHelp ends a command after its flag help was printed.
	errHelp = errors.New("help requested")
)

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return errUsage
	}
	command, rest := args[0], args[1:]
	switch command {
	case "run":
		return runCommand(ctx, rest)
	case "status":
		return statusCommand(ctx, rest, stdout)
	case "directions":
		return directionsCommand(rest, stdout)
	case "reset":
		return resetCommand(ctx, rest, stdout)
	case "version", "--version":
		fmt.Fprintf(stdout, "skycal %s\n", version.Full())
		return nil
	case "help", "--help", "-h":
		printUsage(stdout)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		printUsage(os.Stderr)
		return errUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `skycal: direction-dependent calibration

Usage:
  skycal run        [--config FILE] [--dry-run] [--cycles N] [--log-level LEVEL]
  skycal status     [--config FILE] [--json]
  skycal directions [--config FILE] --cycle N [--json | --diagnose]
  skycal reset      [--config FILE] --prefix PREFIX
  skycal version

The config file defaults to $SKYCAL_CONFIG.
`)
}

// newFlagSet returns a flag set with the --config flag every command
// takes.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("skycal "+name, pflag.ContinueOnError)
	flagSet.StringVarP(configPath, "config", "c", "", "config file (default $"+config.EnvConfig+")")
	return flagSet
}

func parseFlags(flagSet *pflag.FlagSet, args []string) error {
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelp
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, flagSet.Arg(0))
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func openLedger(cfg *config.Config, create bool) (*ledger.Ledger, error) {
	path := filepath.Join(cfg.Paths.State, ledgerFile)
	if create {
		if err := os.MkdirAll(cfg.Paths.State, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no ledger at %s: %w", path, err)
	}
	return ledger.Open(ledger.Config{Path: path, Pipeline: cfg.Pipeline})
}
