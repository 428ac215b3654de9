// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskrun runs external tools described by command.Spec values.
//
// Run is a bounded fork-join: a per-dataset spec becomes one OS process
// per dataset, at most Concurrency at a time, and Run returns only
// after every process has exited. A failing sibling does not cancel
// the others. The datasets are independent and a half-written output
// is worse than a finished one. All failures are reported together.
//
// Each process writes stdout and stderr to its own log file under the
// log directory, named from the command name and dataset name only.
// After exit the log is scanned for the failure markers of the
// command's kind, because some reduction tools print an exception and
// still exit zero.
//
// Every invocation is also appended to invocations.jsonl in the log
// directory, one fsynced JSON object per line, so an operator can see
// exactly what ran even after a crash.
//
// Processes run in their own process group. When the context is
// cancelled (SIGINT/SIGTERM on the orchestrator) the whole group is
// signalled, so tools that fork helpers do not outlive the run.
package taskrun
