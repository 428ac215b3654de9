// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger is the checkpoint ledger: a durable record of which
// named pipeline steps have completed.
//
// A calibration run takes days and is interrupted routinely. Every
// externally visible step is wrapped in a ledger check so that a
// resumed run skips work already done:
//
//	ran, err := l.Do(ctx, "c00-fullsub", func(ctx context.Context) error {
//	    return runner.Run(ctx, subtract, datasets)
//	})
//
// The body runs only when the step is not yet recorded, and the step
// is recorded only after the body returns nil. A step that fails, or
// whose process is killed mid-way, is not recorded and runs again on
// the next invocation.
//
// # Storage
//
// Steps live in a SQLite database opened through lib/sqlitepool with
// synchronous=FULL. MarkDone is a single IMMEDIATE transaction, so a
// crash either loses the whole mark or none of it. Rows are keyed by
// (pipeline, step name), so several pipelines can share one file
// without seeing each other's progress.
//
// # Sessions
//
// Each invocation of a pipeline is a session with a UUID, start and
// finish times, a final status, and the fingerprint of the
// configuration it ran with. Steps are stamped with the session that
// completed them. Sessions are bookkeeping for operators (skycal
// status); they never influence which steps run.
package ledger
