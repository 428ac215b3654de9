// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/skycal-project/skycal/lib/taskrun"
)

// RecordingExecutor is a taskrun.Executor that records every
// invocation instead of starting a process. Respond, when set, decides
// the outcome and may write output; otherwise every invocation exits
// zero with no output.
//
//	executor := &testutil.RecordingExecutor{
//	    Respond: func(inv taskrun.Invocation, stdout, stderr io.Writer) (int, error) {
//	        if inv.Name == "noise" {
//	            io.WriteString(stdout, "0.0012\n")
//	        }
//	        return 0, nil
//	    },
//	}
type RecordingExecutor struct {
	Respond func(invocation taskrun.Invocation, stdout, stderr io.Writer) (int, error)

	mu    sync.Mutex
	calls []taskrun.Invocation
}

// Execute implements taskrun.Executor.
func (e *RecordingExecutor) Execute(ctx context.Context, invocation taskrun.Invocation, stdout, stderr io.Writer) (int, error) {
	e.mu.Lock()
	e.calls = append(e.calls, invocation)
	respond := e.Respond
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if respond == nil {
		return 0, nil
	}
	return respond(invocation, stdout, stderr)
}

// Calls returns a copy of the recorded invocations in call order.
func (e *RecordingExecutor) Calls() []taskrun.Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]taskrun.Invocation(nil), e.calls...)
}

// Names returns the command names of recorded invocations, one entry
// per invocation.
func (e *RecordingExecutor) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.calls))
	for i, call := range e.calls {
		names[i] = call.Name
	}
	return names
}

// CountPrefix returns how many invocations have a name starting with
// prefix.
func (e *RecordingExecutor) CountPrefix(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, call := range e.calls {
		if strings.HasPrefix(call.Name, prefix) {
			count++
		}
	}
	return count
}

// Reset forgets recorded invocations.
func (e *RecordingExecutor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}
