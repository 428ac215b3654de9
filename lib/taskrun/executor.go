// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const defaultGracePeriod = 10 * time.Second

// Invocation is one rendered process launch.
type Invocation struct {
	// Name is the command name from the Spec.
	Name string `json:"name"`

	// Dataset is the dataset path for a per-dataset spec, empty
	// otherwise.
	Dataset string `json:"dataset,omitempty"`

	// Argv is the full argument vector; Argv[0] is the program.
	Argv []string `json:"argv"`

	// Dir is the working directory.
	Dir string `json:"dir,omitempty"`

	// LogPath is where stdout and stderr (or only stderr, for
	// Capture) are written.
	LogPath string `json:"log,omitempty"`
}

// Executor launches one process and waits for it. It returns the exit
// code; a non-nil error means the process could not be run or was
// killed, in which case the exit code is -1.
type Executor interface {
	Execute(ctx context.Context, invocation Invocation, stdout, stderr io.Writer) (int, error)
}

// ProcessExecutor runs invocations as OS processes.
type ProcessExecutor struct {
	// GracePeriod is how long a cancelled process group gets between
	// SIGTERM and SIGKILL. Zero sends SIGKILL immediately.
	GracePeriod time.Duration
}

// Execute implements Executor.
func (e ProcessExecutor) Execute(ctx context.Context, invocation Invocation, stdout, stderr io.Writer) (int, error) {
	if len(invocation.Argv) == 0 {
		return -1, errors.New("empty argv")
	}

	cmd := exec.CommandContext(ctx, invocation.Argv[0], invocation.Argv[1:]...)
	cmd.Dir = invocation.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil
	cmd.Env = os.Environ()

	// Own process group: negative PID addresses the tool and every
	// helper it forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	gracePeriod := e.GracePeriod
	if gracePeriod > 0 {
		cmd.Cancel = func() error {
			processGroupID := -cmd.Process.Pid
			if err := unix.Kill(processGroupID, unix.SIGTERM); err != nil {
				return unix.Kill(processGroupID, unix.SIGKILL)
			}
			go func() {
				time.Sleep(gracePeriod)
				// ESRCH from an already-exited group is expected.
				_ = unix.Kill(processGroupID, unix.SIGKILL)
			}()
			return nil
		}
		cmd.WaitDelay = 2 * gracePeriod
	} else {
		cmd.Cancel = func() error {
			return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) && ctx.Err() == nil {
		return exitError.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return -1, err
}
