// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// journal appends one JSON object per line to invocations.jsonl. Each
// line is fsynced so a killed run keeps every record written before
// the kill. All methods are nil-safe no-ops so the runner can call
// them unconditionally.
type journal struct {
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func openJournal(path string, logger *slog.Logger) (*journal, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening invocation journal %s: %w", path, err)
	}
	return &journal{
		logger:  logger,
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func (j *journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func (j *journal) writeStart(invocation Invocation, at time.Time) {
	if j == nil {
		return
	}
	j.write(journalStartEntry{
		Type:      "start",
		Name:      invocation.Name,
		Dataset:   invocation.Dataset,
		Argv:      invocation.Argv,
		Log:       invocation.LogPath,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
}

func (j *journal) writeFinish(invocation Invocation, exitCode int, duration time.Duration, failure error) {
	if j == nil {
		return
	}
	entry := journalFinishEntry{
		Type:       "finish",
		Name:       invocation.Name,
		Dataset:    invocation.Dataset,
		Status:     "ok",
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
	}
	if failure != nil {
		entry.Status = "failed"
		entry.Error = failure.Error()
	}
	j.write(entry)
}

func (j *journal) writeDryRun(invocation Invocation) {
	if j == nil {
		return
	}
	j.write(journalStartEntry{
		Type:    "dry-run",
		Name:    invocation.Name,
		Dataset: invocation.Dataset,
		Argv:    invocation.Argv,
		Log:     invocation.LogPath,
	})
}

func (j *journal) write(entry any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.encoder.Encode(entry); err != nil {
		j.logger.Warn("failed to write invocation journal entry", "error", err)
		return
	}
	if err := j.file.Sync(); err != nil {
		j.logger.Warn("failed to sync invocation journal", "error", err)
	}
}

type journalStartEntry struct {
	Type      string   `json:"type"`
	Name      string   `json:"name"`
	Dataset   string   `json:"dataset,omitempty"`
	Argv      []string `json:"argv"`
	Log       string   `json:"log,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type journalFinishEntry struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Dataset    string `json:"dataset,omitempty"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}
