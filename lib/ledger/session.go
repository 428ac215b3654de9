// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Session status values.
const (
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Session is one invocation of the pipeline.
type Session struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ConfigHash string    `json:"config_hash,omitempty"`
}

// BeginSession records the start of a run and makes it the session
// that subsequent MarkDone calls are attributed to. A session left
// "running" by a crashed process stays that way; the next session does
// not rewrite history.
func (l *Ledger) BeginSession(ctx context.Context, configHash string) (Session, error) {
	conn, err := l.take(ctx)
	if err != nil {
		return Session{}, err
	}
	defer l.pool.Put(conn)

	session := Session{
		ID:         uuid.NewString(),
		StartedAt:  l.clock.Now().UTC(),
		Status:     StatusRunning,
		ConfigHash: configHash,
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, pipeline, started_at, status, config_hash) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{session.ID, l.pipeline, session.StartedAt.UnixNano(), session.Status, configHash},
		})
	if err != nil {
		return Session{}, fmt.Errorf("ledger: recording session: %w", err)
	}

	l.mu.Lock()
	l.session = session.ID
	l.mu.Unlock()

	l.logger.Info("session started", "session", session.ID)
	return session, nil
}

// EndSession closes the current session. runErr decides the status: nil
// is succeeded, a context cancellation is interrupted, anything else is
// failed. Calling EndSession without a session is a no-op.
func (l *Ledger) EndSession(ctx context.Context, runErr error) error {
	l.mu.Lock()
	id := l.session
	l.session = ""
	l.mu.Unlock()
	if id == "" {
		return nil
	}

	status := StatusSucceeded
	message := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		status = StatusInterrupted
		message = runErr.Error()
	default:
		status = StatusFailed
		message = runErr.Error()
	}

	// The run context may already be cancelled; the final status must
	// still be written.
	conn, err := l.take(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET finished_at = ?, status = ?, error = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{l.clock.Now().UnixNano(), status, message, id},
		})
	if err != nil {
		return fmt.Errorf("ledger: closing session %s: %w", id, err)
	}
	l.logger.Info("session finished", "session", id, "status", status)
	return nil
}

// Sessions lists the pipeline's sessions, oldest first.
func (l *Ledger) Sessions(ctx context.Context) ([]Session, error) {
	conn, err := l.take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	var sessions []Session
	err = sqlitex.Execute(conn,
		`SELECT id, started_at, finished_at, status, error, config_hash
		 FROM sessions WHERE pipeline = ? ORDER BY started_at, rowid`,
		&sqlitex.ExecOptions{
			Args: []any{l.pipeline},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session := Session{
					ID:         stmt.ColumnText(0),
					StartedAt:  time.Unix(0, stmt.ColumnInt64(1)).UTC(),
					Status:     stmt.ColumnText(3),
					Error:      stmt.ColumnText(4),
					ConfigHash: stmt.ColumnText(5),
				}
				if stmt.ColumnType(2) != sqlite.TypeNull {
					session.FinishedAt = time.Unix(0, stmt.ColumnInt64(2)).UTC()
				}
				sessions = append(sessions, session)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger: listing sessions: %w", err)
	}
	return sessions, nil
}
