// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/skycal-project/skycal/lib/clock"
	"github.com/skycal-project/skycal/lib/sqlitepool"
)

// ErrClosed is returned by every operation on a closed Ledger.
var ErrClosed = errors.New("ledger: closed")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	pipeline    TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	config_hash TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS steps (
	pipeline     TEXT NOT NULL,
	name         TEXT NOT NULL,
	session      TEXT NOT NULL DEFAULT '',
	completed_at INTEGER NOT NULL,
	PRIMARY KEY (pipeline, name)
);

CREATE INDEX IF NOT EXISTS sessions_by_pipeline ON sessions (pipeline, started_at);
`

// Config holds the parameters for opening a ledger.
type Config struct {
	// Path is the SQLite database file. Its directory must exist.
	Path string

	// Pipeline is the identity that scopes step names, e.g. "ddserial".
	Pipeline string

	// Clock stamps completion times. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives step and session events. Nil discards them.
	Logger *slog.Logger
}

// Step is one completed step.
type Step struct {
	Name        string    `json:"name"`
	Session     string    `json:"session,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Ledger records completed steps for one pipeline. It is safe for
// concurrent use, though the orchestrator only uses it from one
// goroutine.
type Ledger struct {
	pool     *sqlitepool.Pool
	pipeline string
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	session string
}

// Open opens (creating if necessary) the ledger database at cfg.Path.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Pipeline == "" {
		return nil, fmt.Errorf("ledger: Pipeline is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeSource := cfg.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        cfg.Path,
		PoolSize:    2,
		Synchronous: sqlitepool.SynchronousFull,
		Logger:      logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	return &Ledger{
		pool:     pool,
		pipeline: cfg.Pipeline,
		clock:    timeSource,
		logger:   logger.With("pipeline", cfg.Pipeline),
	}, nil
}

// Pipeline returns the pipeline identity this ledger is scoped to.
func (l *Ledger) Pipeline() string { return l.pipeline }

// Close releases the database. Further calls return ErrClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.pool.Close()
}

func (l *Ledger) take(ctx context.Context) (*sqlite.Conn, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return l.pool.Take(ctx)
}

// IsDone reports whether name has been marked done.
func (l *Ledger) IsDone(ctx context.Context, name string) (bool, error) {
	conn, err := l.take(ctx)
	if err != nil {
		return false, err
	}
	defer l.pool.Put(conn)

	var found bool
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM steps WHERE pipeline = ? AND name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{l.pipeline, name},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("ledger: checking %q: %w", name, err)
	}
	return found, nil
}

// MarkDone records name as completed. Marking an already-done step is
// a no-op that keeps the original completion time.
func (l *Ledger) MarkDone(ctx context.Context, name string) (err error) {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("ledger: step name is empty")
	}

	conn, err := l.take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	l.mu.Lock()
	session := l.session
	l.mu.Unlock()

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("ledger: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO steps (pipeline, name, session, completed_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{l.pipeline, name, session, l.clock.Now().UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("ledger: marking %q: %w", name, err)
	}
	if conn.Changes() > 0 {
		l.logger.Debug("step done", "step", name)
	}
	return nil
}

// Do runs fn unless name is already done, then marks name done if fn
// succeeded. It reports whether fn ran. An error from fn is returned
// unchanged and leaves the step unmarked.
func (l *Ledger) Do(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	done, err := l.IsDone(ctx, name)
	if err != nil {
		return false, err
	}
	if done {
		l.logger.Debug("step already done, skipping", "step", name)
		return false, nil
	}

	l.logger.Info("step starting", "step", name)
	if err := fn(ctx); err != nil {
		return true, err
	}
	if err := l.MarkDone(ctx, name); err != nil {
		return true, err
	}
	return true, nil
}

// Steps lists completed steps in the order they were marked.
func (l *Ledger) Steps(ctx context.Context) ([]Step, error) {
	conn, err := l.take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	var steps []Step
	err = sqlitex.Execute(conn,
		`SELECT name, session, completed_at FROM steps WHERE pipeline = ? ORDER BY rowid`,
		&sqlitex.ExecOptions{
			Args: []any{l.pipeline},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				steps = append(steps, Step{
					Name:        stmt.ColumnText(0),
					Session:     stmt.ColumnText(1),
					CompletedAt: time.Unix(0, stmt.ColumnInt64(2)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger: listing steps: %w", err)
	}
	return steps, nil
}

// Forget removes the named steps so the next run executes them again.
// It returns how many of them were recorded. Names are matched
// exactly; callers decide which steps belong together.
func (l *Ledger) Forget(ctx context.Context, names ...string) (removed int, err error) {
	conn, err := l.take(ctx)
	if err != nil {
		return 0, err
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("ledger: beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, name := range names {
		err = sqlitex.Execute(conn,
			`DELETE FROM steps WHERE pipeline = ? AND name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{l.pipeline, name},
			})
		if err != nil {
			return 0, fmt.Errorf("ledger: forgetting %q: %w", name, err)
		}
		removed += conn.Changes()
	}
	l.logger.Info("steps forgotten", "requested", len(names), "removed", removed)
	return removed, nil
}
