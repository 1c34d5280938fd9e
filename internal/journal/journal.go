// Package journal persists attempt history to sqlite for operator
// inspection. It is strictly write-only at runtime: nothing in the engine
// reads it back, so losing or wiping the file never changes scheduling
// decisions.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"slotwork/internal/eventbus"
	"slotwork/internal/executor"
	"slotwork/pkg/logx"
)

type Config struct {
	// Enabled turns the journal on. Off by default; the engine is fully
	// functional without it.
	Enabled bool
	Path    string
	// BusyTimeout is passed to sqlite's busy_timeout pragma.
	BusyTimeout time.Duration
	// RetainDays prunes rows older than this. 0 keeps everything.
	RetainDays int
}

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    at          TEXT    NOT NULL,
    attempt_id  TEXT    NOT NULL,
    task_id     TEXT    NOT NULL,
    outcome     TEXT    NOT NULL,
    signature   TEXT,
    err         TEXT,
    retries     INTEGER NOT NULL DEFAULT 0,
    took_ms     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS attempts_task ON attempts(task_id, at);

CREATE TABLE IF NOT EXISTS rollbacks (
    id   INTEGER PRIMARY KEY AUTOINCREMENT,
    at   TEXT    NOT NULL,
    slot INTEGER NOT NULL
);
`

// Service subscribes to the event bus and appends one row per attempt
// transition. Dropped events under load lose journal rows, never engine
// state.
type Service struct {
	cfg Config
	log logx.Logger
	db  *sql.DB
	bus eventbus.Bus

	writes uint64
}

func Open(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if !cfg.Enabled {
		return &Service{cfg: cfg, log: log, bus: bus}, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("journal path is required when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Service{cfg: cfg, log: log.With(logx.String("component", "journal")), db: db, bus: bus}, nil
}

func (s *Service) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Run consumes bus events until ctx ends. A disabled journal returns
// immediately so the supervisor sees a clean exit.
func (s *Service) Run(ctx context.Context) error {
	if s.db == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsubscribe := s.bus.Subscribe(256)
	defer unsubscribe()

	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-prune.C:
			s.pruneOld(ctx)
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.apply(ctx, ev)
		}
	}
}

func (s *Service) apply(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeAttemptConfirmed,
		eventbus.TypeAttemptExpired,
		eventbus.TypeAttemptFailed,
		eventbus.TypeAttemptRaceLost,
		eventbus.TypeAttemptCanceled:
		ae, ok := ev.Data.(executor.AttemptEvent)
		if !ok {
			return
		}
		s.appendAttempt(ctx, ev.Time, ae)
	case eventbus.TypeForkRollback:
		slot, ok := ev.Data.(uint64)
		if !ok {
			return
		}
		s.appendRollback(ctx, ev.Time, slot)
	}
}

func (s *Service) appendAttempt(ctx context.Context, at time.Time, ae executor.AttemptEvent) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(at, attempt_id, task_id, outcome, signature, err, retries, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		at.Format(time.RFC3339Nano), ae.AttemptID, ae.TaskID, ae.Outcome,
		nullStr(ae.Signature), nullStr(ae.Error), ae.Retries, ae.Took.Milliseconds(),
	)
	if err != nil {
		s.log.Warn("journal write failed", logx.Err(err))
		return
	}
	s.writes++
}

func (s *Service) appendRollback(ctx context.Context, at time.Time, slot uint64) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollbacks(at, slot) VALUES(?,?)`,
		at.Format(time.RFC3339Nano), slot,
	)
	if err != nil {
		s.log.Warn("journal write failed", logx.Err(err))
	}
}

func (s *Service) pruneOld(ctx context.Context) {
	if s.cfg.RetainDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetainDays).Format(time.RFC3339Nano)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(pctx, `DELETE FROM attempts WHERE at < ?`, cutoff); err != nil {
		s.log.Warn("journal prune failed", logx.Err(err))
	}
	_, _ = s.db.ExecContext(pctx, `DELETE FROM rollbacks WHERE at < ?`, cutoff)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
