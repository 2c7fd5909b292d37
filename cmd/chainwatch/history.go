package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"
)

// historyStore records every pass in a sqlite database.
type historyStore struct {
	mu   sync.Mutex
	path string
	db   *sql.DB
}

type historyRecord struct {
	ID         string
	Reason     string
	Changes    int
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Steps      int
	FailedStep int
	ExitStatus int
	Command    string
	Error      string
}

func openHistory(path string) (*historyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initHistorySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &historyStore{path: path, db: db}, nil
}

// sidecarPaths lists the files sqlite writes next to the database.
func (h *historyStore) sidecarPaths() []string {
	return []string{h.path, h.path + "-wal", h.path + "-shm", h.path + "-journal"}
}

func (h *historyStore) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

func (h *historyStore) PassStarted(p *pass) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return
	}
	_, err := h.db.Exec(
		`INSERT INTO passes (id, reason, changes, started_at, status, steps) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.Trigger.Reason,
		p.Trigger.Changes,
		p.Started.UnixMilli(),
		"running",
		0,
	)
	if err != nil {
		logError("history: failed to record pass start: %v", err)
	}
}

func (h *historyStore) PassFinished(p *pass) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return
	}

	outcome := p.Outcome
	var (
		failedStep sql.NullInt64
		exitStatus sql.NullInt64
		command    sql.NullString
		errText    sql.NullString
	)
	if outcome.Status != outcomeSuccess {
		failedStep = sql.NullInt64{Int64: int64(outcome.Index), Valid: true}
		exitStatus = sql.NullInt64{Int64: int64(outcome.ExitStatus), Valid: true}
		command = sql.NullString{String: outcome.Command, Valid: true}
	}
	if outcome.Err != nil {
		errText = sql.NullString{String: outcome.Err.Error(), Valid: true}
	}

	_, err := h.db.Exec(
		`UPDATE passes SET finished_at = ?, status = ?, steps = ?, failed_step = ?, exit_status = ?, command = ?, error = ? WHERE id = ?`,
		p.Finished.UnixMilli(),
		outcome.Status.String(),
		outcome.Steps,
		failedStep,
		exitStatus,
		command,
		errText,
		p.ID,
	)
	if err != nil {
		logError("history: failed to record pass result: %v", err)
	}
}

// Recent returns up to limit passes, newest first.
func (h *historyStore) Recent(limit int) ([]historyRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil, fmt.Errorf("history store closed")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := h.db.Query(
		`SELECT id, reason, changes, started_at, finished_at, status, steps, failed_step, exit_status, command, error
		 FROM passes ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []historyRecord
	for rows.Next() {
		var (
			record     historyRecord
			startedAt  int64
			finishedAt sql.NullInt64
			failedStep sql.NullInt64
			exitStatus sql.NullInt64
			command    sql.NullString
			errText    sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.Reason, &record.Changes, &startedAt, &finishedAt, &record.Status, &record.Steps, &failedStep, &exitStatus, &command, &errText); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		record.StartedAt = time.UnixMilli(startedAt)
		if finishedAt.Valid {
			record.FinishedAt = time.UnixMilli(finishedAt.Int64)
		}
		record.FailedStep = -1
		if failedStep.Valid {
			record.FailedStep = int(failedStep.Int64)
		}
		record.ExitStatus = int(exitStatus.Int64)
		record.Command = command.String
		record.Error = errText.String
		records = append(records, record)
	}
	return records, rows.Err()
}

func initHistorySchema(db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize history db (%s): %w", strings.TrimSpace(stmt), err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS passes (
			id TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			changes INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			status TEXT NOT NULL,
			steps INTEGER NOT NULL DEFAULT 0,
			failed_step INTEGER,
			exit_status INTEGER,
			command TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_passes_started ON passes(started_at);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize history schema: %w", err)
		}
	}
	return nil
}

func printHistory(w io.Writer, records []historyRecord, okStr string) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no passes recorded")
		return
	}
	for _, record := range records {
		mark := okStr
		detail := fmt.Sprintf("%d step(s)", record.Steps)
		switch record.Status {
		case outcomeSuccess.String():
		case outcomeFailed.String():
			mark = "x"
			detail = fmt.Sprintf("step %d of %d: %q exited %d", record.FailedStep+1, record.Steps, record.Command, record.ExitStatus)
			if record.Error != "" {
				detail = fmt.Sprintf("step %d of %d: %s", record.FailedStep+1, record.Steps, record.Error)
			}
		case "running":
			mark = "?"
			detail = "running or abandoned"
		default:
			mark = "-"
			detail = fmt.Sprintf("stopped at step %d of %d", record.FailedStep+1, record.Steps)
		}

		took := ""
		if !record.FinishedAt.IsZero() {
			took = " in " + record.FinishedAt.Sub(record.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s  %-14s %-8s %s%s  (%s, %s)\n",
			mark,
			humanize.Time(record.StartedAt),
			record.Status,
			detail,
			took,
			record.Reason,
			shortID(record.ID),
		)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
