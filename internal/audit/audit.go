// Package audit records every export run in PostgreSQL so operators can see
// what was exported, when and with which outcome. Audit writes never fail a
// run: errors are logged and the export carries on.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
)

// Schema creates the export_runs table.
const Schema = `CREATE TABLE IF NOT EXISTS export_runs (
    id          TEXT PRIMARY KEY,
    env         TEXT NOT NULL,
    index_name  TEXT NOT NULL,
    filters     JSONB NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    status      TEXT NOT NULL,
    records     BIGINT NOT NULL DEFAULT 0,
    chunks      INTEGER NOT NULL DEFAULT 0,
    error       TEXT
)`

const statusRunning = "running"

// DB is satisfied by *sql.DB.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Run struct {
	ID         string
	Env        string
	Index      string
	Filters    extractor.Filters
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Records    int
	Chunks     int
	Error      string
}

type filterDoc struct {
	Levels []string   `json:"levels,omitempty"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
}

func encodeFilters(f extractor.Filters) ([]byte, error) {
	doc := filterDoc{Levels: f.Levels}
	if !f.Range.From.IsZero() {
		from := f.Range.From.UTC()
		doc.Start = &from
	}
	if !f.Range.To.IsZero() {
		to := f.Range.To.UTC()
		doc.End = &to
	}
	return json.Marshal(doc)
}

type Recorder struct {
	db     DB
	logger *slog.Logger
}

func New(db DB) *Recorder {
	return &Recorder{
		db:     db,
		logger: slog.Default().With("component", "audit"),
	}
}

// Begin inserts the row for a starting run.
func (r *Recorder) Begin(ctx context.Context, run Run) {
	filters, err := encodeFilters(run.Filters)
	if err != nil {
		r.logger.Error("encoding run filters", "run_id", run.ID, "error", err)
		return
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO export_runs (id, env, index_name, filters, started_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Env, run.Index, filters, run.StartedAt.UTC(), statusRunning,
	)
	if err != nil {
		r.logger.Error("recording run start", "run_id", run.ID, "error", err)
		return
	}
	r.logger.Debug("run start recorded", "run_id", run.ID)
}

// Finish stamps the outcome of a run. It uses a context detached from ctx's
// cancellation so interrupted runs are still recorded.
func (r *Recorder) Finish(ctx context.Context, id, status string, records, chunks int, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE export_runs
		SET finished_at = $2, status = $3, records = $4, chunks = $5, error = $6
		WHERE id = $1`,
		id, time.Now().UTC(), status, records, chunks, msg,
	)
	if err != nil {
		r.logger.Error("recording run outcome", "run_id", id, "error", err)
		return
	}
	r.logger.Debug("run outcome recorded", "run_id", id, "status", status)
}

// Recent returns the latest runs, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, env, index_name, filters, started_at, finished_at, status, records, chunks, error
		FROM export_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying export runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			filters  []byte
			finished sql.NullTime
			msg      sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Env, &run.Index, &filters, &run.StartedAt,
			&finished, &run.Status, &run.Records, &run.Chunks, &msg); err != nil {
			return nil, fmt.Errorf("scanning export run: %w", err)
		}
		var doc filterDoc
		if err := json.Unmarshal(filters, &doc); err != nil {
			return nil, fmt.Errorf("decoding filters of run %s: %w", run.ID, err)
		}
		run.Filters.Levels = doc.Levels
		if doc.Start != nil {
			run.Filters.Range.From = *doc.Start
		}
		if doc.End != nil {
			run.Filters.Range.To = *doc.End
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		run.Error = msg.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating export runs: %w", err)
	}
	return runs, nil
}
