// Package database keeps the history of ingest runs in Postgres.
//
// Redis only holds the latest state of recent runs; this table is the durable
// record an operator reads to see what every run did.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"search-ingest/internal/metrics"
	"search-ingest/internal/models"
)

// Operation timeouts.
// These cap how long a single DB call can hold a connection / wait on a lock.
const (
	readTimeout   = 5 * time.Second
	writeTimeout  = 5 * time.Second
	schemaTimeout = 30 * time.Second
)

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
	id          TEXT PRIMARY KEY,
	dataset     TEXT NOT NULL,
	index_name  TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	file        TEXT NOT NULL,
	status      TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	summary     JSONB,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ingest_runs_dataset_started_idx ON ingest_runs (dataset, started_at DESC);
`

const runColumns = "id, dataset, index_name, source_id, file, status, stage, summary, error, started_at, finished_at"

type DB struct {
	Conn *sql.DB
}

// Connect opens and verifies a Postgres connection.
func Connect(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		return nil, err
	}
	slog.Info("postgres connected", "component", "database")
	return &DB{Conn: conn}, nil
}

// EnsureSchema creates the run history table if it is missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()

	_, err := db.Conn.ExecContext(ctx, schema)
	return err
}

// InsertRun records a run as it starts. Re-delivering the same job does not
// create a second row: ON CONFLICT resets the existing one instead.
func (db *DB) InsertRun(ctx context.Context, r *models.Run) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("insert_run"))
	defer timer.ObserveDuration()

	_, err := db.Conn.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, dataset, index_name, source_id, file, status, stage, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, stage = EXCLUDED.stage, started_at = EXCLUDED.started_at,
		     error = '', summary = NULL, finished_at = NULL`,
		r.ID, r.Dataset, r.Index, r.SourceID, r.File, r.Status, r.Stage, r.StartedAt,
	)
	return err
}

// FinishRun stores the final status, stage, summary and error of a run.
func (db *DB) FinishRun(ctx context.Context, r *models.Run) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("finish_run"))
	defer timer.ObserveDuration()

	var summary any
	if len(r.Summary) > 0 {
		summary = []byte(r.Summary)
	}
	finished := time.Now().UTC()
	if r.FinishedAt != nil {
		finished = *r.FinishedAt
	}

	res, err := db.Conn.ExecContext(ctx,
		`UPDATE ingest_runs
		 SET status = $2, stage = $3, summary = $4, error = $5, finished_at = $6
		 WHERE id = $1`,
		r.ID, r.Status, r.Stage, summary, r.Error, finished,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetRun fetches a single run by its ID.
// Returns sql.ErrNoRows when the ID does not exist; callers must distinguish
// this from other errors to return the correct HTTP status code.
func (db *DB) GetRun(ctx context.Context, id string) (*models.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("get_run"))
	defer timer.ObserveDuration()

	row := db.Conn.QueryRowContext(ctx, "SELECT "+runColumns+" FROM ingest_runs WHERE id = $1", id)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first, optionally for one dataset.
func (db *DB) ListRuns(ctx context.Context, dataset string, limit int) ([]models.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("list_runs"))
	defer timer.ObserveDuration()

	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := db.Conn.QueryContext(ctx,
		"SELECT "+runColumns+` FROM ingest_runs
		 WHERE ($1 = '' OR dataset = $1)
		 ORDER BY started_at DESC
		 LIMIT $2`,
		dataset, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			slog.Error("scan failed", "component", "database", "op", "list_runs", "error", err)
			continue
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*models.Run, error) {
	var (
		r        models.Run
		summary  []byte
		finished sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.Dataset, &r.Index, &r.SourceID, &r.File, &r.Status, &r.Stage,
		&summary, &r.Error, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		r.Summary = json.RawMessage(summary)
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
