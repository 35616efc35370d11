// Package store persists finalized counting runs to SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/viam-modules/line-counter/counting"
	"github.com/viam-modules/line-counter/tracker"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	source      TEXT,
	frames      INTEGER NOT NULL,
	config_json TEXT,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS counts (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	class  TEXT NOT NULL,
	count  INTEGER NOT NULL,
	PRIMARY KEY (run_id, class)
);
CREATE TABLE IF NOT EXISTS detections (
	run_id     TEXT NOT NULL REFERENCES runs(run_id),
	frame      INTEGER NOT NULL,
	x1         REAL,
	y1         REAL,
	x2         REAL,
	y2         REAL,
	confidence REAL,
	class      TEXT
);
CREATE INDEX IF NOT EXISTS idx_detections_run ON detections(run_id, frame);
`

// Run is one finalized run.
type Run struct {
	RunID      string
	Source     string
	Frames     int
	Config     interface{}
	Summary    []counting.CountRow
	Detections []counting.DetectionRecord
	CreatedAt  time.Time
}

// Store wraps the SQLite database holding runs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %v", path)
	}
	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "unable to execute %q", pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to apply schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun writes the run and its two tables in a single transaction. A run id
// is generated when empty. The id is returned.
func (s *Store) SaveRun(ctx context.Context, run Run) (string, error) {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	var configJSON interface{}
	if run.Config != nil {
		raw, err := json.Marshal(run.Config)
		if err != nil {
			return "", errors.Wrap(err, "unable to encode run config")
		}
		configJSON = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, source, frames, config_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.Source, run.Frames, configJSON, run.CreatedAt.UnixNano(),
	); err != nil {
		return "", errors.Wrap(err, "failed to insert run")
	}

	countStmt, err := tx.PrepareContext(ctx, `INSERT INTO counts (run_id, class, count) VALUES (?, ?, ?)`)
	if err != nil {
		return "", errors.Wrap(err, "failed to prepare counts statement")
	}
	defer countStmt.Close()
	for _, row := range run.Summary {
		if _, err := countStmt.ExecContext(ctx, run.RunID, row.Label, row.Count); err != nil {
			return "", errors.Wrapf(err, "failed to insert count for %q", row.Label)
		}
	}

	detStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (run_id, frame, x1, y1, x2, y2, confidence, class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", errors.Wrap(err, "failed to prepare detections statement")
	}
	defer detStmt.Close()
	for _, d := range run.Detections {
		if _, err := detStmt.ExecContext(ctx, run.RunID, d.Frame, d.X1, d.Y1, d.X2, d.Y2, d.Confidence, d.Label); err != nil {
			return "", errors.Wrapf(err, "failed to insert detection on frame %d", d.Frame)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "failed to commit run")
	}
	return run.RunID, nil
}

// Counts returns the summary of a run ordered by class.
func (s *Store) Counts(ctx context.Context, runID string) ([]counting.CountRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT class, count FROM counts WHERE run_id = ? ORDER BY class`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query counts")
	}
	defer rows.Close()

	var out []counting.CountRow
	for rows.Next() {
		var row counting.CountRow
		if err := rows.Scan(&row.Label, &row.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan count")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Detections returns the audit log of a run in insertion order.
func (s *Store) Detections(ctx context.Context, runID string) ([]counting.DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, x1, y1, x2, y2, confidence, class
		FROM detections WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query detections")
	}
	defer rows.Close()

	var out []counting.DetectionRecord
	for rows.Next() {
		var (
			rec            counting.DetectionRecord
			x1, y1, x2, y2 sql.NullFloat64
			conf           sql.NullFloat64
			label          sql.NullString
		)
		if err := rows.Scan(&rec.Frame, &x1, &y1, &x2, &y2, &conf, &label); err != nil {
			return nil, errors.Wrap(err, "failed to scan detection")
		}
		// SQLite stores NaN as NULL
		rec.Detection = tracker.Detection{
			X1:         orNaN(x1),
			Y1:         orNaN(y1),
			X2:         orNaN(x2),
			Y2:         orNaN(y2),
			Confidence: orNaN(conf),
			Label:      label.String,
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// RunIDs lists stored runs, newest first.
func (s *Store) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan run id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
