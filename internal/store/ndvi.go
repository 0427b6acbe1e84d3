package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/vineyard/internal/models"
)

// NDVIRun is the audit record of one orchestration pass.
type NDVIRun struct {
	ID           int64
	RunID        string
	Year         int
	Fingerprint  string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Fields       int
	Months       int
	Total        int
	Completed    int
	Failed       int
	Success      bool
	ErrorMessage sql.NullString
}

// StartNDVIRun creates a new run record and returns it.
func (s *Store) StartNDVIRun(ctx context.Context, runID string, year int, fingerprint string) (*NDVIRun, error) {
	run := &NDVIRun{
		RunID:       runID,
		Year:        year,
		Fingerprint: fingerprint,
		StartedAt:   time.Now().UTC(),
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ndvi_runs (run_id, year, fingerprint, started_at, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.RunID, run.Year, run.Fingerprint, run.StartedAt)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteNDVIRun records the outcome of a run.
func (s *Store) CompleteNDVIRun(ctx context.Context, run *NDVIRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ndvi_runs SET
			finished_at = ?,
			fields = ?,
			months = ?,
			total_queries = ?,
			completed_queries = ?,
			failed_queries = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Fields, run.Months, run.Total, run.Completed, run.Failed,
		run.Success, run.ErrorMessage, run.ID)
	return err
}

// SaveNDVISamples stores every sample of a run in one transaction.
func (s *Store) SaveNDVISamples(ctx context.Context, runID string, samples []models.NDVISample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ndvi_samples (run_id, field_id, year, month, mean_ndvi, min_ndvi, max_ndvi, stddev_ndvi, range_from, range_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, sm := range samples {
		var mean, lo, hi, sd sql.NullFloat64
		var from, to sql.NullTime
		if sm.Stats != nil {
			mean = sql.NullFloat64{Float64: sm.Stats.Mean, Valid: true}
			lo = sql.NullFloat64{Float64: sm.Stats.Min, Valid: true}
			hi = sql.NullFloat64{Float64: sm.Stats.Max, Valid: true}
			sd = sql.NullFloat64{Float64: sm.Stats.StdDev, Valid: true}
			from = sql.NullTime{Time: sm.Stats.From, Valid: !sm.Stats.From.IsZero()}
			to = sql.NullTime{Time: sm.Stats.To, Valid: !sm.Stats.To.IsZero()}
		}
		if _, err := stmt.ExecContext(ctx, runID, sm.FieldID, sm.Year, int(sm.Month), mean, lo, hi, sd, from, to); err != nil {
			return fmt.Errorf("insert sample %s/%d: %w", sm.FieldID, sm.Month, err)
		}
	}

	return tx.Commit()
}

const ndviRunColumns = `id, run_id, year, COALESCE(fingerprint, ''), started_at, finished_at,
	COALESCE(fields, 0), COALESCE(months, 0), COALESCE(total_queries, 0),
	COALESCE(completed_queries, 0), COALESCE(failed_queries, 0), success, error_message`

func scanNDVIRun(sc interface{ Scan(...any) error }) (*NDVIRun, error) {
	var r NDVIRun
	if err := sc.Scan(&r.ID, &r.RunID, &r.Year, &r.Fingerprint, &r.StartedAt, &r.FinishedAt,
		&r.Fields, &r.Months, &r.Total, &r.Completed, &r.Failed, &r.Success, &r.ErrorMessage); err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestNDVI returns the most recent successful run for a year and its
// samples. It returns a nil run when nothing has been recorded.
func (s *Store) LatestNDVI(ctx context.Context, year int) (*NDVIRun, []models.NDVISample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ndviRunColumns+`
		FROM ndvi_runs
		WHERE year = ? AND success = TRUE AND finished_at IS NOT NULL
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, year)
	run, err := scanNDVIRun(row)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT field_id, year, month, mean_ndvi, min_ndvi, max_ndvi, stddev_ndvi, range_from, range_to
		FROM ndvi_samples
		WHERE run_id = ?
		ORDER BY field_id ASC, month ASC
	`, run.RunID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var samples []models.NDVISample
	for rows.Next() {
		var sm models.NDVISample
		var month int
		var mean, lo, hi, sd sql.NullFloat64
		var from, to sql.NullTime
		if err := rows.Scan(&sm.FieldID, &sm.Year, &month, &mean, &lo, &hi, &sd, &from, &to); err != nil {
			return nil, nil, err
		}
		sm.Month = time.Month(month)
		if mean.Valid {
			sm.Stats = &models.NDVIStats{
				Mean:   mean.Float64,
				Min:    lo.Float64,
				Max:    hi.Float64,
				StdDev: sd.Float64,
				From:   from.Time,
				To:     to.Time,
			}
		}
		samples = append(samples, sm)
	}
	return run, samples, rows.Err()
}

// LastNDVIFingerprint returns the field-set fingerprint of the most recent
// successful run for a year, or "" if there is none.
func (s *Store) LastNDVIFingerprint(ctx context.Context, year int) (string, error) {
	var fp sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint FROM ndvi_runs
		WHERE year = ? AND success = TRUE
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, year).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return fp.String, nil
}

// GetRecentNDVIRuns returns the latest runs, newest first.
func (s *Store) GetRecentNDVIRuns(ctx context.Context, limit int) ([]NDVIRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ndviRunColumns+`
		FROM ndvi_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []NDVIRun
	for rows.Next() {
		r, err := scanNDVIRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
