package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/laserscan/internal/sweep"
)

// Scan is one row of the scans table.
type Scan struct {
	ScanID     string     `json:"scan_id"`
	Timestamp  string     `json:"timestamp"`
	StartWN    float64    `json:"start_wn"`
	EndWN      float64    `json:"end_wn"`
	StepSize   float64    `json:"step_size"`
	StopMode   string     `json:"stop_mode"`
	StopValue  float64    `json:"stop_value"`
	LoopCount  int        `json:"loop_count"`
	CSVPath    string     `json:"csv_path,omitempty"`
	FinalPath  string     `json:"final_path,omitempty"`
	Metadata   string     `json:"-"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Bins       int        `json:"bins"`
}

// ScanBin is one completed bin of a scan.
type ScanBin struct {
	LoopIndex    int       `json:"loop_index"`
	BinIndex     int       `json:"bin_index"`
	TargetWN     float64   `json:"target_wn"`
	MergedWN     float64   `json:"merged_wn"`
	MeasuredMean float64   `json:"measured_mean"`
	MeasuredStd  float64   `json:"measured_std"`
	Events       int64     `json:"events"`
	Bunches      int64     `json:"bunches"`
	DurationS    float64   `json:"duration_s"`
	Retries      int       `json:"retries"`
	CompletedAt  time.Time `json:"completed_at"`
}

// CreateScan inserts a new scan in the running state.
func (db *DB) CreateScan(ctx context.Context, s Scan) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO scans (
			scan_id, timestamp, start_wn, end_wn, step_size, stop_mode, stop_value,
			loop_count, csv_path, final_path, metadata_json, state, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'running', ?)`,
		s.ScanID, s.Timestamp, s.StartWN, s.EndWN, s.StepSize, s.StopMode, s.StopValue,
		s.LoopCount, s.CSVPath, s.FinalPath, s.Metadata, unixSeconds(s.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create scan %s: %w", s.ScanID, err)
	}
	return nil
}

// FinishScan records the final state of a scan.
func (db *DB) FinishScan(ctx context.Context, scanID, state, errText, finalPath string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE scans SET state = ?, error = ?, final_path = COALESCE(NULLIF(?, ''), final_path),
			finished_at = ?
		WHERE scan_id = ?`,
		state, errText, finalPath, unixSeconds(time.Now()), scanID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish scan %s: %w", scanID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const scanColumns = `s.scan_id, s.timestamp, s.start_wn, s.end_wn, s.step_size, s.stop_mode,
	s.stop_value, s.loop_count, COALESCE(s.csv_path, ''), COALESCE(s.final_path, ''),
	COALESCE(s.metadata_json, ''), s.state, COALESCE(s.error, ''), s.started_at, s.finished_at,
	(SELECT COUNT(*) FROM scan_bins b WHERE b.scan_id = s.scan_id)`

func scanRow(row interface{ Scan(...any) error }) (Scan, error) {
	var (
		s        Scan
		started  float64
		finished sql.NullFloat64
	)
	err := row.Scan(&s.ScanID, &s.Timestamp, &s.StartWN, &s.EndWN, &s.StepSize, &s.StopMode,
		&s.StopValue, &s.LoopCount, &s.CSVPath, &s.FinalPath, &s.Metadata, &s.State, &s.Error,
		&started, &finished, &s.Bins)
	if err != nil {
		return s, err
	}
	s.StartedAt = fromUnixSeconds(started)
	if finished.Valid {
		t := fromUnixSeconds(finished.Float64)
		s.FinishedAt = &t
	}
	return s, nil
}

// Scans returns the most recent scans, newest first.
func (db *DB) Scans(ctx context.Context, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+scanColumns+` FROM scans s ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []Scan
	for rows.Next() {
		s, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// Scan returns one scan by ID.
func (db *DB) Scan(ctx context.Context, scanID string) (Scan, error) {
	s, err := scanRow(db.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scans s WHERE s.scan_id = ?`, scanID))
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// RecordBin stores one completed bin.
func (db *DB) RecordBin(ctx context.Context, scanID string, res sweep.BinResult) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO scan_bins (
			scan_id, loop_index, bin_index, target_wn, merged_wn, measured_mean, measured_std,
			events, bunches, duration_s, retries, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scanID, res.LoopIndex, res.BinIndex, res.TargetWN, res.MergedWN,
		nullFloat(res.MeasuredMean), nullFloat(res.MeasuredStd),
		res.Events, res.Bunches, res.Duration.Seconds(), res.Retries, unixSeconds(res.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record bin %d of scan %s: %w", res.BinIndex, scanID, err)
	}
	return nil
}

// BinRecorder binds RecordBin to one scan for the sweep controller.
func (db *DB) BinRecorder(scanID string) sweep.BinRecorder {
	return binRecorder{db: db, scanID: scanID}
}

type binRecorder struct {
	db     *DB
	scanID string
}

func (r binRecorder) RecordBin(ctx context.Context, res sweep.BinResult) error {
	return r.db.RecordBin(ctx, r.scanID, res)
}

// ScanBins returns the bins of a scan in acquisition order.
func (db *DB) ScanBins(ctx context.Context, scanID string) ([]ScanBin, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT loop_index, bin_index, target_wn, merged_wn, measured_mean, measured_std,
			events, bunches, duration_s, retries, COALESCE(completed_at, 0)
		FROM scan_bins WHERE scan_id = ? ORDER BY loop_index, bin_index`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bins []ScanBin
	for rows.Next() {
		var (
			b         ScanBin
			mean, std sql.NullFloat64
			completed float64
		)
		if err := rows.Scan(&b.LoopIndex, &b.BinIndex, &b.TargetWN, &b.MergedWN, &mean, &std,
			&b.Events, &b.Bunches, &b.DurationS, &b.Retries, &completed); err != nil {
			return nil, err
		}
		b.MeasuredMean, b.MeasuredStd = mean.Float64, std.Float64
		b.CompletedAt = fromUnixSeconds(completed)
		bins = append(bins, b)
	}
	return bins, rows.Err()
}
