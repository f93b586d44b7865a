package db

import (
	"context"
	"fmt"

	"github.com/banshee-data/laserscan/internal/persist"
)

// InsertEvents stores records for a scan in one transaction.
func (db *DB) InsertEvents(ctx context.Context, scanID string, records []persist.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scan_events (
			scan_id, timestamp, channel, tof, voltage, spectrum_peak, wavemeter_wn,
			laser_target_wn, scan_bin_index, bunch_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, scanID, r.Timestamp, r.Channel, r.TOF, r.Voltage,
			r.SpectrumPeak, r.WavemeterWN, r.LaserTargetWN, r.ScanBinIndex, r.BunchID); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return tx.Commit()
}

// Events returns the stored records of a scan in insertion order.
func (db *DB) Events(ctx context.Context, scanID string, limit int) ([]persist.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT timestamp, channel, tof, COALESCE(voltage, 0), COALESCE(spectrum_peak, 0),
			COALESCE(wavemeter_wn, 0), COALESCE(laser_target_wn, 0), COALESCE(scan_bin_index, 0),
			COALESCE(bunch_id, 0)
		FROM scan_events WHERE scan_id = ? ORDER BY rowid LIMIT ?`, scanID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persist.Record
	for rows.Next() {
		var r persist.Record
		if err := rows.Scan(&r.Timestamp, &r.Channel, &r.TOF, &r.Voltage, &r.SpectrumPeak,
			&r.WavemeterWN, &r.LaserTargetWN, &r.ScanBinIndex, &r.BunchID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventSink mirrors persisted batches into scan_events.
type EventSink struct {
	db     *DB
	scanID string
}

// EventSink returns a persist.Sink writing into scanID.
func (db *DB) EventSink(scanID string) *EventSink {
	return &EventSink{db: db, scanID: scanID}
}

func (s *EventSink) WriteBatch(records []persist.Record) error {
	if err := s.db.InsertEvents(context.Background(), s.scanID, records); err != nil {
		return &persist.WriteError{Path: "sqlite:" + s.db.path, Rows: len(records), Err: err}
	}
	return nil
}

// Close is a no-op; the database outlives the scan.
func (s *EventSink) Close() error { return nil }
