package db

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/laserscan/internal/persist"
	"github.com/banshee-data/laserscan/internal/sweep"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createScan(t *testing.T, db *DB, id string) {
	t.Helper()
	err := db.CreateScan(context.Background(), Scan{
		ScanID:    id,
		Timestamp: "20260101_120000",
		StartWN:   16666,
		EndWN:     16667,
		StepSize:  0.5,
		StopMode:  "bunches",
		StopValue: 10,
		LoopCount: 1,
		CSVPath:   "data/scan_20260101_120000.csv",
	})
	if err != nil {
		t.Fatalf("CreateScan() error: %v", err)
	}
}

func TestNewDB_MigratesAndPragmas(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 || dirty {
		t.Errorf("MigrateVersion() = %d dirty=%v, want 1 clean", version, dirty)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	// reopening an already migrated database is a no-op
	if err := db.MigrateUp(); err != nil {
		t.Errorf("second MigrateUp() error: %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)
	if err := db.MigrateDown(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Scans(context.Background(), 10); err == nil {
		t.Error("scans table should be gone after MigrateDown")
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatal(err)
	}
}

func TestScanLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createScan(t, db, "scan-a")

	s, err := db.Scan(ctx, "scan-a")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != "running" || s.FinishedAt != nil {
		t.Errorf("new scan state = %s finished = %v", s.State, s.FinishedAt)
	}

	done := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)
	for i, target := range []float64{16666, 16666.5} {
		err := db.RecordBin(ctx, "scan-a", sweep.BinResult{
			BinIndex:     i,
			TargetWN:     target,
			MergedWN:     target,
			MeasuredMean: target + 0.001,
			MeasuredStd:  0.0005,
			Events:       120,
			Bunches:      10,
			Duration:     1500 * time.Millisecond,
			Retries:      i,
			CompletedAt:  done,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// recording the same bin again replaces it
	rec := db.BinRecorder("scan-a")
	if err := rec.RecordBin(ctx, sweep.BinResult{BinIndex: 1, TargetWN: 16666.5, MergedWN: 16666.5,
		MeasuredMean: math.NaN(), Events: 7, Bunches: 1, CompletedAt: done}); err != nil {
		t.Fatal(err)
	}

	bins, err := db.ScanBins(ctx, "scan-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(bins) != 2 {
		t.Fatalf("ScanBins() returned %d bins, want 2", len(bins))
	}
	if bins[0].DurationS != 1.5 || bins[0].Events != 120 || !bins[0].CompletedAt.Equal(done) {
		t.Errorf("bin 0 = %+v", bins[0])
	}
	if bins[1].Events != 7 || bins[1].MeasuredMean != 0 {
		t.Errorf("bin 1 = %+v, want replaced row with null mean", bins[1])
	}

	if err := db.FinishScan(ctx, "scan-a", "complete", "", "data/final_scan_20260101_120000.csv"); err != nil {
		t.Fatal(err)
	}
	if err := db.FinishScan(ctx, "missing", "complete", "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishScan(missing) = %v, want ErrNotFound", err)
	}

	createScan(t, db, "scan-b")
	scans, err := db.Scans(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(scans) != 2 {
		t.Fatalf("Scans() returned %d, want 2", len(scans))
	}
	if scans[0].ScanID != "scan-b" {
		t.Errorf("Scans()[0] = %s, want newest first", scans[0].ScanID)
	}
	a := scans[1]
	if a.State != "complete" || a.FinishedAt == nil || a.Bins != 2 || a.FinalPath == "" {
		t.Errorf("finished scan = %+v", a)
	}

	if _, err := db.Scan(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Scan(nope) = %v, want ErrNotFound", err)
	}
	if err := db.RecordBin(ctx, "nope", sweep.BinResult{}); err == nil {
		t.Error("RecordBin for an unknown scan should violate the foreign key")
	}
}

func TestEventSink(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createScan(t, db, "scan-e")

	sink := db.EventSink("scan-e")
	var _ persist.Sink = sink
	batch := []persist.Record{
		{Timestamp: 1.5, Channel: -1, BunchID: 1, LaserTargetWN: 16666},
		{Timestamp: 1.503, Channel: 2, TOF: 0.003, Voltage: 1.2, SpectrumPeak: 600, WavemeterWN: 16666.01, LaserTargetWN: 16666, BunchID: 1},
	}
	if err := sink.WriteBatch(batch); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := db.Events(ctx, "scan-e", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1] != batch[1] {
		t.Errorf("Events() = %+v", got)
	}

	bad := db.EventSink("no-such-scan")
	var werr *persist.WriteError
	if err := bad.WriteBatch(batch); !errors.As(err, &werr) {
		t.Errorf("WriteBatch to unknown scan = %v, want WriteError", err)
	}
}

func TestAdminBackup(t *testing.T) {
	db := setupTestDB(t)
	createScan(t, db, "scan-backup")

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 16 || string(data[:15]) != "SQLite format 3" {
		t.Errorf("backup is not a sqlite file (%d bytes)", len(data))
	}
}
