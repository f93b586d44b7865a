// Package persist writes acquired detector records to disk from a background
// goroutine so the acquisition loop never blocks on I/O.
package persist

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// Header is the column order of every scan CSV.
var Header = []string{
	"timestamp",
	"channel",
	"tof",
	"voltage",
	"spectrum_peak",
	"wavemeter_wn",
	"laser_target_wn",
	"scan_bin_index",
	"bunch_id",
}

// Record is one persisted row. Trigger rows carry channel -1 and zero tof.
type Record struct {
	Timestamp     float64 `json:"timestamp"`
	Channel       int     `json:"channel"`
	TOF           float64 `json:"tof"`
	Voltage       float64 `json:"voltage"`
	SpectrumPeak  float64 `json:"spectrum_peak"`
	WavemeterWN   float64 `json:"wavemeter_wn"`
	LaserTargetWN float64 `json:"laser_target_wn"`
	ScanBinIndex  int     `json:"scan_bin_index"`
	BunchID       int64   `json:"bunch_id"`
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Row renders r in Header order.
func (r Record) Row() []string {
	return []string{
		formatFloat(r.Timestamp),
		strconv.Itoa(r.Channel),
		formatFloat(r.TOF),
		formatFloat(r.Voltage),
		formatFloat(r.SpectrumPeak),
		formatFloat(r.WavemeterWN),
		formatFloat(r.LaserTargetWN),
		strconv.Itoa(r.ScanBinIndex),
		strconv.FormatInt(r.BunchID, 10),
	}
}

// ParseRow is the inverse of Row.
func ParseRow(row []string) (Record, error) {
	if len(row) != len(Header) {
		return Record{}, fmt.Errorf("expected %d columns, got %d", len(Header), len(row))
	}
	var (
		r   Record
		err error
	)
	floats := []struct {
		col int
		dst *float64
	}{
		{0, &r.Timestamp}, {2, &r.TOF}, {3, &r.Voltage}, {4, &r.SpectrumPeak},
		{5, &r.WavemeterWN}, {6, &r.LaserTargetWN},
	}
	for _, f := range floats {
		if *f.dst, err = strconv.ParseFloat(row[f.col], 64); err != nil {
			return Record{}, fmt.Errorf("column %s: %w", Header[f.col], err)
		}
	}
	if r.Channel, err = strconv.Atoi(row[1]); err != nil {
		return Record{}, fmt.Errorf("column channel: %w", err)
	}
	if r.ScanBinIndex, err = strconv.Atoi(row[7]); err != nil {
		return Record{}, fmt.Errorf("column scan_bin_index: %w", err)
	}
	if r.BunchID, err = strconv.ParseInt(row[8], 10, 64); err != nil {
		return Record{}, fmt.Errorf("column bunch_id: %w", err)
	}
	return r, nil
}

// writeCSV writes records (and the header when header is set) to w.
func writeCSV(w io.Writer, records []Record, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(Header); err != nil {
			return err
		}
	}
	for _, r := range records {
		if err := cw.Write(r.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a scan CSV, header included.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	head, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, h := range Header {
		if head[i] != h {
			return nil, fmt.Errorf("unexpected column %d %q, want %q", i, head[i], h)
		}
	}
	var out []Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		rec, err := ParseRow(row)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
}
