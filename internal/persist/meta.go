package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/laserscan/internal/devices"
)

// ScanParameters is the scan section of the metadata document.
type ScanParameters struct {
	MinWN     float64 `json:"min_wn"`
	MaxWN     float64 `json:"max_wn"`
	StepSize  float64 `json:"step_size"`
	StopMode  string  `json:"stop_mode"`
	StopValue float64 `json:"stop_value"`
	LoopCount int     `json:"loop_count"`
}

// Metadata is written next to every scan CSV as scan_<ts>_meta.json.
type Metadata struct {
	ScanID             string          `json:"scan_id"`
	Timestamp          string          `json:"timestamp"`
	Version            string          `json:"version,omitempty"`
	ScanParameters     ScanParameters  `json:"scan_parameters"`
	LaserSettings      json.RawMessage `json:"laser_settings,omitempty"`
	SimulationSettings json.RawMessage `json:"simulation_settings,omitempty"`
}

// Paths names the files belonging to one scan.
type Paths struct {
	CSV   string
	Meta  string
	Final string
}

// ScanPaths returns the file names for a scan started at timestamp
// (formatted YYYYMMDD_HHMMSS).
func ScanPaths(dir, timestamp string) Paths {
	return Paths{
		CSV:   filepath.Join(dir, "scan_"+timestamp+".csv"),
		Meta:  filepath.Join(dir, "scan_"+timestamp+"_meta.json"),
		Final: filepath.Join(dir, "final_scan_"+timestamp+".csv"),
	}
}

// WriteMetadata writes m as indented JSON.
func WriteMetadata(path string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return err
	}
	return writeDurable(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// LoadScan reads a metadata document and the CSV it belongs to.
func LoadScan(metaPath string) (Metadata, []Record, error) {
	var m Metadata
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return m, nil, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, nil, fmt.Errorf("failed to parse %s: %w", metaPath, err)
	}
	base := filepath.Base(metaPath)
	if !strings.HasSuffix(base, "_meta.json") {
		return m, nil, fmt.Errorf("%s: expected a *_meta.json file", metaPath)
	}
	csvPath := filepath.Join(filepath.Dir(metaPath), strings.TrimSuffix(base, "_meta.json")+".csv")
	f, err := os.Open(csvPath)
	if err != nil {
		return m, nil, fmt.Errorf("associated data file: %w", err)
	}
	defer f.Close()
	records, err := ReadCSV(f)
	return m, records, err
}

// BinSummary aggregates the rows of one scan bin.
type BinSummary struct {
	BinIndex int     `json:"bin_index"`
	TargetWN float64 `json:"target_wn"`
	Events   int64   `json:"events"`
	Bunches  int64   `json:"bunches"`
	Rate     float64 `json:"rate"`
}

// Summarize rebuilds per-bin counts from persisted rows, ordered by bin.
// Trigger rows count as bunches; everything else as events. Rows are kept
// for every attempt at a bin, so a bin retried after losing lock sums all
// attempts while the live histogram keeps only the last one.
func Summarize(records []Record) []BinSummary {
	bins := map[int]*BinSummary{}
	for _, r := range records {
		b, ok := bins[r.ScanBinIndex]
		if !ok {
			b = &BinSummary{BinIndex: r.ScanBinIndex, TargetWN: r.LaserTargetWN}
			bins[r.ScanBinIndex] = b
		}
		if r.Channel == devices.TriggerChannel {
			b.Bunches++
		} else {
			b.Events++
		}
	}
	out := make([]BinSummary, 0, len(bins))
	for _, b := range bins {
		if b.Bunches > 0 {
			b.Rate = float64(b.Events) / float64(b.Bunches)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BinIndex < out[j].BinIndex })
	return out
}
