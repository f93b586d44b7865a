package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultSettingsPath is the canonical defaults file shipped with the daemon.
const DefaultSettingsPath = "config/settings.defaults.json"

const maxSettingsFileSize = 1 * 1024 * 1024 // 1MB

// Settings is the root of the acquisition settings document. Every leaf is a
// pointer so a partial file only overrides what it names; the Get* methods
// supply defaults for the rest.
type Settings struct {
	SimulationMode *bool               `json:"simulation_mode,omitempty"`
	Scan           ScanSettings        `json:"scan_settings"`
	Control        ControlSettings     `json:"control_settings"`
	Acquisition    AcquisitionSettings `json:"acquisition_settings"`
	Data           DataSettings        `json:"data_settings"`
	Hardware       HardwareSettings    `json:"hardware_settings"`
	Simulation     SimulationSettings  `json:"simulation_settings"`
}

// ScanSettings are the defaults offered for a new scan.
type ScanSettings struct {
	StartWN            *float64 `json:"start_wn,omitempty"`
	EndWN              *float64 `json:"end_wn,omitempty"`
	StepSize           *float64 `json:"step_size,omitempty"`
	StopMode           *string  `json:"stop_mode,omitempty"` // events, bunches or time
	StopValue          *float64 `json:"stop_value,omitempty"`
	LoopCount          *int     `json:"loop_count,omitempty"`
	AlternateDirection *bool    `json:"alternate_direction,omitempty"`
	MergeTolerance     *float64 `json:"merge_tolerance,omitempty"`
	StablePoll         *string  `json:"stable_poll,omitempty"`     // duration string like "50ms"
	AccumulatePoll     *string  `json:"accumulate_poll,omitempty"` // duration string like "5ms"
	RetryOnDrift       *bool    `json:"retry_on_drift,omitempty"`
}

// ControlSettings groups closed-loop controller tuning.
type ControlSettings struct {
	Laser LaserControl `json:"laser"`
}

// AcquisitionSettings tune the detector and sensor loops.
type AcquisitionSettings struct {
	RefreshInterval    *string `json:"refresh_interval,omitempty"`
	SensorPollInterval *string `json:"sensor_poll_interval,omitempty"`
	MeasurementChannel *int    `json:"measurement_channel,omitempty"`
}

// DataSettings control persistence.
type DataSettings struct {
	Dir              *string `json:"data_dir,omitempty"`
	SaveContinuously *bool   `json:"save_continuously,omitempty"`
	FlushInterval    *string `json:"flush_interval,omitempty"`
	BatchSize        *int    `json:"batch_size,omitempty"`
	Backup           *bool   `json:"backup,omitempty"`
	CompressBackup   *bool   `json:"compress_backup,omitempty"`
	DatabasePath     *string `json:"database_path,omitempty"` // empty disables the sqlite mirror
}

// HardwareSettings locate real devices when simulation_mode is false.
type HardwareSettings struct {
	MultimeterPort *string `json:"multimeter_port,omitempty"`
	MultimeterBaud *int    `json:"multimeter_baud,omitempty"`
	StageAddress   *string `json:"stage_address,omitempty"` // host:port of the stage server
}

// SimulationSettings parameterise the simulated instruments.
type SimulationSettings struct {
	Stage struct {
		MoveSpeed *float64 `json:"move_speed,omitempty"` // mm/s
	} `json:"stage"`
	Wavemeter struct {
		Offset     *float64 `json:"offset,omitempty"`
		Slope      *float64 `json:"slope,omitempty"` // cm^-1 per mm
		NoiseLevel *float64 `json:"noise_level,omitempty"`
	} `json:"wavemeter"`
	Tagger struct {
		RepetitionRate     *float64 `json:"repetition_rate,omitempty"`
		MeanEventsPerBunch *float64 `json:"mean_events_per_bunch,omitempty"`
		Seed               *int64   `json:"seed,omitempty"`
	} `json:"tagger"`
	Multimeter struct {
		NoiseLevel *float64 `json:"noise_level,omitempty"`
	} `json:"multimeter"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadSettings reads a settings document. The file must have a .json
// extension and be under 1MB. Omitted fields keep their defaults.
func LoadSettings(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("settings file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat settings file: %w", err)
	}
	if fileInfo.Size() > maxSettingsFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", fileInfo.Size(), maxSettingsFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := &Settings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// LoadOrCreate loads path, writing it from defaults first if it does not exist.
func LoadOrCreate(path string) (*Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s := &Settings{}
		if err := s.Save(path); err != nil {
			return nil, err
		}
		return s, nil
	}
	return LoadSettings(path)
}

// Save writes the settings as indented JSON via a temp file and rename.
func (s *Settings) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}

// Validate checks every section.
func (s *Settings) Validate() error {
	if err := s.Scan.Validate(); err != nil {
		return fmt.Errorf("scan_settings: %w", err)
	}
	if err := s.Control.Laser.Validate(); err != nil {
		return fmt.Errorf("control_settings.laser: %w", err)
	}
	if err := s.Acquisition.Validate(); err != nil {
		return fmt.Errorf("acquisition_settings: %w", err)
	}
	if err := s.Data.Validate(); err != nil {
		return fmt.Errorf("data_settings: %w", err)
	}
	return nil
}

// GetSimulationMode defaults to true so a bare install runs without hardware.
func (s *Settings) GetSimulationMode() bool {
	if s.SimulationMode == nil {
		return true
	}
	return *s.SimulationMode
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *v)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate checks the scan defaults.
func (c *ScanSettings) Validate() error {
	if c.StepSize != nil && *c.StepSize <= 0 {
		return fmt.Errorf("step_size must be positive, got %f", *c.StepSize)
	}
	if c.StopValue != nil && *c.StopValue <= 0 {
		return fmt.Errorf("stop_value must be positive, got %f", *c.StopValue)
	}
	if c.StopMode != nil {
		switch *c.StopMode {
		case "events", "bunches", "time":
		default:
			return fmt.Errorf("stop_mode must be events, bunches or time, got %q", *c.StopMode)
		}
	}
	if c.LoopCount != nil && *c.LoopCount < 1 {
		return fmt.Errorf("loop_count must be at least 1, got %d", *c.LoopCount)
	}
	if c.MergeTolerance != nil && *c.MergeTolerance <= 0 {
		return fmt.Errorf("merge_tolerance must be positive, got %f", *c.MergeTolerance)
	}
	if err := validDuration("stable_poll", c.StablePoll); err != nil {
		return err
	}
	return validDuration("accumulate_poll", c.AccumulatePoll)
}

func (c *ScanSettings) GetStartWN() float64 {
	if c.StartWN == nil {
		return 16666.0
	}
	return *c.StartWN
}

func (c *ScanSettings) GetEndWN() float64 {
	if c.EndWN == nil {
		return 16680.0
	}
	return *c.EndWN
}

func (c *ScanSettings) GetStepSize() float64 {
	if c.StepSize == nil {
		return 0.5
	}
	return *c.StepSize
}

func (c *ScanSettings) GetStopMode() string {
	if c.StopMode == nil {
		return "bunches"
	}
	return *c.StopMode
}

func (c *ScanSettings) GetStopValue() float64 {
	if c.StopValue == nil {
		return 100
	}
	return *c.StopValue
}

func (c *ScanSettings) GetLoopCount() int {
	if c.LoopCount == nil {
		return 1
	}
	return *c.LoopCount
}

func (c *ScanSettings) GetAlternateDirection() bool {
	if c.AlternateDirection == nil {
		return false
	}
	return *c.AlternateDirection
}

// GetMergeTolerance returns the histogram key tolerance in cm^-1.
func (c *ScanSettings) GetMergeTolerance() float64 {
	if c.MergeTolerance == nil {
		return 0.01
	}
	return *c.MergeTolerance
}

func (c *ScanSettings) GetStablePoll() time.Duration {
	return durationOr(c.StablePoll, 50*time.Millisecond)
}

func (c *ScanSettings) GetAccumulatePoll() time.Duration {
	return durationOr(c.AccumulatePoll, 5*time.Millisecond)
}

func (c *ScanSettings) GetRetryOnDrift() bool {
	if c.RetryOnDrift == nil {
		return true
	}
	return *c.RetryOnDrift
}

// Validate checks the acquisition loop intervals.
func (c *AcquisitionSettings) Validate() error {
	if err := validDuration("refresh_interval", c.RefreshInterval); err != nil {
		return err
	}
	return validDuration("sensor_poll_interval", c.SensorPollInterval)
}

// GetRefreshInterval is the detector polling period.
func (c *AcquisitionSettings) GetRefreshInterval() time.Duration {
	return durationOr(c.RefreshInterval, 10*time.Millisecond)
}

func (c *AcquisitionSettings) GetSensorPollInterval() time.Duration {
	return durationOr(c.SensorPollInterval, 100*time.Millisecond)
}

// GetMeasurementChannel is the detector channel carrying physics events.
func (c *AcquisitionSettings) GetMeasurementChannel() int {
	if c.MeasurementChannel == nil {
		return 2
	}
	return *c.MeasurementChannel
}

// Validate checks the persistence settings.
func (c *DataSettings) Validate() error {
	if c.BatchSize != nil && *c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", *c.BatchSize)
	}
	return validDuration("flush_interval", c.FlushInterval)
}

func (c *DataSettings) GetDir() string {
	if c.Dir == nil || *c.Dir == "" {
		return "data"
	}
	return *c.Dir
}

func (c *DataSettings) GetSaveContinuously() bool {
	if c.SaveContinuously == nil {
		return true
	}
	return *c.SaveContinuously
}

func (c *DataSettings) GetFlushInterval() time.Duration {
	return durationOr(c.FlushInterval, time.Second)
}

func (c *DataSettings) GetBatchSize() int {
	if c.BatchSize == nil {
		return 1000
	}
	return *c.BatchSize
}

func (c *DataSettings) GetBackup() bool {
	if c.Backup == nil {
		return true
	}
	return *c.Backup
}

func (c *DataSettings) GetCompressBackup() bool {
	if c.CompressBackup == nil {
		return false
	}
	return *c.CompressBackup
}

func (c *DataSettings) GetDatabasePath() string {
	if c.DatabasePath == nil {
		return ""
	}
	return *c.DatabasePath
}

func (c *HardwareSettings) GetMultimeterPort() string {
	if c.MultimeterPort == nil {
		return "/dev/ttyUSB0"
	}
	return *c.MultimeterPort
}

func (c *HardwareSettings) GetMultimeterBaud() int {
	if c.MultimeterBaud == nil {
		return 9600
	}
	return *c.MultimeterBaud
}

func (c *HardwareSettings) GetStageAddress() string {
	if c.StageAddress == nil {
		return "localhost:50051"
	}
	return *c.StageAddress
}
