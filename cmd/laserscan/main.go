// Command laserscan is the acquisition daemon. It drives the laser sweep,
// records every detector event and serves the control API. With -remote it
// instead acts as a client for a daemon that is already running.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/laserscan/internal/api"
	"github.com/banshee-data/laserscan/internal/config"
	"github.com/banshee-data/laserscan/internal/daq"
	"github.com/banshee-data/laserscan/internal/db"
	"github.com/banshee-data/laserscan/internal/persist"
	"github.com/banshee-data/laserscan/internal/sweep"
	"github.com/banshee-data/laserscan/internal/version"
)

var (
	configPath    = flag.String("config", config.DefaultSettingsPath, "Path to the settings JSON file")
	listen        = flag.String("listen", ":8080", "Listen address for the control API")
	simMode       = flag.Bool("sim", false, "Force simulated instruments regardless of the settings file")
	dbPath        = flag.String("db", "", "Override the scan history database path (\"none\" disables it)")
	scanRange     = flag.String("range", "", "Scan range as start:end:step in cm^-1 (overrides scan_settings)")
	stopMode      = flag.String("stop-mode", "", "Stop condition per bin: events, bunches or time")
	stopValue     = flag.Float64("stop-value", 0, "Stop threshold per bin (count, or seconds in time mode)")
	loops         = flag.Int("loops", 0, "Number of passes over the range")
	startScan     = flag.Bool("start", false, "Start a scan immediately")
	exitAfterScan = flag.Bool("exit-after-scan", false, "With -start, exit once the scan is written out")
	remote        = flag.String("remote", "", "Control a running daemon at this URL (args: status|start|stop|pause|resume|progress|laser)")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// scanFlags are the command-line overrides of the scan defaults.
type scanFlags struct {
	Range     string
	StopMode  string
	StopValue float64
	Loops     int
}

func (f scanFlags) apply(cfg sweep.Config) (sweep.Config, error) {
	if f.Range != "" {
		start, end, step, err := sweep.ParseRange(f.Range)
		if err != nil {
			return cfg, err
		}
		cfg.StartWN, cfg.EndWN, cfg.StepSize = start, end, step
	}
	if f.StopMode != "" {
		cfg.StopMode = sweep.StopMode(f.StopMode)
	}
	if f.StopValue > 0 {
		cfg.StopValue = f.StopValue
	}
	if f.Loops > 0 {
		cfg.LoopCount = f.Loops
	}
	return cfg, cfg.Validate()
}

// overrides renders the flags as a JSON body for the remote start call.
func (f scanFlags) overrides() (map[string]any, error) {
	out := map[string]any{}
	if f.Range != "" {
		start, end, step, err := sweep.ParseRange(f.Range)
		if err != nil {
			return nil, err
		}
		out["start_wn"], out["end_wn"], out["step_size"] = start, end, step
	}
	if f.StopMode != "" {
		out["stop_mode"] = f.StopMode
	}
	if f.StopValue > 0 {
		out["stop_value"] = f.StopValue
	}
	if f.Loops > 0 {
		out["loop_count"] = f.Loops
	}
	return out, nil
}

func currentScanFlags() scanFlags {
	return scanFlags{Range: *scanRange, StopMode: *stopMode, StopValue: *stopValue, Loops: *loops}
}

func resolveDBPath(s *config.Settings, override string) string {
	switch override {
	case "none":
		return ""
	case "":
		return s.Data.GetDatabasePath()
	}
	return override
}

// runClient executes one control command against a running daemon and
// prints the JSON reply.
func runClient(c *api.Client, flags scanFlags, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command: status|start|stop|pause|resume|progress|laser")
	}
	var (
		reply any
		err   error
	)
	switch args[0] {
	case "status":
		reply, err = c.Status()
	case "start":
		var body map[string]any
		if body, err = flags.overrides(); err == nil {
			reply, err = c.StartScan(body)
		}
	case "stop":
		reply, err = c.StopScan()
	case "pause":
		reply, err = c.Pause()
	case "resume":
		reply, err = c.Resume()
	case "progress":
		reply, err = c.Progress()
	case "laser":
		reply, err = c.LaserConfig()
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("laserscan"))
		return
	}
	if *remote != "" {
		if err := runClient(api.NewClient(*remote, nil), currentScanFlags(), flag.Args(), os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	settings, err := config.LoadOrCreate(*configPath)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	if *simMode {
		on := true
		settings.SimulationMode = &on
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// hooks run in reverse: http server, then the acquisition system (which
	// drains and finalizes the scan), then the database
	hooks := &persist.ExitHooks{}
	defer hooks.Run()

	var store *db.DB
	if path := resolveDBPath(settings, *dbPath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Fatalf("failed to create database directory: %v", err)
		}
		store, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		hooks.Register("database", store.Close)
	}

	devices, err := daq.BuildDevices(ctx, settings, nil)
	if err != nil {
		hooks.Run()
		log.Fatalf("failed to set up instruments: %v", err)
	}
	sys, err := daq.NewSystem(daq.Options{Settings: settings, Devices: devices, DB: store})
	if err != nil {
		devices.Close()
		hooks.Run()
		log.Fatalf("failed to start acquisition: %v", err)
	}
	hooks.Register("acquisition", sys.Stop)

	mux := api.NewServer(sys, nil).ServeMux()
	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("control API listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
			stop()
		}
	}()
	hooks.Register("http", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if *startScan {
		cfg, err := currentScanFlags().apply(sys.ScanDefaults())
		if err != nil {
			log.Printf("invalid scan parameters: %v", err)
			stop()
		} else if _, err := sys.StartScan(cfg); err != nil {
			log.Printf("failed to start scan: %v", err)
			stop()
		} else if *exitAfterScan {
			go func() {
				if err := sys.Wait(ctx); err == nil {
					log.Printf("scan finished, exiting")
					stop()
				}
			}()
		}
	}

	<-ctx.Done()
	log.Printf("shutting down")
	if err := hooks.Run(); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
