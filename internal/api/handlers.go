package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/laserscan/internal/config"
	"github.com/banshee-data/laserscan/internal/daq"
	"github.com/banshee-data/laserscan/internal/db"
	"github.com/banshee-data/laserscan/internal/httputil"
	"github.com/banshee-data/laserscan/internal/report"
	"github.com/banshee-data/laserscan/internal/router"
	"github.com/banshee-data/laserscan/internal/stabilizer"
	"github.com/banshee-data/laserscan/internal/sweep"
	"github.com/banshee-data/laserscan/internal/version"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Sweep  sweep.Status                `json:"sweep"`
	Laser  stabilizer.ControlLoopState `json:"laser"`
	Scan   *daq.ScanInfo               `json:"scan,omitempty"`
	Router router.Stats                `json:"router"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Sweep:  s.sys.Sweep().Status(),
		Laser:  s.sys.Stabilizer().Snapshot(),
		Router: s.sys.Router().Stats(),
	}
	if info, ok := s.sys.CurrentScan(); ok {
		resp.Scan = &info
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	points := s.sys.Sweep().Progress()
	if points == nil {
		points = []sweep.ProgressPoint{}
	}
	httputil.WriteJSONOK(w, points)
}

func (s *Server) handleProgressCSV(w http.ResponseWriter, r *http.Request) {
	name := "histogram.csv"
	if info, ok := s.sys.CurrentScan(); ok {
		name = fmt.Sprintf("histogram_%s.csv", info.Timestamp)
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	if err := report.WriteProgressCSV(w, s.sys.Sweep().Progress()); err != nil {
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	entries := s.sys.Sweep().Histogram()
	if entries == nil {
		entries = []sweep.HistogramEntry{}
	}
	httputil.WriteJSONOK(w, entries)
}

// handleStart starts a scan. The body overrides the configured scan
// defaults field by field; an empty body uses them as they are.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	cfg := s.sys.ScanDefaults()
	if err := httputil.DecodeJSON(r, &cfg); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	info, err := s.sys.StartScan(cfg)
	switch {
	case errors.Is(err, sweep.ErrRunning):
		httputil.Conflict(w, "scan already running")
	case errors.Is(err, daq.ErrClosed):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSON(w, http.StatusAccepted, info)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.sys.StopScan()
	info, _ := s.sys.CurrentScan()
	httputil.WriteJSONOK(w, info)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sys.Sweep().Pause()
	httputil.WriteJSONOK(w, s.sys.Sweep().Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sys.Sweep().Resume()
	httputil.WriteJSONOK(w, s.sys.Sweep().Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sys.Sweep().Reset(); err != nil {
		if errors.Is(err, sweep.ErrRunning) {
			httputil.Conflict(w, "cannot reset while a scan is running")
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.sys.Sweep().Status())
}

func (s *Server) handleLaserConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.sys.LaserSettings())
}

func (s *Server) handleLaserConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var c config.LaserControl
	if err := httputil.DecodeJSON(r, &c); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	updated, err := s.sys.UpdateLaserSettings(c)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, updated)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]float64{"rate": s.sys.InstantRate()})
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	snap := s.sys.Sensors()
	httputil.WriteJSONOK(w, map[string]any{
		"voltage":       snap.Voltage,
		"spectrum_peak": snap.SpectrumPeak,
		"wavenumbers":   snap.Wavenumbers,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			httputil.BadRequest(w, "invalid 'since' parameter")
			return
		}
		since = n
	}
	httputil.WriteJSONOK(w, s.alerts.Recent(since))
}

// handleAlertStream pushes new alerts as server-sent events until the
// client goes away.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsubscribe := s.alerts.Subscribe()
	defer unsubscribe()
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(a)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", a.Seq, data)
			flusher.Flush()
		}
	}
}

func (s *Server) store(w http.ResponseWriter) *db.DB {
	store := s.sys.DB()
	if store == nil {
		httputil.NotFound(w, "scan history is disabled")
	}
	return store
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	store := s.store(w)
	if store == nil {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	scans, err := store.Scans(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if scans == nil {
		scans = []db.Scan{}
	}
	httputil.WriteJSONOK(w, scans)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	store := s.store(w)
	if store == nil {
		return
	}
	scan, err := store.Scan(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, scan)
}

func (s *Server) handleScanBins(w http.ResponseWriter, r *http.Request) {
	store := s.store(w)
	if store == nil {
		return
	}
	id := r.PathValue("id")
	if _, err := store.Scan(r.Context(), id); errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	bins, err := store.ScanBins(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if bins == nil {
		bins = []db.ScanBin{}
	}
	httputil.WriteJSONOK(w, bins)
}

func (s *Server) handleProgressChart(w http.ResponseWriter, r *http.Request) {
	st := s.sys.Sweep().Status()
	subtitle := fmt.Sprintf("%s: %d/%d bins", st.State, st.BinsCompleted, st.TotalBins)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderProgressHTML(w, s.sys.Sweep().Progress(), subtitle); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
