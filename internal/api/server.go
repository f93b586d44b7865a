// Package api is the HTTP control surface of the acquisition daemon.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/laserscan/internal/daq"
	"github.com/banshee-data/laserscan/internal/monitoring"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	sys    *daq.System
	alerts *monitoring.AlertLog
}

// NewServer serves sys. alerts defaults to monitoring.Alerts.
func NewServer(sys *daq.System, alerts *monitoring.AlertLog) *Server {
	if alerts == nil {
		alerts = monitoring.Alerts
	}
	return &Server{sys: sys, alerts: alerts}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes plus the debug pages of the database and
// the multimeter line when those exist.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/progress", s.handleProgress)
	mux.HandleFunc("GET /api/progress.csv", s.handleProgressCSV)
	mux.HandleFunc("GET /api/histogram", s.handleHistogram)
	mux.HandleFunc("POST /api/scan/start", s.handleStart)
	mux.HandleFunc("POST /api/scan/stop", s.handleStop)
	mux.HandleFunc("POST /api/scan/pause", s.handlePause)
	mux.HandleFunc("POST /api/scan/resume", s.handleResume)
	mux.HandleFunc("POST /api/scan/reset", s.handleReset)
	mux.HandleFunc("GET /api/laser/config", s.handleLaserConfig)
	mux.HandleFunc("POST /api/laser/config", s.handleLaserConfigUpdate)
	mux.HandleFunc("GET /api/rate", s.handleRate)
	mux.HandleFunc("GET /api/sensors", s.handleSensors)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/alerts/stream", s.handleAlertStream)
	mux.HandleFunc("GET /api/scans", s.handleScans)
	mux.HandleFunc("GET /api/scans/{id}", s.handleScan)
	mux.HandleFunc("GET /api/scans/{id}/bins", s.handleScanBins)
	mux.HandleFunc("GET /charts/progress", s.handleProgressChart)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	if store := s.sys.DB(); store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach database admin routes: %v", err)
		}
	}
	if line := s.sys.Devices().Serial; line != nil {
		line.AttachAdminRoutes(mux)
	}
	return mux
}
