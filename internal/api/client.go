package api

import (
	"net/http"
	"strings"

	"github.com/banshee-data/laserscan/internal/config"
	"github.com/banshee-data/laserscan/internal/daq"
	"github.com/banshee-data/laserscan/internal/httputil"
	"github.com/banshee-data/laserscan/internal/sweep"
)

// Client drives a running daemon over its HTTP API.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient talks to the daemon at base, e.g. "http://localhost:8080".
// A nil hc uses http.DefaultClient.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *Client) get(path string, out any) error {
	return httputil.DoJSON(c.http, http.MethodGet, c.base+path, nil, out)
}

func (c *Client) post(path string, in, out any) error {
	return httputil.DoJSON(c.http, http.MethodPost, c.base+path, in, out)
}

func (c *Client) Status() (StatusResponse, error) {
	var st StatusResponse
	err := c.get("/api/status", &st)
	return st, err
}

func (c *Client) Progress() ([]sweep.ProgressPoint, error) {
	var pts []sweep.ProgressPoint
	err := c.get("/api/progress", &pts)
	return pts, err
}

// StartScan starts a scan; overrides are scan configuration fields by JSON
// name, applied over the daemon's defaults.
func (c *Client) StartScan(overrides map[string]any) (daq.ScanInfo, error) {
	if overrides == nil {
		overrides = map[string]any{}
	}
	var info daq.ScanInfo
	err := c.post("/api/scan/start", overrides, &info)
	return info, err
}

// StopScan returns once the daemon has written the scan out.
func (c *Client) StopScan() (daq.ScanInfo, error) {
	var info daq.ScanInfo
	err := c.post("/api/scan/stop", nil, &info)
	return info, err
}

func (c *Client) Pause() (sweep.Status, error) {
	var st sweep.Status
	err := c.post("/api/scan/pause", nil, &st)
	return st, err
}

func (c *Client) Resume() (sweep.Status, error) {
	var st sweep.Status
	err := c.post("/api/scan/resume", nil, &st)
	return st, err
}

func (c *Client) LaserConfig() (config.LaserControl, error) {
	var lc config.LaserControl
	err := c.get("/api/laser/config", &lc)
	return lc, err
}

func (c *Client) UpdateLaserConfig(update config.LaserControl) (config.LaserControl, error) {
	var lc config.LaserControl
	err := c.post("/api/laser/config", update, &lc)
	return lc, err
}
