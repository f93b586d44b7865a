package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStandardClient_Wraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)
	if client.Client != customClient {
		t.Error("expected custom client to be wrapped")
	}
	if NewStandardClient(nil).Client != http.DefaultClient {
		t.Error("nil should wrap http.DefaultClient")
	}
}

func TestDoJSON_Success(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{"state": "running", "bins_completed": 4}`)

	var out struct {
		State string `json:"state"`
		Bins  int    `json:"bins_completed"`
	}
	err := DoJSON(mock, http.MethodPost, "http://daq/api/scan/start", map[string]float64{"start_wn": 16666}, &out)
	if err != nil {
		t.Fatalf("DoJSON() error: %v", err)
	}
	if out.State != "running" || out.Bins != 4 {
		t.Errorf("decoded %+v", out)
	}

	req := mock.GetRequest(0)
	if req.Method != http.MethodPost || req.URL.Path != "/api/scan/start" {
		t.Errorf("request = %s %s", req.Method, req.URL)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"start_wn":16666}` {
		t.Errorf("body = %s", body)
	}
}

func TestDoJSON_StatusError(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusConflict, `{"error":"scan already running"}`)
	mock.AddResponse(http.StatusBadGateway, "upstream down\n")

	err := DoJSON(mock, http.MethodPost, "http://daq/api/scan/start", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusConflict || se.Message != "scan already running" {
		t.Errorf("StatusError = %+v", se)
	}

	err = DoJSON(mock, http.MethodGet, "http://daq/api/status", nil, nil)
	if !errors.As(err, &se) || se.Message != "upstream down" {
		t.Errorf("plain-text error = %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("got %d requests, want 2", mock.RequestCount())
	}
}

func TestDoJSON_TransportError(t *testing.T) {
	mock := NewMockHTTPClient()
	boom := errors.New("connection refused")
	mock.AddErrorResponse(boom)
	if err := DoJSON(mock, http.MethodGet, "http://daq/api/status", nil, nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestDoJSON_AgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, map[string]string{"path": r.URL.Path})
	}))
	defer srv.Close()

	var out map[string]string
	if err := DoJSON(NewStandardClient(srv.Client()), http.MethodGet, srv.URL+"/api/version", nil, &out); err != nil {
		t.Fatal(err)
	}
	if out["path"] != "/api/version" {
		t.Errorf("out = %v", out)
	}
}
