package receiver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"spotrunner/internal/types"
)

type fixedStatus struct {
	st types.RunnerStatus
}

func (f fixedStatus) Status() types.RunnerStatus { return f.st }

func testStatus() fixedStatus {
	return fixedStatus{st: types.RunnerStatus{
		Mode:       "paper",
		StartedAt:  time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		KillSwitch: true,
		Markets:    []string{"BTC/USDT", "ETH/USDT"},
		Bias:       map[string]string{"BTC/USDT": "bull"},
		Positions: map[string]types.Position{
			"BTC/USDT": {Entry: 100, Size: 1.5, Peak: 101, StopPrice: 99},
		},
		Ledger: types.LedgerSnapshot{Day: "2026-03-10", RealizedToday: 12.5},
	}}
}

func newTestServer() *StatusServer {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "spotrunner_open_positions 1\n")
	})
	return NewStatusServer(8080, testStatus(), metrics, logger)
}

func TestStatusServer_HandleHealth(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status OK, got %v", resp.Status)
	}

	var body types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("Expected status healthy, got %v", body.Status)
	}
	if body.OpenPositions != 1 {
		t.Errorf("Expected 1 open position, got %d", body.OpenPositions)
	}
}

func TestStatusServer_HandleStatus(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", w.Code)
	}

	var body types.RunnerStatus
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !body.KillSwitch {
		t.Error("Expected kill switch to be reported")
	}
	if body.Positions["BTC/USDT"].Size != 1.5 {
		t.Errorf("Expected size 1.5, got %v", body.Positions["BTC/USDT"].Size)
	}
	if body.Bias["BTC/USDT"] != "bull" {
		t.Errorf("Expected bull bias, got %q", body.Bias["BTC/USDT"])
	}
	if body.Ledger.RealizedToday != 12.5 {
		t.Errorf("Expected realized 12.5, got %v", body.Ledger.RealizedToday)
	}
}

func TestStatusServer_ReadOnly(t *testing.T) {
	srv := newTestServer()

	for _, path := range []string{"/status", "/health"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"kill_switch":false}`))
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", path, w.Code)
		}
	}
}

func TestStatusServer_Metrics(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "spotrunner_open_positions 1") {
		t.Errorf("Expected metrics body, got %q", w.Body.String())
	}
}

func TestStatusServer_NoMetricsHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	srv := NewStatusServer(8080, testStatus(), nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestStatusServer_UnknownPath(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/bot/start", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestStatusServer_StartStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	// Use a random high port to avoid conflicts
	srv := NewStatusServer(48123, testStatus(), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	resp, err := http.Get("http://127.0.0.1:48123/health")
	if err != nil {
		t.Errorf("Failed to make request: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Failed to stop server: %v", err)
	}
}
