package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/adapter/memory"
	"github.com/hitoshi/authstore/internal/metrics"
	"github.com/hitoshi/authstore/internal/middleware"
	"github.com/hitoshi/authstore/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

type mockPinger struct {
	err   error
	calls int
}

func (m *mockPinger) Ping(ctx context.Context) error {
	m.calls++
	return m.err
}

// panicPinger はPing中にpanicする。
type panicPinger struct{}

func (panicPinger) Ping(ctx context.Context) error { panic("ping exploded") }

func newTestRouter(t *testing.T, pinger *mockPinger, metricsHandler http.Handler) (http.Handler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewRouter(&RouterDeps{
		Pinger:  pinger,
		Backend: "memory",
		Metrics: metricsHandler,
		Logger:  logger,
	}), &buf
}

func TestRouter_Health_OK(t *testing.T) {
	pinger := &mockPinger{}
	router, logs := newTestRouter(t, pinger, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if pinger.calls != 1 {
		t.Errorf("Ping calls = %d, want 1", pinger.calls)
	}

	var body HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Status != "ok" || body.Backend != "memory" {
		t.Errorf("body = %+v, want status=ok backend=memory", body)
	}
	if !strings.Contains(logs.String(), `"request_id"`) {
		t.Errorf("expected request_id in access log, got %s", logs.String())
	}
}

func TestRouter_Health_Unavailable(t *testing.T) {
	router, _ := newTestRouter(t, &mockPinger{err: errors.New("connection refused")}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var body HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Status != "unavailable" {
		t.Errorf("status = %q, want unavailable", body.Status)
	}
	if strings.Contains(body.Error, "connection refused") {
		t.Errorf("error detail should not leak: %q", body.Error)
	}
}

func TestRouter_Metrics_NotMountedWhenNil(t *testing.T) {
	router, _ := newTestRouter(t, &mockPinger{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRouter_Metrics_ExposesAdapterOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	instrumented := adapter.Instrument(memory.New(), collector, nil)
	if _, err := instrumented.CreateUser(context.Background(), &model.User{Email: "m@example.com"}); err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}

	router, _ := newTestRouter(t, &mockPinger{}, metrics.Handler(reg))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `authstore_adapter_operations_total{op="create_user",outcome="ok"} 1`) {
		t.Errorf("metrics output missing createUser counter:\n%s", body)
	}
}

func TestRouter_UnknownPath_ReturnsJSON404(t *testing.T) {
	router, _ := newTestRouter(t, &mockPinger{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestRouter_Health_MethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(t, &mockPinger{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != middleware.CodeMethodNotAllowed {
		t.Errorf("code = %q, want %s", body.Code, middleware.CodeMethodNotAllowed)
	}
}

func TestRouter_Recovery_LogsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	router := NewRouter(&RouterDeps{Pinger: panicPinger{}, Backend: "memory", Logger: logger})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(buf.String(), `"msg":"panic recovered"`) || !strings.Contains(buf.String(), `"request_id"`) {
		t.Errorf("expected panic log with request_id, got: %s", buf.String())
	}
}
