package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drblury/dispatchloop/internal/runtime/jsoncodec"
)

func newStatusAPILoop(t *testing.T, origins []string) *EventLoopCore {
	t.Helper()
	conf := testConfig()
	conf.StatusAPIEnabled = true
	conf.StatusAPICORSAllowedOrigins = origins
	loop, err := NewEventLoop(conf, testLogger(), LoopDependencies{})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	return loop
}

func TestStatusEndpointReportsSnapshot(t *testing.T) {
	loop := newStatusAPILoop(t, nil)
	loop.RegisterHandler(NewMessageHandler("h", []string{"t"}, func(ctx context.Context, msg *Message) error { return nil }))

	rec := httptest.NewRecorder()
	loop.handleGetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}

	var response statusResponse
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Snapshot.Status != "stopped" {
		t.Fatalf("expected stopped status, got %q", response.Snapshot.Status)
	}
	if response.Snapshot.HandlerCount != 1 {
		t.Fatalf("expected 1 handler, got %d", response.Snapshot.HandlerCount)
	}
}

func TestHandlersEndpointListsHandlers(t *testing.T) {
	loop := newStatusAPILoop(t, nil)
	loop.RegisterHandler(NewMessageHandler("audit", []string{"order.created"}, func(ctx context.Context, msg *Message) error { return nil }, WithHandlerPriority(3)))
	loop.RegisterHandler(NewMessageHandler("billing", []string{"order.created"}, func(ctx context.Context, msg *Message) error { return nil }, StartDisabled()))

	rec := httptest.NewRecorder()
	loop.handleGetHandlers(rec, httptest.NewRequest(http.MethodGet, "/api/handlers", nil))

	var views []handlerView
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 handlers, got %d", len(views))
	}
	if views[0].ID != "audit" || views[0].Priority != 3 || !views[0].Enabled {
		t.Fatalf("unexpected first view: %+v", views[0])
	}
	if views[1].ID != "billing" || views[1].Enabled {
		t.Fatalf("unexpected second view: %+v", views[1])
	}
}

func TestHealthEndpointReportsProbeFailures(t *testing.T) {
	loop := newStatusAPILoop(t, nil)
	probe := NewHealthProbe("db", func() bool { return false }, 0, 0)
	loop.AddHealthCheck(probe)
	loop.runHealthChecks(time.Now())

	rec := httptest.NewRecorder()
	loop.handleGetHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for failing probe, got %d", rec.Code)
	}

	var view healthView
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Healthy || len(view.Probes) != 1 || view.Probes[0].Name != "db" {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestStatusAPICORSAllowList(t *testing.T) {
	loop := newStatusAPILoop(t, []string{"https://ops.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	loop.handleGetStatus(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("expected allowed origin to be echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	loop.handleGetStatus(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected disallowed origin to get no CORS header, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec = httptest.NewRecorder()
	loop.handleGetStatus(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected preflight to return 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty preflight body")
	}
}

func TestStatusAPIWildcardOrigin(t *testing.T) {
	loop := newStatusAPILoop(t, []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	loop.handleGetStatus(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard CORS header, got %q", got)
	}
}
