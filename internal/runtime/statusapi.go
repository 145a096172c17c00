package runtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/drblury/dispatchloop/internal/runtime/jsoncodec"
)

func (l *EventLoopCore) registerStatusAPI() {
	port := l.Conf.StatusAPIPort
	if port == 0 {
		port = 8081
	}

	l.RegisterHTTPHandler(port, "/api/status", http.HandlerFunc(l.handleGetStatus))
	l.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(l.handleGetHandlers))
	l.RegisterHTTPHandler(port, "/api/errors", http.HandlerFunc(l.handleGetErrors))
	l.RegisterHTTPHandler(port, "/api/health", http.HandlerFunc(l.handleGetHealth))
}

type statusResponse struct {
	Snapshot StatusSnapshot `json:"snapshot"`
	Router   RouterStats    `json:"router"`
	Errors   ErrorStats     `json:"errors"`
}

func (l *EventLoopCore) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if !l.beginAPIResponse(w, r) {
		return
	}
	response := statusResponse{
		Snapshot: l.Snapshot(),
		Router:   l.router.Stats(),
		Errors:   l.faults.Stats(),
	}
	l.writeJSON(w, response)
}

type handlerView struct {
	ID           string   `json:"id"`
	MessageTypes []string `json:"message_types"`
	Priority     int      `json:"priority"`
	Blocking     bool     `json:"blocking"`
	Enabled      bool     `json:"enabled"`
}

func (l *EventLoopCore) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	if !l.beginAPIResponse(w, r) {
		return
	}
	handlers := l.router.Handlers()
	views := make([]handlerView, 0, len(handlers))
	for _, handler := range handlers {
		views = append(views, handlerView{
			ID:           handler.ID,
			MessageTypes: handler.MessageTypes,
			Priority:     handler.Priority,
			Blocking:     handler.Blocking,
			Enabled:      handler.Enabled(),
		})
	}
	l.writeJSON(w, views)
}

func (l *EventLoopCore) handleGetErrors(w http.ResponseWriter, r *http.Request) {
	if !l.beginAPIResponse(w, r) {
		return
	}
	l.writeJSON(w, l.faults.RecentErrors())
}

type healthView struct {
	Healthy bool              `json:"healthy"`
	Probes  []healthProbeView `json:"probes"`
}

type healthProbeView struct {
	Name    string    `json:"name"`
	Enabled bool      `json:"enabled"`
	LastRun time.Time `json:"last_run"`
	Passing bool      `json:"passing"`
}

func (l *EventLoopCore) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	if !l.beginAPIResponse(w, r) {
		return
	}
	view := healthView{Healthy: l.Healthy(), Probes: []healthProbeView{}}
	for _, probe := range l.HealthProbes() {
		lastRun, ok := probe.LastResult()
		view.Probes = append(view.Probes, healthProbeView{
			Name:    probe.Name,
			Enabled: probe.Enabled(),
			LastRun: lastRun,
			Passing: ok,
		})
	}
	if !view.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	l.writeJSON(w, view)
}

// beginAPIResponse sets content type and CORS headers and short-circuits
// preflight requests. It reports whether the caller should write a body.
func (l *EventLoopCore) beginAPIResponse(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")

	if len(l.Conf.StatusAPICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := l.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns
// the appropriate Access-Control-Allow-Origin value.
func (l *EventLoopCore) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range l.Conf.StatusAPICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (l *EventLoopCore) writeJSON(w http.ResponseWriter, v any) {
	if err := jsoncodec.Encode(w, v); err != nil {
		l.Logger.Error("Failed to encode API response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
