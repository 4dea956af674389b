package api

import (
	"net/http"
	"time"
)

// Watched dependency names.
const (
	ServiceDatabase = "database"
	ServiceOllama   = "ollama"
	ServiceSearch   = "search"
	ServiceTracing  = "tracing"
)

// healthServices lists the dependencies /v1/health/all reports, with
// whether a failure degrades the whole service.
var healthServices = []struct {
	name     string
	required bool
}{
	{ServiceDatabase, true},
	{ServiceOllama, true},
	{ServiceSearch, false},
	{ServiceTracing, false},
}

// serviceHealth is one dependency's health report.
type serviceHealth struct {
	Status    string    `json:"status"` // healthy, unhealthy, disabled
	Service   string    `json:"service"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check,omitzero"`
}

// checkService probes one dependency now. Services without a watcher
// are reported as disabled.
func (s *Server) checkService(r *http.Request, name string) serviceHealth {
	if s.health != nil {
		if watcher, ok := s.health.Watcher(name); ok {
			st := watcher.Check(r.Context())
			h := serviceHealth{Status: "unhealthy", Service: name, Error: st.LastError, LastCheck: st.LastCheck}
			if st.Ready {
				h.Status, h.Message = "healthy", name+" connection successful"
			}
			return h
		}
	}
	return serviceHealth{Status: "disabled", Service: name, Message: name + " is not configured"}
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("service")
	if name == "all" {
		s.handleHealthAll(w, r)
		return
	}

	known := false
	for _, svc := range healthServices {
		known = known || svc.name == name
	}
	if !known {
		s.errorResponse(w, http.StatusNotFound, "unknown service")
		return
	}

	h := s.checkService(r, name)
	w.Header().Set("Content-Type", "application/json")
	if h.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, h, s.logger)
}

// handleHealthAll reports every dependency. Only required services
// degrade the overall status.
func (s *Server) handleHealthAll(w http.ResponseWriter, r *http.Request) {
	overall := "healthy"
	services := make(map[string]serviceHealth, len(healthServices))
	for _, svc := range healthServices {
		h := s.checkService(r, svc.name)
		services[svc.name] = h
		if svc.required && h.Status != "healthy" {
			overall = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":    overall,
		"services":  services,
		"timestamp": time.Now().UTC(),
	}, s.logger)
}
