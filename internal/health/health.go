// Package health provides health check endpoints for routerd.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Check reports nil when the named dependency is healthy
type Check func() error

// HealthCheck manages health check functionality.
type HealthCheck struct {
	mu       sync.RWMutex
	checks   map[string]Check
	onChange func(ready bool)
	ready    bool
	logger   *zap.Logger
}

// NewHealthCheck creates a new HealthCheck instance. onChange, when set, is
// called whenever readiness flips.
func NewHealthCheck(onChange func(ready bool), logger *zap.Logger) *HealthCheck {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthCheck{
		checks:   make(map[string]Check),
		onChange: onChange,
		logger:   logger,
	}
}

// Register adds a readiness check
func (hc *HealthCheck) Register(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler handles GET /health requests.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests. It returns 503 until every
// registered check passes.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready, results := hc.evaluate()

	resp := ReadinessResponse{Status: "ready", Checks: results}
	status := http.StatusOK
	if !ready {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// IsReady runs the checks and returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	ready, _ := hc.evaluate()
	return ready
}

func (hc *HealthCheck) evaluate() (bool, map[string]string) {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(hc.checks))
	for k, v := range hc.checks {
		checks[k] = v
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	ready := true
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := checks[name](); err != nil {
			ready = false
			results[name] = err.Error()
			continue
		}
		results[name] = "healthy"
	}

	hc.mu.Lock()
	changed := hc.ready != ready
	hc.ready = ready
	hc.mu.Unlock()

	if changed {
		hc.logger.Info("Readiness changed", zap.Bool("ready", ready), zap.Any("checks", results))
		if hc.onChange != nil {
			hc.onChange(ready)
		}
	}
	return ready, results
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
