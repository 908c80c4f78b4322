package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/securecall/callrelay/pkg/api/response"
	"github.com/securecall/callrelay/pkg/version"
)

const defaultCheckTimeout = 2 * time.Second

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// StatusFunc reports a detailed runtime snapshot for /status.
type StatusFunc func(ctx context.Context) any

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks  map[string]Check
	status  StatusFunc
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. Readiness fails while any
// check fails.
func NewHealthHandler(checks map[string]Check, status StatusFunc) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		status:  status,
		timeout: defaultCheckTimeout,
	}
}

// ReadyResponse is the /ready payload.
type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	for k, v := range version.Info() {
		body[k] = v
	}
	response.JSON(w, http.StatusOK, body)
}

// Ready handles the /ready endpoint (readiness probe). Checks run
// concurrently under a shared timeout.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			if err := check(ctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}(i, h.checks[name])
	}
	wg.Wait()

	resp := ReadyResponse{Ready: true, Checks: make(map[string]string, len(names))}
	for i, name := range names {
		resp.Checks[name] = results[i]
		if results[i] != "ok" {
			resp.Ready = false
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, resp)
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		response.JSON(w, http.StatusOK, version.Info())
		return
	}
	response.JSON(w, http.StatusOK, h.status(r.Context()))
}
