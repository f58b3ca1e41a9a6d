// Package health serves the liveness and readiness probes on the local
// metrics listener.
//
// /healthz answers 200 as long as the process can serve HTTP. /readyz runs
// every registered probe concurrently, each against its own deadline, and
// answers 200 only when all of them pass; any failure yields 503 with the
// failing probes' errors in the body.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// defaultProbeBudget bounds a single probe when Handler.Timeout is unset.
const defaultProbeBudget = 5 * time.Second

// Check is one named readiness probe. Probe must return nil when the
// dependency is usable and must respect context cancellation.
type Check struct {
	// Name keys the probe's result in the /readyz response body.
	Name string

	Probe func(ctx context.Context) error
}

// Handler serves the probe endpoints. The check set is fixed at construction;
// concurrent requests are safe.
type Handler struct {
	// Timeout is the per-probe budget on /readyz. Zero means 5s.
	Timeout time.Duration

	checks []Check
}

// New builds a [Handler] over the given checks.
func New(checks ...Check) *Handler {
	return &Handler{checks: append([]Check(nil), checks...)}
}

// result is one probe's outcome in the /readyz body.
type result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// report is the response body for both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]result `json:"checks,omitempty"`
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	budget := h.Timeout
	if budget <= 0 {
		budget = defaultProbeBudget
	}

	var (
		mu      sync.Mutex
		results = make(map[string]result, len(h.checks))
		wg      sync.WaitGroup
	)
	for _, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), budget)
			defer cancel()

			res := result{OK: true}
			if err := c.Probe(ctx); err != nil {
				res = result{Error: err.Error()}
			}
			mu.Lock()
			results[c.Name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	rep := report{Status: "ok", Checks: results}
	code := http.StatusOK
	for _, res := range results {
		if !res.OK {
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
			break
		}
	}
	respond(w, code, rep)
}

func respond(w http.ResponseWriter, code int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
