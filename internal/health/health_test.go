package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// probe runs one request against a registered handler and decodes the body.
func probe(t *testing.T, h *Handler, path string) (int, report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, rep
}

func passing(name string) Check {
	return Check{Name: name, Probe: func(context.Context) error { return nil }}
}

func TestHealthz_AlwaysOK(t *testing.T) {
	code, rep := probe(t, New(), "/healthz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if rep.Status != "ok" {
		t.Errorf("body status = %q, want ok", rep.Status)
	}
}

func TestReadyz_AllProbesPass(t *testing.T) {
	h := New(passing("transport"), passing("capture"))

	code, rep := probe(t, h, "/readyz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	for _, name := range []string{"transport", "capture"} {
		if !rep.Checks[name].OK {
			t.Errorf("check %q = %+v, want ok", name, rep.Checks[name])
		}
	}
}

func TestReadyz_FailingProbeYields503(t *testing.T) {
	h := New(
		passing("transport"),
		Check{Name: "capture", Probe: func(context.Context) error {
			return errors.New("device lost")
		}},
	)

	code, rep := probe(t, h, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if rep.Status != "fail" {
		t.Errorf("body status = %q, want fail", rep.Status)
	}
	if got := rep.Checks["capture"]; got.OK || got.Error != "device lost" {
		t.Errorf("capture check = %+v, want the probe error", got)
	}
	if !rep.Checks["transport"].OK {
		t.Error("passing probe must still be reported ok alongside a failure")
	}
}

func TestReadyz_NoProbesIsReady(t *testing.T) {
	code, _ := probe(t, New(), "/readyz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 with an empty check set", code)
	}
}

func TestReadyz_SlowProbeIsCutOffByBudget(t *testing.T) {
	h := New(Check{Name: "transport", Probe: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	h.Timeout = 20 * time.Millisecond

	start := time.Now()
	code, rep := probe(t, h, "/readyz")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("readyz took %s, want roughly the probe budget", elapsed)
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 for a timed-out probe", code)
	}
	if rep.Checks["transport"].OK {
		t.Error("timed-out probe must be reported failed")
	}
}

func TestReadyz_ProbesRunConcurrently(t *testing.T) {
	// Each probe blocks until all three have started. Sequential execution
	// would stall the first probe into its budget and fail the check.
	var barrier sync.WaitGroup
	barrier.Add(3)
	rendezvous := func(ctx context.Context) error {
		barrier.Done()
		done := make(chan struct{})
		go func() {
			barrier.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Check{Name: "a", Probe: rendezvous},
		Check{Name: "b", Probe: rendezvous},
		Check{Name: "c", Probe: rendezvous},
	)
	h.Timeout = 2 * time.Second

	code, _ := probe(t, h, "/readyz")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when probes overlap", code)
	}
}

func TestReadyz_MethodNotAllowed(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405 for POST", rec.Code)
	}
}
