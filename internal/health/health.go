// Package health serves the liveness and readiness probes.
//
// GET /healthz always answers 200 while the process can serve HTTP and
// carries the uptime plus an optional stats snapshot. GET /readyz runs every
// [Checker] concurrently and answers 503 when any of them fails. Both return
// a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/linguavox/internal/capability"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 5 * time.Second

const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Checker probes one dependency. Check returns nil when it is healthy and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status string `json:"status"`

	// Kind is the capability classification of Error.
	Kind    capability.Kind `json:"kind,omitempty"`
	Error   string          `json:"error,omitempty"`
	Latency time.Duration   `json:"latency_ns"`
}

// Report is the probe response body.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
	Stats  any                    `json:"stats,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	stats    func() any
	timeout  time.Duration
	started  time.Time
	log      *slog.Logger
}

// New returns a handler that evaluates checkers on every readiness probe.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
		started:  time.Now(),
		log:      slog.Default(),
	}
}

// WithStats adds fn's value to every liveness response. Call before serving.
func (h *Handler) WithStats(fn func() any) *Handler {
	h.stats = fn
	return h
}

// WithCheckTimeout overrides [DefaultCheckTimeout]. Non-positive values are
// ignored.
func (h *Handler) WithCheckTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// Evaluate runs every checker concurrently, each under its own timeout
// derived from ctx, and reports the combined result.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = CheckResult{Status: StatusOK, Latency: time.Since(start)}
			if err != nil {
				results[i].Status = StatusFail
				results[i].Kind = capability.Classify(err)
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	for i, c := range h.checkers {
		res := results[i]
		rep.Checks[c.Name] = res
		if res.Status == StatusFail {
			rep.Status = StatusFail
			h.log.Warn("health: check failed", "check", c.Name, "kind", string(res.Kind), "err", res.Error)
		}
	}
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	rep := Report{
		Status: StatusOK,
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}
	if h.stats != nil {
		rep.Stats = h.stats()
	}
	writeJSON(w, http.StatusOK, rep)
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
