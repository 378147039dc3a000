package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/internal/capability"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) Report {
	t.Helper()
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rep
}

func pass(context.Context) error { return nil }

func failWith(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "transcripts", Check: failWith(errors.New("down"))}).
		WithStats(func() any { return map[string]int{"active_sessions": 3} })

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even with failing checks", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body struct {
		Status string         `json:"status"`
		Uptime string         `json:"uptime"`
		Checks map[string]any `json:"checks"`
		Stats  map[string]int `json:"stats"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusOK || body.Uptime == "" || body.Checks != nil {
		t.Errorf("body = %+v", body)
	}
	if body.Stats["active_sessions"] != 3 {
		t.Errorf("stats = %v", body.Stats)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	shutdown := fmt.Errorf("app: shutting down: %w", capability.ErrUnavailable)
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantKinds  map[string]capability.Kind
	}{
		{name: "no checkers", wantCode: http.StatusOK, wantStatus: StatusOK, wantKinds: map[string]capability.Kind{}},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "sessions", Check: pass}, {Name: "transcripts", Check: pass}},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantKinds:  map[string]capability.Kind{"sessions": capability.KindNone, "transcripts": capability.KindNone},
		},
		{
			name:       "classified failure",
			checkers:   []Checker{{Name: "sessions", Check: failWith(shutdown)}, {Name: "transcripts", Check: pass}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantKinds:  map[string]capability.Kind{"sessions": capability.KindUnavailable, "transcripts": capability.KindNone},
		},
		{
			name:       "unknown failure",
			checkers:   []Checker{{Name: "transcripts", Check: failWith(errors.New("connection refused"))}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantKinds:  map[string]capability.Kind{"transcripts": capability.KindUnknown},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			New(tt.checkers...).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			rep := decode(t, rec)
			if rep.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", rep.Status, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.wantKinds) {
				t.Fatalf("checks = %v, want %d entries", rep.Checks, len(tt.wantKinds))
			}
			for name, kind := range tt.wantKinds {
				got := rep.Checks[name]
				if got.Kind != kind {
					t.Errorf("%s kind = %q, want %q", name, got.Kind, kind)
				}
				if (kind == capability.KindNone) != (got.Status == StatusOK) {
					t.Errorf("%s status = %q with kind %q", name, got.Status, kind)
				}
				if (got.Error == "") != (got.Status == StatusOK) {
					t.Errorf("%s error = %q with status %q", name, got.Error, got.Status)
				}
			}
		})
	}
}

func TestEvaluate_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()

	// Each check only passes once the other has started.
	wait := func(ctx context.Context) error {
		started.Done()
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	rep := New(Checker{Name: "a", Check: wait}, Checker{Name: "b", Check: wait}).
		WithCheckTimeout(2 * time.Second).
		Evaluate(context.Background())
	if rep.Status != StatusOK {
		t.Errorf("report = %+v", rep)
	}
}

func TestEvaluate_TimesOutSlowCheck(t *testing.T) {
	t.Parallel()
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	rep := New(Checker{Name: "transcripts", Check: slow}).
		WithCheckTimeout(20 * time.Millisecond).
		Evaluate(context.Background())

	got := rep.Checks["transcripts"]
	if got.Kind != capability.KindTimeout {
		t.Errorf("kind = %q, want timeout", got.Kind)
	}
	if got.Latency < 20*time.Millisecond {
		t.Errorf("latency = %v, want at least the timeout", got.Latency)
	}
}

func TestReadyz_RequestCancelled(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
	if got := decode(t, rec).Checks["slow"].Kind; got != capability.KindCancelled {
		t.Errorf("kind = %q, want cancelled", got)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(Checker{Name: "sessions", Check: pass}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("GET %s = %d", path, rec.Code)
			}
		})
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}
