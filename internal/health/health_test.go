package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func serve(t *testing.T, h *Handler, path string, ctx context.Context) (int, report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthz_ReportsUptime(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "never", Check: func(context.Context) error { return errors.New("down") }})
	h.started = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return h.started.Add(90*time.Second + 300*time.Millisecond) }

	code, body := serve(t, h, "/healthz", context.Background())
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 regardless of readiness", code)
	}
	if body.Status != statusOK || body.Uptime != "1m30s" {
		t.Errorf("body = %+v, want ok with uptime 1m30s", body)
	}
	if body.Checks != nil {
		t.Errorf("liveness must not run checks, got %v", body.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string // name -> status or error text
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: statusOK,
			wantChecks: map[string]string{},
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "voices", Check: pass},
				{Name: "engine", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: statusOK,
			wantChecks: map[string]string{"voices": statusOK, "engine": statusOK},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "voices", Check: pass},
				{Name: "engine", Check: func(context.Context) error { return errors.New("connection refused") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: statusFail,
			wantChecks: map[string]string{"voices": statusOK, "engine": "connection refused"},
		},
		{
			name: "helpers",
			checkers: []Checker{
				NonEmpty("voices", func() int { return 0 }),
				Available("engine", func() bool { return false }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: statusFail,
			wantChecks: map[string]string{"voices": "voices: none loaded", "engine": "unavailable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, body := serve(t, New(tt.checkers...), "/readyz", context.Background())
			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.wantChecks) {
				t.Fatalf("checks = %v, want %d entries", body.Checks, len(tt.wantChecks))
			}
			for name, want := range tt.wantChecks {
				got := body.Checks[name]
				if got.Took == "" {
					t.Errorf("%s: missing duration", name)
				}
				if want == statusOK {
					if got.Status != statusOK {
						t.Errorf("%s = %+v, want ok", name, got)
					}
					continue
				}
				if got.Status != statusFail || got.Error != want {
					t.Errorf("%s = %+v, want fail with %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	var running atomic.Int32
	both := make(chan struct{})
	wait := func(ctx context.Context) error {
		if running.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, _ := serve(t, New(Checker{Name: "a", Check: wait}, Checker{Name: "b", Check: wait}), "/readyz", ctx)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200: checks should not wait on each other", code)
	}
}

func TestReadyz_RequestCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	slow := Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	code, body := serve(t, New(slow), "/readyz", ctx)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body.Checks["slow"].Error != context.Canceled.Error() {
		t.Errorf("slow = %+v", body.Checks["slow"])
	}
}

func TestNonEmpty_TracksCount(t *testing.T) {
	t.Parallel()

	var n atomic.Int64
	c := NonEmpty("voices", func() int { return int(n.Load()) })
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected failure for an empty store")
	}
	n.Store(3)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
