// Package health serves the liveness and readiness probes of the voxclone
// HTTP server.
//
// /healthz answers 200 while the process can serve HTTP and reports its
// uptime. /readyz runs every registered [Checker] concurrently and answers
// 200 only when all of them pass, so an orchestrator keeps traffic away from
// an instance without voices or without a usable synthesis engine.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	// Name is the key of the check in the /readyz body (e.g. "voices").
	Name string

	// Check must honour ctx cancellation.
	Check func(ctx context.Context) error
}

// NonEmpty fails while count reports zero, such as a voice store without
// profiles.
func NonEmpty(name string, count func() int) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if n := count(); n <= 0 {
				return fmt.Errorf("%s: none loaded", name)
			}
			return nil
		},
	}
}

// Available fails while ok reports false, such as when every engine breaker
// is open.
func Available(name string, ok func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !ok() {
				return errors.New("unavailable")
			}
			return nil
		},
	}
}

// checkResult is the outcome of one [Checker].
type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Took   string `json:"took"`
}

// report is the JSON body of both probes.
type report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New returns a [Handler] evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Healthz always answers 200 with the process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	uptime := h.now().Sub(h.started).Truncate(time.Second)
	writeJSON(w, http.StatusOK, report{Status: statusOK, Uptime: uptime.String()})
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := h.run(r.Context())

	rep := report{Status: statusOK, Checks: checks}
	code := http.StatusOK
	for name, c := range checks {
		if c.Status != statusOK {
			rep.Status = statusFail
			code = http.StatusServiceUnavailable
			slog.Debug("readiness check failed", "check", name, "err", c.Error)
		}
	}
	writeJSON(w, code, rep)
}

// run evaluates all checkers concurrently, each under its own deadline.
func (h *Handler) run(ctx context.Context) map[string]checkResult {
	var (
		mu  sync.Mutex
		out = make(map[string]checkResult, len(h.checkers))
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(cctx)
			res := checkResult{Status: statusOK, Took: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				res.Status = statusFail
				res.Error = err.Error()
			}

			mu.Lock()
			out[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
