package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// CheckTypeInternal marks a checker sampling in-process state (cache
// freshness, circuit status) rather than an external dependency.
const CheckTypeInternal CheckType = "internal"

// FuncChecker adapts a plain function into a Checker, for components that
// expose a simple "am I healthy" predicate (e.g. the matcher cache) rather
// than an HTTP or TCP endpoint to probe.
type FuncChecker func(ctx context.Context) Result

func (f FuncChecker) Check(ctx context.Context) Result { return f(ctx) }
func (f FuncChecker) Type() CheckType                  { return CheckTypeInternal }

// Server aggregates named Checkers (subscriber circuit state, RPC provider
// and broker reachability, endpoint cache freshness) behind /health and
// /ready HTTP endpoints, per spec.md §6.6. No check reports on the delivery
// worker pool.
type Server struct {
	checks  map[string]Checker
	timeout time.Duration
}

// NewServer creates an empty Server. Register components with Register
// before calling Handler.
func NewServer() *Server {
	return &Server{
		checks:  make(map[string]Checker),
		timeout: 5 * time.Second,
	}
}

// Register adds a named component to the readiness check set.
func (s *Server) Register(name string, c Checker) {
	s.checks[name] = c
}

type componentReport struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// Handler returns an http.Handler serving /health (liveness: the process
// is up, always 200) and /ready (readiness: every registered component is
// healthy, else 503 with a per-component breakdown).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()

		report := make(map[string]componentReport, len(s.checks))
		allHealthy := true
		for name, checker := range s.checks {
			result := checker.Check(ctx)
			report[name] = componentReport{Healthy: result.Healthy, Message: result.Message}
			if !result.Healthy {
				allHealthy = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if allHealthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})

	return mux
}
