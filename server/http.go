package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/z3rotig4r/ckks_linear/params"
)

// Status is the /api/status document.
type Status struct {
	State       string    `json:"state"`
	Fingerprint string    `json:"fingerprint"`
	LogN        int       `json:"logN"`
	MaxLevel    int       `json:"maxLevel"`
	KeyID       string    `json:"keyId,omitempty"`
	Requests    int64     `json:"requests"`
	Responses   int64     `json:"responses"`
	Failures    int64     `json:"failures"`
	LastRequest time.Time `json:"lastRequest,omitempty"`
}

// Status snapshots the server counters.
func (s *Server) Status() Status {
	s.mu.Lock()
	keyID, last := s.keyID, s.lastSeen
	s.mu.Unlock()

	return Status{
		State:       s.State().String(),
		Fingerprint: params.Identify(s.params).String(),
		LogN:        s.params.LogN(),
		MaxLevel:    s.params.MaxLevel(),
		KeyID:       keyID,
		Requests:    s.requests.Load(),
		Responses:   s.responses.Load(),
		Failures:    s.failures.Load(),
		LastRequest: last,
	}
}

// Handler serves the ops endpoints: /health, /api/status and /metrics.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	router.HandleFunc("/api/status", s.statusHandler).Methods("GET")
	router.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	return router
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"state":     s.State().String(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Status())
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP ckks_requests_total Requests read from the channel\n")
	fmt.Fprintf(w, "# TYPE ckks_requests_total counter\n")
	fmt.Fprintf(w, "ckks_requests_total %d\n", s.requests.Load())
	fmt.Fprintf(w, "# HELP ckks_results_total Published results by outcome\n")
	fmt.Fprintf(w, "# TYPE ckks_results_total counter\n")
	fmt.Fprintf(w, "ckks_results_total{status=\"success\"} %d\n", s.responses.Load())
	fmt.Fprintf(w, "ckks_results_total{status=\"failure\"} %d\n", s.failures.Load())
	fmt.Fprintf(w, "# HELP ckks_telemetry_errors_total Ciphertext telemetry writes that failed\n")
	fmt.Fprintf(w, "# TYPE ckks_telemetry_errors_total counter\n")
	fmt.Fprintf(w, "ckks_telemetry_errors_total %d\n", s.telErrors.Load())
	fmt.Fprintf(w, "# HELP ckks_server_state Current state of the request loop\n")
	fmt.Fprintf(w, "# TYPE ckks_server_state gauge\n")
	fmt.Fprintf(w, "ckks_server_state %d\n", int(s.State()))
}
