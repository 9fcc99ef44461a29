// Package service exposes the orchestrator over HTTP: run, status,
// stop, details, history and delete endpoints plus healthz and the
// prometheus scrape target.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/qaforge/qaforge/orchestrator"
	"github.com/qaforge/qaforge/types"
)

const (
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second

	defaultRateLimit = 10
	defaultRateBurst = 20
)

// ExecutionAPI is the slice of the orchestrator the HTTP layer needs
type ExecutionAPI interface {
	RunTests(ctx context.Context, projectID string, unitIDs []string, cfg types.ExecutionConfig, triggeredBy string) (*types.ExecutionRecord, error)
	GetExecutionStatus(ctx context.Context, id string) (*types.ExecutionRecord, error)
	StopExecution(ctx context.Context, id string) (*types.ExecutionRecord, error)
	GetExecutionDetails(ctx context.Context, id string) (*types.ExecutionRecord, error)
	History(ctx context.Context, projectID string, limit, offset int) ([]*types.ExecutionRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Config holds HTTP server configuration
type Config struct {
	Log  log.Logger
	API  ExecutionAPI
	Host string
	Port int

	// RateLimit bounds mutating requests per second; zero uses defaults
	RateLimit rate.Limit
	RateBurst int

	AllowedOrigins []string
}

// Server serves the execution API
type Server struct {
	log     log.Logger
	api     ExecutionAPI
	limiter *rate.Limiter
	server  *http.Server
}

// NewServer creates the HTTP server around the orchestrator API
func NewServer(cfg Config) (*Server, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("execution API is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		log:     cfg.Log.New("component", "http"),
		api:     cfg.API,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
	}

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	})
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      c.Handler(s.Handler()),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	return s, nil
}

// Handler builds the route table. Exposed so tests can drive the mux
// through httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/projects/{projectID}/executions", s.limited(s.handleRunTests)).Methods(http.MethodPost)
	api.HandleFunc("/executions", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.limited(s.handleDelete)).Methods(http.MethodDelete)
	api.HandleFunc("/executions/{id}/stop", s.limited(s.handleStop)).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/details", s.handleDetails).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info("HTTP server starting", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// limited applies the mutating-route rate limit
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

type runRequest struct {
	TestUnitIDs []string              `json:"testUnitIds"`
	Config      types.ExecutionConfig `json:"config"`
	TriggeredBy string                `json:"triggeredBy,omitempty"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRunTests(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectID"]

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	record, err := s.api.RunTests(r.Context(), projectID, req.TestUnitIDs, req.Config, req.TriggeredBy)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	s.log.Info("Run accepted", "project", projectID, "execution", record.ID, "units", record.Counts.Total)
	s.writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	record, err := s.api.GetExecutionStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	record, err := s.api.StopExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	record, err := s.api.GetExecutionDetails(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project")
	if projectID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("project query parameter is required"))
		return
	}

	limit, err := queryInt(q.Get("limit"), 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid offset: %w", err))
		return
	}

	records, err := s.api.History(r.Context(), projectID, limit, offset)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.api.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deleteResponse{Deleted: deleted})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		s.log.Error("Failed to write healthz response", "error", err)
	}
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("expected a non-negative integer, got %q", raw)
	}
	return v, nil
}

// writeAPIError maps orchestrator error kinds onto HTTP status codes
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case orchestrator.IsNotFoundError(err):
		s.writeError(w, http.StatusNotFound, err)
	case orchestrator.IsValidationError(err):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.log.Error("Request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.log.Error("Failed to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}
