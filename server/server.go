// Package server exposes the local ingestion endpoints called by the test
// SDK inside the spawned subprocess. It is a thin dispatch shim: it validates
// wire payloads, translates them into orchestrator calls, and maps failures
// to response codes. No orchestration logic lives here.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/autoblocksai/cli/metrics"
	"github.com/autoblocksai/cli/orchestrator"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Minute
)

// Server is the HTTP surface consumed by the test SDK.
type Server struct {
	orch   *orchestrator.Orchestrator
	server *http.Server
}

func New(orch *orchestrator.Orchestrator) *Server {
	return &Server{orch: orch}
}

// Handler builds the ingestion router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/end", s.handleEnd).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/results", s.handleResults).Methods(http.MethodPost)
	r.HandleFunc("/evals", s.handleEvals).Methods(http.MethodPost)
	r.HandleFunc("/errors", s.handleErrors).Methods(http.MethodPost)
	r.Use(recoverMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost},
	})
	return c.Handler(r)
}

// Serve serves the ingestion endpoints on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	err := s.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// recoverMiddleware is the server-level error boundary: a panic in a handler
// becomes a 500 and a log line, never a crashed ingestion server.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("Panic while handling ingestion request", "path", r.URL.Path, "panic", rec)
				metrics.RecordError("handler_panic")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type startRequest struct {
	TestExternalID       string            `json:"testExternalId"`
	ParameterCombination map[string]string `json:"parameterCombination"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TestExternalID == "" {
		writeValidationError(w, r, "testExternalId is required")
		return
	}

	runID, err := s.orch.StartRun(r.Context(), req.TestExternalID, req.ParameterCombination)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, r, map[string]string{"id": runID})
}

type endRequest struct {
	TestExternalID string `json:"testExternalId"`
	RunID          string `json:"runId"`
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TestExternalID == "" {
		writeValidationError(w, r, "testExternalId is required")
		return
	}

	if err := s.orch.EndRun(r.Context(), req.TestExternalID, req.RunID); err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeOK(w, r)
}

type eventRequest struct {
	TestExternalID string `json:"testExternalId"`
	RunID          string `json:"runId"`
	TestCaseHash   string `json:"testCaseHash"`
	Event          *struct {
		Message    string          `json:"message"`
		TraceID    string          `json:"traceId"`
		Timestamp  string          `json:"timestamp"`
		Properties json.RawMessage `json:"properties"`
	} `json:"event"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TestExternalID == "" || req.TestCaseHash == "" || req.Event == nil {
		writeValidationError(w, r, "testExternalId, testCaseHash and event are required")
		return
	}

	err := s.orch.RecordEvent(orchestrator.EventInput{
		TestExternalID: req.TestExternalID,
		RunID:          req.RunID,
		TestCaseHash:   req.TestCaseHash,
		Message:        req.Event.Message,
		TraceID:        req.Event.TraceID,
		Timestamp:      req.Event.Timestamp,
		Properties:     req.Event.Properties,
	})
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeOK(w, r)
}

type resultRequest struct {
	TestExternalID     string          `json:"testExternalId"`
	RunID              string          `json:"runId"`
	TestCaseHash       string          `json:"testCaseHash"`
	TestCaseBody       json.RawMessage `json:"testCaseBody"`
	TestCaseOutput     json.RawMessage `json:"testCaseOutput"`
	TestCaseDurationMS *float64        `json:"testCaseDurationMs"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TestExternalID == "" || req.TestCaseHash == "" || len(req.TestCaseBody) == 0 {
		writeValidationError(w, r, "testExternalId, testCaseHash and testCaseBody are required")
		return
	}

	resultID, err := s.orch.RecordResult(r.Context(), orchestrator.ResultInput{
		TestExternalID: req.TestExternalID,
		RunID:          req.RunID,
		TestCaseHash:   req.TestCaseHash,
		Body:           req.TestCaseBody,
		Output:         req.TestCaseOutput,
		DurationMS:     req.TestCaseDurationMS,
	})
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, r, map[string]string{"id": resultID})
}

type evalRequest struct {
	TestExternalID      string                  `json:"testExternalId"`
	RunID               string                  `json:"runId"`
	TestCaseHash        string                  `json:"testCaseHash"`
	EvaluatorExternalID string                  `json:"evaluatorExternalId"`
	Score               *float64                `json:"score"`
	Threshold           *orchestrator.Threshold `json:"threshold"`
	Metadata            json.RawMessage         `json:"metadata"`
}

func (s *Server) handleEvals(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TestExternalID == "" || req.TestCaseHash == "" || req.EvaluatorExternalID == "" || req.Score == nil {
		writeValidationError(w, r, "testExternalId, testCaseHash, evaluatorExternalId and score are required")
		return
	}

	err := s.orch.RecordEvaluation(r.Context(), orchestrator.EvaluationInput{
		TestExternalID:      req.TestExternalID,
		RunID:               req.RunID,
		TestCaseHash:        req.TestCaseHash,
		EvaluatorExternalID: req.EvaluatorExternalID,
		Score:               *req.Score,
		Threshold:           req.Threshold,
		Metadata:            req.Metadata,
	})
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeOK(w, r)
}

type errorRequest struct {
	TestExternalID      string                  `json:"testExternalId"`
	RunID               string                  `json:"runId"`
	TestCaseHash        string                  `json:"testCaseHash"`
	EvaluatorExternalID string                  `json:"evaluatorExternalId"`
	Error               *orchestrator.ErrorInfo `json:"error"`
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	var req errorRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Error == nil {
		writeValidationError(w, r, "error is required")
		return
	}

	s.orch.RecordUncaughtError(orchestrator.UncaughtError{
		TestExternalID:      req.TestExternalID,
		RunID:               req.RunID,
		TestCaseHash:        req.TestCaseHash,
		EvaluatorExternalID: req.EvaluatorExternalID,
		Error:               *req.Error,
	})
	writeOK(w, r)
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeValidationError(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, r *http.Request, msg string) {
	log.Warn("Rejecting malformed ingestion request", "path", r.URL.Path, "reason", msg)
	metrics.RecordIngestionRequest(r.URL.Path, "400")
	http.Error(w, msg, http.StatusBadRequest)
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error("Ingestion request failed", "path", r.URL.Path, "err", err)
	metrics.RecordIngestionRequest(r.URL.Path, "500")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeOK(w http.ResponseWriter, r *http.Request) {
	metrics.RecordIngestionRequest(r.URL.Path, "200")
	w.Write([]byte("ok")) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, r *http.Request, body any) {
	metrics.RecordIngestionRequest(r.URL.Path, "200")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("Failed to encode response", "path", r.URL.Path, "err", err)
	}
}
