// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/23f3003674/TDS-PROJECT-1/src/config"
	"github.com/23f3003674/TDS-PROJECT-1/src/logging"
	"github.com/23f3003674/TDS-PROJECT-1/src/model"
	"github.com/23f3003674/TDS-PROJECT-1/src/processor"
	"github.com/23f3003674/TDS-PROJECT-1/src/store"
)

// TaskResponse for JSON output on submission
type TaskResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	cfg   *config.Config
	store store.Store
	proc  *processor.Processor
	stats *logging.WorkerStats
}

func NewAPIServer(cfg *config.Config, st store.Store, proc *processor.Processor, stats *logging.WorkerStats) *APIServer {
	return &APIServer{cfg: cfg, store: st, proc: proc, stats: stats}
}

func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.rootHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /task", s.taskHandler)
	mux.HandleFunc("GET /status/{nonce}", s.statusHandler)
	mux.HandleFunc("GET /tasks", s.listHandler)
	mux.HandleFunc("GET /stats", s.statsHandler)
	return otelhttp.NewHandler(mux, "task-api-server")
}

// StartAPIServer runs the HTTP server with graceful shutdown.
func StartAPIServer(srv *APIServer, port string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: srv.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("API Server starting on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		fmt.Println("\nShutdown signal received, closing server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		fmt.Println("Server exited cleanly")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *APIServer) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "TDS LLM Code Deployment API",
		"status":  "running",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":       "/health",
			"receive_task": "POST /task",
			"status":       "/status/{nonce}",
		},
	})
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "healthy",
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
		"processor_ready":     s.proc.Ready(),
		"github_configured":   s.cfg.GitHubConfigured(),
		"provider_configured": s.cfg.ProviderConfigured(),
	})
}

func (s *APIServer) taskHandler(w http.ResponseWriter, r *http.Request) {
	var req model.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if s.cfg.Secret == "" || req.Secret != s.cfg.Secret {
		logging.Log(fmt.Sprintf("invalid secret received for task %s", req.Nonce), slog.LevelWarn)
		writeError(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	logging.Log(fmt.Sprintf("received task %s (round %d, nonce %s)", req.Task, req.Round, req.Nonce), slog.LevelInfo)

	rec, err := s.proc.Accept(req)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateNonce) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, TaskResponse{
		Status:    "accepted",
		Message:   fmt.Sprintf("Task %s accepted and queued for processing", req.Task),
		Nonce:     rec.Nonce,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	nonce := r.PathValue("nonce")
	rec, ok, err := s.store.Get(r.Context(), nonce)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

func (s *APIServer) listHandler(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]model.StatusView, 0, len(records))
	for i := range records {
		views = append(views, records[i].View())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(views),
		"tasks": views,
	})
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}
