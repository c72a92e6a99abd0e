package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"makerflow/config"
	"makerflow/internal/orchestrator"
	"makerflow/logger"
	"makerflow/models"
)

// Server is the control surface: a small JSON API for inspecting the running
// system, signing pending transactions and replacing configuration.
type Server struct {
	cfg  config.APIConfig
	orch *orchestrator.Orchestrator
	log  *logger.Log

	mu      sync.Mutex
	running bool
	srv     *http.Server
	wg      sync.WaitGroup
}

// NewServer wires the HTTP routes around the orchestrator.
func NewServer(cfg config.APIConfig, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		cfg:  cfg,
		orch: orch,
		log:  logger.GetLogger(),
	}
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/performance", s.handlePerformance).Methods("GET")
	api.HandleFunc("/pending-transactions", s.handlePendingTransactions).Methods("GET")
	api.HandleFunc("/transactions/{id}/sign", s.handleSign).Methods("POST")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleReplaceConfig).Methods("POST")
	api.HandleFunc("/start", s.handleStart).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

// Start begins serving on the configured listen address.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("api server already running")
	}
	s.running = true
	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Unlock()

	log := s.log.WithComponent("api").WithField("listen_addr", s.cfg.ListenAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("api server terminated")
		}
	}()

	log.Info("api server started")
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.srv
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.WithComponent("api").WithError(err).Warn("api server shutdown")
	}
	s.wg.Wait()
	s.log.WithComponent("api").Info("api server stopped")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Performance())
}

func (s *Server) handlePendingTransactions(w http.ResponseWriter, r *http.Request) {
	pending := s.orch.PendingTransactions()
	if pending == nil {
		pending = []models.PendingTransaction{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type signRequest struct {
	Signer string `json:"signer"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["id"]

	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Signer) == "" {
		respondError(w, http.StatusBadRequest, "signer is required", "")
		return
	}

	status, err := s.orch.Sign(r.Context(), txID, req.Signer)
	if err != nil {
		respondError(w, http.StatusConflict, "signature rejected", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tx_id": txID, "status": status})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Config())
}

func (s *Server) handleReplaceConfig(w http.ResponseWriter, r *http.Request) {
	var update config.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if update.Empty() {
		respondError(w, http.StatusBadRequest, "update carries no sections", "")
		return
	}

	if err := s.orch.ReplaceConfig(update); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "configuration rejected", err.Error())
		return
	}
	s.log.WithComponent("api").Info("configuration replaced")
	respondJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Start(context.Background()); err != nil {
		respondError(w, http.StatusConflict, "start failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.orch.Stop()
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.orch.Running(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.GetLogger().WithComponent("api").WithError(err).Warn("failed to encode response")
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondError(w http.ResponseWriter, status int, msg, detail string) {
	respondJSON(w, status, errorResponse{Error: msg, Message: detail})
}
