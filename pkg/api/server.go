// Package api exposes the admin REST surface and the messaging webhook.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/almasgold/ttbroker/params"
	"github.com/almasgold/ttbroker/pkg/engine"
	"github.com/almasgold/ttbroker/pkg/marketdata"
	"github.com/almasgold/ttbroker/pkg/metrics"
	"github.com/almasgold/ttbroker/pkg/store"
)

// HealthSource reports the upstream bridge state for /health.
type HealthSource interface {
	Health() map[string]any
}

// Server handles the admin REST API and the inbound messaging webhook.
type Server struct {
	cfg     params.Server
	engine  *engine.Engine
	store   *store.Store
	md      *marketdata.Service
	bridge  HealthSource
	webhook http.Handler
	router  *mux.Router
	log     *zap.SugaredLogger
}

// NewServer wires the routes. webhook may be nil when the messaging channel
// is disabled.
func NewServer(cfg params.Server, eng *engine.Engine, st *store.Store, md *marketdata.Service, bridge HealthSource, webhook http.Handler, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		store:   st,
		md:      md,
		bridge:  bridge,
		webhook: webhook,
		router:  mux.NewRouter(),
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireAPIKey)

	// Orders
	admin.HandleFunc("/create-order/{adminId}", s.handleCreateOrder).Methods("POST")
	admin.HandleFunc("/order/{adminId}", s.handleListOrders).Methods("GET")
	admin.HandleFunc("/order/{adminId}/{orderId}", s.handleGetOrder).Methods("GET")
	admin.HandleFunc("/order/{adminId}/{orderId}", s.handleUpdateOrder).Methods("PATCH")
	admin.HandleFunc("/balance-check/{adminId}/{userId}", s.handleBalanceCheck).Methods("GET")

	// Transfers
	admin.HandleFunc("/transaction/{adminId}", s.handleCreateTransaction).Methods("POST")
	admin.HandleFunc("/transaction/{adminId}/{txId}", s.handleUpdateTransaction).Methods("PATCH")
	admin.HandleFunc("/transactions/{adminId}/{userId}", s.handleListTransactions).Methods("GET")

	// Accounts
	admin.HandleFunc("/account/{adminId}", s.handleCreateAccount).Methods("POST")
	admin.HandleFunc("/account/{adminId}", s.handleListAccounts).Methods("GET")
	admin.HandleFunc("/account/{adminId}/{userId}", s.handleGetAccount).Methods("GET")
	admin.HandleFunc("/account/{adminId}/{userId}", s.handleUpdateAccount).Methods("PATCH")

	// Ledger
	admin.HandleFunc("/ledger/{adminId}/{userId}", s.handleListLedger).Methods("GET")

	if s.webhook != nil {
		s.router.Handle("/api/chat/whatsapp", s.webhook).Methods("POST")
	}

	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped root handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start blocks serving HTTP.
func (s *Server) Start() error {
	s.log.Infow("api_server_starting", "addr", s.cfg.Addr)
	return http.ListenAndServe(s.cfg.Addr, s.Handler())
}

// requireAPIKey gates the admin surface when a key is configured.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("X-API-Key") != s.cfg.APIKey {
			respondError(w, http.StatusUnauthorized, "invalid api key", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		AccountsOK: s.store != nil,
		Time:       time.Now().UTC(),
	}
	if s.bridge != nil {
		resp.Bridge = s.bridge.Health()
	}
	if s.md != nil {
		resp.PollMs = s.md.Interval().Milliseconds()
	}
	respondJSON(w, http.StatusOK, resp)
}

// ==============================
// Helper functions
// ==============================

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errText, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errText, Message: message})
}

// respondEngineError maps engine error kinds to HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, engine.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation failed", err.Error())
	case errors.Is(err, engine.ErrInsufficientBalance):
		respondError(w, http.StatusUnprocessableEntity, "insufficient balance", err.Error())
	case errors.Is(err, engine.ErrConflict):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, engine.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, engine.ErrUpstream):
		respondError(w, http.StatusBadGateway, "upstream venue error", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}
