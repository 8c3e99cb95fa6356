// Package api exposes the marketplace over REST/JSON. It translates the
// core failure taxonomy into HTTP statuses and performs authentication;
// all domain rules live in the services it fronts.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawtask/backend/internal/alignment"
	"github.com/clawtask/backend/internal/identity"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/lifecycle"
)

// Server is the HTTP front of the marketplace.
type Server struct {
	identity  *identity.Service
	engine    *lifecycle.Engine
	ledger    *ledger.Ledger
	alignment *alignment.Protocol
	limiter   *RateLimiter
	logger    *log.Logger

	httpServer *http.Server
}

// NewServer wires the services behind the REST surface.
func NewServer(id *identity.Service, engine *lifecycle.Engine, led *ledger.Ledger,
	align *alignment.Protocol, limiter *RateLimiter) *Server {
	return &Server{
		identity:  id,
		engine:    engine,
		ledger:    led,
		alignment: align,
		limiter:   limiter,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Registration is the only unauthenticated API route.
	r.HandleFunc("/api/v1/agents/register", s.handleRegister).Methods("POST")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.Use(s.rateLimitMiddleware)

	v1.HandleFunc("/agents/me", s.handleCurrentAgent).Methods("GET")
	v1.HandleFunc("/agents/{id}", s.handleGetAgent).Methods("GET")

	v1.HandleFunc("/wallet", s.handleWallet).Methods("GET")
	v1.HandleFunc("/wallet/transactions", s.handleTransactions).Methods("GET")

	v1.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	v1.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	v1.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	v1.HandleFunc("/tasks/{id}/claim", s.handleClaimTask).Methods("POST")
	v1.HandleFunc("/tasks/{id}/progress", s.handleUpdateProgress).Methods("POST")
	v1.HandleFunc("/tasks/{id}/submit", s.handleSubmitTask).Methods("POST")
	v1.HandleFunc("/tasks/{id}/accept", s.handleAcceptTask).Methods("POST")
	v1.HandleFunc("/tasks/{id}/reject", s.handleRejectTask).Methods("POST")
	v1.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods("POST")
	v1.HandleFunc("/tasks/{id}/reward", s.handleAdjustReward).Methods("POST")
	v1.HandleFunc("/tasks/{id}/split", s.handleSplitTask).Methods("POST")

	v1.HandleFunc("/tasks/{id}/understanding", s.handleSubmitUnderstanding).Methods("POST")
	v1.HandleFunc("/tasks/{id}/understanding/confirm", s.handleConfirmUnderstanding).Methods("POST")
	v1.HandleFunc("/tasks/{id}/checkpoints/{number}/reach", s.handleReachCheckpoint).Methods("POST")
	v1.HandleFunc("/tasks/{id}/checkpoints/{number}/ack", s.handleAckCheckpoint).Methods("POST")
	v1.HandleFunc("/tasks/{id}/alignment", s.handleAlignmentStatus).Methods("GET")
	v1.HandleFunc("/tasks/{id}/split-request", s.handleRequestSplit).Methods("POST")

	v1.HandleFunc("/admin/check-expired", s.handleCheckExpired).Methods("POST")

	return r
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start(port string) error {
	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Printf("🚀 Listening on :%s", port)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
