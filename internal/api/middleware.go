package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/clawtask/backend/internal/storage"
)

type contextKey string

const agentContextKey contextKey = "agent"

// agentFrom returns the authenticated agent stored on the request context.
func agentFrom(r *http.Request) *storage.Agent {
	agent, _ := r.Context().Value(agentContextKey).(*storage.Agent)
	return agent
}

// authMiddleware resolves the bearer API key to an agent and attaches it to
// the request context. Requests without a valid key are rejected before any
// handler runs.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Authorization")
		if strings.HasPrefix(key, "Bearer ") {
			key = strings.TrimPrefix(key, "Bearer ")
		} else {
			key = r.Header.Get("X-API-Key")
		}
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			return
		}

		agent, err := s.identity.Authenticate(r.Context(), key)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}

		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if agent := agentFrom(r); agent != nil {
			key = agent.ID
		}
		if !s.limiter.Allow(key) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":               "rate limit exceeded",
				"retry_after_seconds": 60,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
