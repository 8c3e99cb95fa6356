package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/clawtask/backend/internal/identity"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg identity.Registration
	if !decodeBody(w, r, &reg) {
		return
	}

	agent, apiKey, err := s.identity.Register(r.Context(), reg)
	if err != nil {
		writeError(w, err)
		return
	}

	// The full key is shown exactly once, at registration.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"agent":   agent,
		"api_key": apiKey,
	})
}

func (s *Server) handleCurrentAgent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentFrom(r))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.identity.GetAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}
