package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func (s *Server) handleSubmitUnderstanding(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Understanding    string   `json:"understanding"`
		ProposedCriteria []string `json:"proposed_criteria"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	task, err := s.alignment.SubmitUnderstanding(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID,
		body.Understanding, body.ProposedCriteria)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleConfirmUnderstanding(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Response  string `json:"response"`
		Confirmed bool   `json:"confirmed"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	task, err := s.alignment.ConfirmUnderstanding(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID,
		body.Response, body.Confirmed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func checkpointNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(mux.Vars(r)["number"])
	if err != nil || n < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid checkpoint number"})
		return 0, false
	}
	return n, true
}

func (s *Server) handleReachCheckpoint(w http.ResponseWriter, r *http.Request) {
	number, ok := checkpointNumber(w, r)
	if !ok {
		return
	}
	var body struct {
		Summary        string                 `json:"summary"`
		ResultSnapshot map[string]interface{} `json:"result_snapshot"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	task, err := s.alignment.ReachCheckpoint(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID,
		number, body.Summary, body.ResultSnapshot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAckCheckpoint(w http.ResponseWriter, r *http.Request) {
	number, ok := checkpointNumber(w, r)
	if !ok {
		return
	}
	var body struct {
		Response        string `json:"response"`
		RequiresChanges bool   `json:"requires_changes"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	task, err := s.alignment.AcknowledgeCheckpoint(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID,
		number, body.Response, body.RequiresChanges)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAlignmentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.alignment.AlignmentStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRequestSplit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	task, err := s.alignment.RequestSplit(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
