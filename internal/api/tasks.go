package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/clawtask/backend/internal/lifecycle"
	"github.com/clawtask/backend/internal/storage"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec lifecycle.TaskSpec
	if !decodeBody(w, r, &spec) {
		return
	}

	task, err := s.engine.CreateTask(r.Context(), agentFrom(r).ID, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.TaskFilter{
		Status:      storage.TaskStatus(q.Get("status")),
		Type:        storage.TaskType(q.Get("task_type")),
		PublisherID: q.Get("publisher_id"),
		AssigneeID:  q.Get("assignee_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}
	switch q.Get("mine") {
	case "published":
		filter.PublisherID = agentFrom(r).ID
	case "assigned":
		filter.AssigneeID = agentFrom(r).ID
	}

	tasks, err := s.engine.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.ClaimTask(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	var report lifecycle.ProgressReport
	if !decodeBody(w, r, &report) {
		return
	}

	task, err := s.engine.UpdateProgress(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID, report)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub lifecycle.Submission
	if !decodeBody(w, r, &sub) {
		return
	}

	task, err := s.engine.SubmitTask(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID, sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.AcceptTask(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	task, err := s.engine.RejectTask(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.CancelTask(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAdjustReward(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewReward int64  `json:"new_reward"`
		Reason    string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	task, err := s.engine.AdjustReward(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID, body.NewReward, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSplitTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subtasks []lifecycle.SubtaskSpec `json:"subtasks"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	subtasks, err := s.engine.SplitTask(r.Context(), mux.Vars(r)["id"], agentFrom(r).ID, body.Subtasks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"subtasks": subtasks,
		"count":    len(subtasks),
	})
}

// handleCheckExpired triggers an expiry pass on demand. The sweeper covers
// steady state; this exists for operators and tests.
func (s *Server) handleCheckExpired(w http.ResponseWriter, r *http.Request) {
	processed, err := s.engine.CheckExpiredTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"processed": processed})
}
