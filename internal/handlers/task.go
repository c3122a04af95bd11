package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/queryshift/queryshift/internal/session"
)

type TaskHandler struct {
	store *session.Store
}

func NewTaskHandler(store *session.Store) *TaskHandler {
	return &TaskHandler{store: store}
}

// Get returns one task record including its result summary when terminal.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskID"]

	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, session.ErrTaskNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load task: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(task)
}
