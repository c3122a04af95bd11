package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/queryshift/queryshift/internal/dispatch"
	"github.com/queryshift/queryshift/internal/session"
)

type SessionHandler struct {
	dispatcher *dispatch.Dispatcher
	store      *session.Store
}

func NewSessionHandler(dispatcher *dispatch.Dispatcher, store *session.Store) *SessionHandler {
	return &SessionHandler{
		dispatcher: dispatcher,
		store:      store,
	}
}

// Submit accepts a conversion request, fans it out into shard tasks and
// returns the session summary.
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var payload dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if payload.SourcePath == "" {
		http.Error(w, "source_path is required", http.StatusBadRequest)
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), payload)
	if err != nil {
		http.Error(w, "Failed to dispatch session: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(result)
}

// Status returns the aggregate progress view for one session.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]

	status, err := h.store.GetSessionStatus(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load session: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Tasks lists every shard task of one session.
func (h *SessionHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]

	tasks, err := h.store.ListSessionTasks(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to list tasks: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"session_id": sessionID,
		"task_count": len(tasks),
		"tasks":      tasks,
	})
}
