package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/queryshift/queryshift/internal/handlers"
)

// NewRouter sets up the API routes.
func NewRouter(
	health *handlers.HealthHandler,
	sessions *handlers.SessionHandler,
	tasks *handlers.TaskHandler,
	wh *handlers.WarehouseHandler,
) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", health.Check).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", sessions.Submit).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionID}", sessions.Status).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionID}/tasks", sessions.Tasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskID}", tasks.Get).Methods(http.MethodGet)
	api.HandleFunc("/warehouse/stats", wh.Stats).Methods(http.MethodGet)

	return router
}
