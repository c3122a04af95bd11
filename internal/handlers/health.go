package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/redis/go-redis/v9"
)

type HealthHandler struct {
	redis *redis.Client
}

func NewHealthHandler(client *redis.Client) *HealthHandler {
	return &HealthHandler{redis: client}
}

// Check reports process liveness and the state of the Redis connection.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{"status": "ok", "redis": "ok"}

	if h.redis != nil {
		if err := h.redis.Ping(r.Context()).Err(); err != nil {
			response["redis"] = "unavailable"
		}
	} else {
		response["redis"] = "disabled"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
