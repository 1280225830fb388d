package handlers

import (
	"encoding/json"
	"net/http"
)

// HealthCheck reports liveness for deploy probes.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
