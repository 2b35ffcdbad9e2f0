package middleware

import (
	"encoding/json"
	"net/http"
)

// errorEnvelope mirrors the api package's response envelope for errors
// produced before a handler runs.
type errorEnvelope struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
