// Package middleware carries the HTTP cross-cutting concerns: bearer auth,
// CORS, rate limiting and request instrumentation. Handlers behind it can
// assume an authenticated identity in the context.
package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError emits the uniform response envelope. Middleware rejects before
// a handler runs, so it owns its own copy of the shape.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{Success: false, Error: msg})
}
