package opshttp

import (
	"encoding/json"
	"net/http"

	"github.com/rockstor/replicad/internal/repositories"
)

// Bodies written by the ops endpoints:
//
//	{"data": <payload>}
//	{"data": [<trail>...], "limit": 20, "offset": 0}
//	{"error": {"message": "...", "code": "..."}}
type envelope map[string]any

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, envelope{"data": payload})
}

// writeTrails echoes the page that was applied so a caller can walk the
// history newest first.
func writeTrails(w http.ResponseWriter, trails any, page repositories.ListOptions) {
	writeJSON(w, http.StatusOK, envelope{"data": trails, "limit": page.Limit, "offset": page.Offset})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{"error": apiError{Message: message, Code: code}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "bad_request", message)
}

// storeFailed hides the repository error, which the handler has logged.
func storeFailed(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "store_error", "trail store unavailable")
}
