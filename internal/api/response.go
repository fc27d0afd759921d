// Package api implements the coordinator's HTTP surface: REST routes for job
// submission, status, artifacts, uploads, and notebook sessions, plus the
// WebSocket upgrade endpoint for the event channel. It uses Chi as the router.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Zeeshankhan077/neuraX/internal/engine"
	"github.com/Zeeshankhan077/neuraX/internal/types"
)

// envelope is the standard JSON response wrapper.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]interface{}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload interface{}) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Accepted writes a 202 Accepted response for operations that continue in the
// background (job submission, cell execution).
func Accepted(w http.ResponseWriter, payload interface{}) {
	JSON(w, http.StatusAccepted, envelope{"data": payload})
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string          `json:"message"`
	Code    types.ErrorKind `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message string, code types.ErrorKind) {
	JSON(w, status, envelope{
		"error": errorResponse{Message: message, Code: code},
	})
}

// ErrBadRequest writes a 400 with the validation_error kind.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, types.KindValidation)
}

// ErrNotFound writes a 404 with the not_found kind.
func ErrNotFound(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusNotFound, message, types.KindNotFound)
}

// ErrInternal writes a 500. The internal error detail is intentionally not
// exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", types.KindInfrastructure)
}

// WriteError translates an engine error into the HTTP status and
// machine-readable kind for the request boundary.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		errJSON(w, http.StatusBadRequest, err.Error(), types.KindValidation)
	case errors.Is(err, engine.ErrNotFound):
		errJSON(w, http.StatusNotFound, err.Error(), types.KindNotFound)
	case errors.Is(err, engine.ErrNoRuntime):
		errJSON(w, http.StatusServiceUnavailable, err.Error(), types.KindInfrastructure)
	default:
		ErrInternal(w)
	}
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit for JSON bodies
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
