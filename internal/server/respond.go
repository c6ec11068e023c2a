package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mfittko/rag-stack/internal/errs"
	"github.com/mfittko/rag-stack/internal/logging"
)

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error shape: {"error": "<message>"}.
type errorBody struct {
	Error string `json:"error"`
}

// writeError emits the uniform error shape. Never includes stack traces or
// wrapped causes.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// respondError maps a service error to its HTTP status via the error kind
// and logs backend failures.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)

	if status >= 500 {
		logging.FromContext(r.Context()).Error("request failed",
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}

	writeError(w, status, errs.Message(err))
}

// decodeJSON decodes the request body into v. Returns false after writing
// the error response: 413 for oversized bodies, 400 for malformed JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
