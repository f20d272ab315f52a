package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// writeJSON writes data inside a {"data": ...} envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError writes a {"error": {"message": ...}} envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message},
	}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// errorMapping maps a domain error onto an HTTP status.
type errorMapping struct {
	err    error
	status int
}

// handleError answers with the first matching mapping, or logs and returns
// 500.
func handleError(ctx context.Context, log *slog.Logger, w http.ResponseWriter, err error, mappings ...errorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			writeError(w, m.status, err.Error())
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	log.Error("internal error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
