package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorResponse is the body of every error the proxy itself produces.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeJSON writes a JSON response with the given status code.
// Logs encoding failures internally using the provided context.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	// Headers and status are written before encoding to avoid buffering.
	// If encoding fails, the client may receive a partial response.
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes an error body of the given type.
func writeJSONError(ctx context.Context, w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(ctx, w, errorResponse{Error: errorBody{Message: msg, Type: errType}}, status)
}
