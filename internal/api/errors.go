// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/klipnote/klipnote/internal/log"
)

// Client-visible error kinds. Stable contract values; the UI switches on
// them, the message is display text only.
const (
	kindNotFound          = "not_found"
	kindNotReady          = "not_ready"
	kindUnsupportedFormat = "unsupported_format"
	kindPayloadTooLarge   = "payload_too_large"
	kindDurationExceeded  = "duration_exceeded"
	kindInvalidMedia      = "invalid_media"
	kindInvalidRequest    = "invalid_request"
	kindConflict          = "conflict"
	kindInternal          = "internal"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform error envelope.
func writeError(w http.ResponseWriter, r *http.Request, code int, kind, message string) {
	writeJSON(w, code, errorResponse{
		Error:     kind,
		Message:   message,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}
