package api

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in the error field of every error body. Rejections
// by the auth middleware use its own bodies.
const (
	ErrCodeNotFound        = "not_found"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeConflict        = "conflict"
	ErrCodeInternalError   = "internal_error"
	ErrCodeServiceUnavail  = "service_unavailable"
	ErrCodeNotImplemented  = "not_implemented"
	ErrCodeInvalidWorkflow = "invalid_workflow"
	ErrCodeRunFinished     = "run_finished"

	// ErrCodeUpstream covers a cluster scheduler or report store that
	// failed or did not answer in time.
	ErrCodeUpstream = "upstream_error"
)

var statusCodes = map[int]string{
	http.StatusNotFound:           ErrCodeNotFound,
	http.StatusBadRequest:         ErrCodeBadRequest,
	http.StatusConflict:           ErrCodeConflict,
	http.StatusServiceUnavailable: ErrCodeServiceUnavail,
	http.StatusBadGateway:         ErrCodeUpstream,
	http.StatusGatewayTimeout:     ErrCodeUpstream,
	http.StatusNotImplemented:     ErrCodeNotImplemented,
}

// errorCode returns the default code for an HTTP status.
func errorCode(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternalError
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

type requestIDContextKey struct{}

// RequestIDKey holds the request ID set by the request ID middleware.
var RequestIDKey = requestIDContextKey{}

// requestID returns the ID stamped by the middleware, falling back to the
// X-Request-ID header for handlers mounted outside it.
func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	id := requestID(r)
	if id != "" {
		w.Header().Set("X-Request-ID", id)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: id,
	})
}
