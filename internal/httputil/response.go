// Package httputil provides JSON response helpers shared by API handlers.
package httputil

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Error codes returned in the structured error body.
const (
	CodeInvalidParameter = "invalid_parameter"
	CodeMissingParameter = "missing_parameter"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeStoreUnavailable = "store_unavailable"
	CodeInternal         = "internal_error"
)

// ErrorBody is the wire format for API errors:
// {"error":{"code":..., "message":..., "field":...}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable error code, a human message, and
// the offending parameter name when validation fails.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Envelope wraps successful responses with the server timestamp and request
// correlation id every endpoint must carry.
type Envelope struct {
	ServerTime string `json:"server_time"`
	RequestID  string `json:"request_id"`
	Data       any    `json:"data"`
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// WriteEnveloped writes a 200 response wrapped in the standard envelope.
func WriteEnveloped(w http.ResponseWriter, requestID string, data any) {
	WriteJSON(w, http.StatusOK, Envelope{
		ServerTime: time.Now().UTC().Format(time.RFC3339),
		RequestID:  requestID,
		Data:       data,
	})
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, code, msg, field, requestID string) {
	WriteJSON(w, status, ErrorBody{Error: ErrorDetail{
		Code:      code,
		Message:   msg,
		Field:     field,
		RequestID: requestID,
	}})
}

// BadRequest writes a 400 response for a failed parameter validation.
func BadRequest(w http.ResponseWriter, msg, field, requestID string) {
	WriteError(w, http.StatusBadRequest, CodeInvalidParameter, msg, field, requestID)
}

// MethodNotAllowed writes a 405 response.
func MethodNotAllowed(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", "", requestID)
}

// NotFound writes a 404 response.
func NotFound(w http.ResponseWriter, msg, requestID string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, msg, "", requestID)
}

// InternalServerError writes a 500 response. The request id gives operators
// something to grep for in the logs.
func InternalServerError(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusInternalServerError, CodeInternal, "internal server error", "", requestID)
}

// StoreUnavailable writes a 503 response used when the relational store is
// unreachable.
func StoreUnavailable(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusServiceUnavailable, CodeStoreUnavailable, "store unavailable", "", requestID)
}
