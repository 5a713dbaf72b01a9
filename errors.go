package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/example/magiclink/internal/magiclink"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

var kindStatus = map[magiclink.Kind]int{
	magiclink.KindNotFound:           http.StatusNotFound,
	magiclink.KindForbidden:          http.StatusForbidden,
	magiclink.KindExpired:            http.StatusGone,
	magiclink.KindIneligible:         http.StatusUnprocessableEntity,
	magiclink.KindInvalidInput:       http.StatusBadRequest,
	magiclink.KindStorageUnavailable: http.StatusServiceUnavailable,
}

// writeEngineError maps an engine error onto the error envelope. The code is
// the error reason so clients can tell a banned address from a bad token.
// Storage details stay in the log.
func writeEngineError(w http.ResponseWriter, err error) {
	var e *magiclink.Error
	if !errors.As(err, &e) {
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}
	status, ok := kindStatus[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := e.Reason
	switch e.Kind {
	case magiclink.KindInvalidInput:
		if e.Err != nil {
			msg = e.Err.Error()
		}
	case magiclink.KindStorageUnavailable:
		log.Printf("storage error: %v", err)
		msg = "Storage temporarily unavailable"
	}
	writeError(w, status, e.Reason, msg)
}
