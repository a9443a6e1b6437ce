// Package httputil centralizes JSON response and error envelope handling so
// every handler returns the same shape.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "attest/pkg/domain-errors"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into the standard error envelope.
// Internal errors omit the description so store/driver details never leak
// to callers; everything else carries the domain message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeInternal
	var body errorBody

	var e *dErrors.Error
	if errors.As(err, &e) {
		code = e.Code
		if code != dErrors.CodeInternal {
			body.Description = e.Message
		}
	}
	body.Error = string(code)
	WriteJSON(w, dErrors.ToHTTPStatus(code), body)
}
