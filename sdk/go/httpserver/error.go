// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorResponse is the JSON body of an error response. RequestID is
// copied from the response's X-Request-Id header, if set.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type statusError struct {
	error
	status int
}

func (se statusError) Unwrap() error { return se.error }

// WithStatus returns an error that wraps err and is reported by
// WriteError with the given HTTP status.
func WithStatus(status int, err error) error {
	return statusError{err, status}
}

// StatusOf returns the status attached to err (or an error it wraps)
// by WithStatus, or fallback if there is none.
func StatusOf(err error, fallback int) int {
	var se statusError
	if errors.As(err, &se) {
		return se.status
	}
	return fallback
}

// Error sends a JSON error response.
func Error(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     msg,
		RequestID: w.Header().Get(HeaderRequestID),
	})
}

// WriteError sends err as a JSON error response, with 500 status
// unless err was wrapped by WithStatus.
func WriteError(w http.ResponseWriter, err error) {
	Error(w, err.Error(), StatusOf(err, http.StatusInternalServerError))
}
