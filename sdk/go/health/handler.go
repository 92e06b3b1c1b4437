// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves health check endpoints like /_health/ping.
package health

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Func returns nil when healthy.
type Func func() error

// Routes maps check names (the last path element of the request
// URL) to health check functions.
type Routes map[string]Func

// Response is the JSON body sent by Handler.
type Response struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

// Handler responds to GET {Prefix}{name} with {"health":"OK"} (200)
// or {"health":"ERROR","error":"..."} (503), depending on the result
// of Routes[name].
//
// A "ping" route that always succeeds is provided unless Routes
// has its own.
type Handler struct {
	// If not empty, requests must carry an "Authorization:
	// Bearer {Token}" header.
	Token string

	// Typically "/_health/".
	Prefix string

	Routes Routes

	// If not nil, called after each request with the check name
	// and the check's error (or the reason the check was not
	// run).
	Log func(r *http.Request, name string, err error)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	name, ok := strings.CutPrefix(r.URL.Path, prefix)
	fn := h.Routes[name]
	if fn == nil && name == "ping" {
		fn = func() error { return nil }
	}
	if !ok || fn == nil {
		h.log(r, name, errNotFound)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.log(r, name, errMethod)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Token != "" {
		switch r.Header.Get("Authorization") {
		case "":
			h.log(r, name, errUnauthorized)
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		case "Bearer " + h.Token:
		default:
			h.log(r, name, errForbidden)
			http.Error(w, "authorization error", http.StatusForbidden)
			return
		}
	}
	resp := Response{Health: "OK"}
	code := http.StatusOK
	err := fn()
	if err != nil {
		resp = Response{Health: "ERROR", Error: err.Error()}
		code = http.StatusServiceUnavailable
	}
	h.log(r, name, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) log(r *http.Request, name string, err error) {
	if h.Log != nil {
		h.Log(r, name, err)
	}
}

type statusError int

func (e statusError) Error() string { return http.StatusText(int(e)) }

var (
	errNotFound     error = statusError(http.StatusNotFound)
	errMethod       error = statusError(http.StatusMethodNotAllowed)
	errUnauthorized error = statusError(http.StatusUnauthorized)
	errForbidden    error = statusError(http.StatusForbidden)
)
