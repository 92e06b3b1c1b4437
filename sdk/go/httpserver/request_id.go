// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderRequestID is the request header that carries the request ID.
const HeaderRequestID = "X-Request-Id"

// NewRequestID returns a string like "req-0f3b9c2d8e7a41b5a6c4".
func NewRequestID() string {
	return "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// AddRequestIDs adds an X-Request-Id header to each request that
// doesn't already have one, and echoes it in the response.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(HeaderRequestID)
		if id == "" {
			id = NewRequestID()
			req.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		h.ServeHTTP(w, req)
	})
}
