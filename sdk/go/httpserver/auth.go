// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken passes requests through to next only if they carry
// an "Authorization: Bearer {token}" header. If token is empty, all
// requests are passed through.
func RequireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		switch {
		case !ok || got == "":
			Error(w, "authorization required", http.StatusUnauthorized)
		case subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1:
			Error(w, "authorization error", http.StatusForbidden)
		default:
			next.ServeHTTP(w, req)
		}
	})
}
