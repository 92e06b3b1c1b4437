// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// LogRequests logs each request when it arrives and again when the
// response is done. The request's context carries a logger with the
// request fields, so handlers can use ctxlog.FromContext or Logger.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		t0 := time.Now()
		w := WrapResponseWriter(wrapped)
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqQuery":        req.URL.RawQuery,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		lgr.Debug("request")
		defer func() {
			code := w.WroteStatus()
			if code == 0 {
				code = http.StatusOK
			}
			fields := logrus.Fields{
				"respStatusCode": code,
				"respStatus":     http.StatusText(code),
				"respBytes":      w.WroteBodyBytes(),
				"timeTotal":      time.Since(t0).Seconds(),
			}
			if at := w.WroteAt(); !at.IsZero() {
				fields["timeToStatus"] = at.Sub(t0).Seconds()
			}
			lgr := lgr.WithFields(fields)
			if code >= 500 {
				lgr.Warn("response")
			} else {
				lgr.Info("response")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

// Logger returns the request's logger, as set up by LogRequests.
func Logger(req *http.Request) logrus.FieldLogger {
	return ctxlog.FromContext(req.Context())
}
