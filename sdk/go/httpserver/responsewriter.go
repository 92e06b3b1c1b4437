// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"
)

// ResponseWriter is an http.ResponseWriter that remembers what was
// sent.
type ResponseWriter interface {
	http.ResponseWriter
	WroteStatus() int
	WroteBodyBytes() int
	// Time of the first WriteHeader or Write call.
	WroteAt() time.Time
}

type responseWriter struct {
	http.ResponseWriter
	wroteStatus    int
	wroteBodyBytes int
	wroteAt        time.Time
}

// WrapResponseWriter returns a ResponseWriter that passes calls
// through to w.
func WrapResponseWriter(w http.ResponseWriter) ResponseWriter {
	if rw, ok := w.(ResponseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = code
		w.wroteAt = time.Now()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.wroteStatus == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(data)
	w.wroteBodyBytes += n
	return n, err
}

func (w *responseWriter) WroteStatus() int            { return w.wroteStatus }
func (w *responseWriter) WroteBodyBytes() int         { return w.wroteBodyBytes }
func (w *responseWriter) WroteAt() time.Time          { return w.wroteAt }
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
