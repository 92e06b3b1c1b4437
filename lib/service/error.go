// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"net/http"

	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/httpserver"
)

// ErrorHandler returns a Handler for a service that could not be set
// up, typically because a backend was unreachable. It fails its
// health check with err, is already Done, and answers every request
// with 503.
func ErrorHandler(ctx context.Context, err error) Handler {
	ctxlog.FromContext(ctx).WithError(err).Error("service setup failed")
	return setupFailed{err: err}
}

type setupFailed struct {
	err error
}

func (sf setupFailed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.Logger(r).WithError(sf.err).Warn("refusing request: service setup failed")
	httpserver.Error(w, "service setup failed: "+sf.err.Error(), http.StatusServiceUnavailable)
}

func (sf setupFailed) CheckHealth() error {
	return sf.err
}

func (setupFailed) Done() <-chan struct{} {
	return alreadyDone
}

var alreadyDone = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
