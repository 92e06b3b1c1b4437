// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides HTTP server plumbing shared by dna
// services: a server with a resolved listening address, request IDs,
// request logging, token checks, metrics, and JSON error responses.
package httpserver

import (
	"errors"
	"net"
	"net/http"
	"sync"
)

// Server is an http.Server that can be started and stopped from
// tests. After Start returns, Addr is the address the server is
// actually listening on, which makes ":0" useful.
type Server struct {
	http.Server
	Addr string

	mtx      sync.Mutex
	listener net.Listener
	done     chan struct{}
	err      error
}

// Start listens on srv.Addr and starts serving in the background.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.mtx.Lock()
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	srv.mtx.Unlock()
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		srv.mtx.Lock()
		srv.err = err
		srv.mtx.Unlock()
		close(srv.done)
	}()
	return nil
}

// Close stops the server and waits for Serve to return.
func (srv *Server) Close() error {
	srv.Server.Close()
	return srv.Wait()
}

// Wait blocks until the server stops, and returns the error (if
// any) that stopped it. It returns nil right away if the server was
// never started.
func (srv *Server) Wait() error {
	srv.mtx.Lock()
	done := srv.done
	srv.mtx.Unlock()
	if done == nil {
		return nil
	}
	<-done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}
