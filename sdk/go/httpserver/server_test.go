// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct{}

func (s *ServerSuite) TestStartClose(c *check.C) {
	srv := &Server{Addr: "127.0.0.1:0"}
	srv.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("pong"))
	})
	c.Check(srv.Wait(), check.IsNil)
	c.Assert(srv.Start(), check.IsNil)
	c.Check(srv.Addr, check.Not(check.Equals), "127.0.0.1:0")
	resp, err := http.Get("http://" + srv.Addr + "/")
	c.Assert(err, check.IsNil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(string(body), check.Equals, "pong")
	c.Check(srv.Close(), check.IsNil)
	_, err = http.Get("http://" + srv.Addr + "/")
	c.Check(err, check.NotNil)
}

func (s *ServerSuite) TestRequireToken(c *check.C) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {})
	for _, trial := range []struct {
		token  string
		header string
		code   int
	}{
		{"", "", http.StatusOK},
		{"", "Bearer x", http.StatusOK},
		{"secret", "", http.StatusUnauthorized},
		{"secret", "Bearer ", http.StatusUnauthorized},
		{"secret", "Basic c2VjcmV0", http.StatusUnauthorized},
		{"secret", "Bearer wrong", http.StatusForbidden},
		{"secret", "Bearer secret", http.StatusOK},
	} {
		req := httptest.NewRequest("GET", "/metrics", nil)
		if trial.header != "" {
			req.Header.Set("Authorization", trial.header)
		}
		resp := httptest.NewRecorder()
		RequireToken(trial.token, ok).ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, trial.code, check.Commentf("%+v", trial))
	}
}

func (s *ServerSuite) TestWriteError(c *check.C) {
	resp := httptest.NewRecorder()
	resp.Header().Set(HeaderRequestID, "req-1234")
	WriteError(resp, WithStatus(http.StatusConflict, fmt.Errorf("job %q is already running", "compute")))
	c.Check(resp.Code, check.Equals, http.StatusConflict)
	c.Check(resp.Body.String(), check.Equals, `{"error":"job \"compute\" is already running","request_id":"req-1234"}`+"\n")

	resp = httptest.NewRecorder()
	WriteError(resp, errors.New("oops"))
	c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
	c.Check(resp.Body.String(), check.Equals, `{"error":"oops"}`+"\n")

	wrapped := fmt.Errorf("read payload: %w", WithStatus(http.StatusBadRequest, io.EOF))
	c.Check(errors.Is(wrapped, io.EOF), check.Equals, true)
	c.Check(StatusOf(wrapped, 0), check.Equals, http.StatusBadRequest)
}

func (s *ServerSuite) TestMetrics(c *check.C) {
	reg := prometheus.NewRegistry()
	h := Instrument(reg, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}
	n, err := testutil.GatherAndCount(reg, "dna_http_requests_total")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 1)

	resp := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Authorization", "Bearer tok")
	MetricsHandler(reg, "tok", nil).ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(strings.Contains(resp.Body.String(), `dna_http_requests_total{code="202",method="get"} 3`), check.Equals, true)
}
