// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstatus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"

	"git.arvados.org/dna.git/lib/gcpauth"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BigQuerySuite{})

type BigQuerySuite struct {
	srv       *httptest.Server
	locations []string
}

var stubJobs = map[string]string{
	"job_done":    `{"id":"p:job_done","status":{"state":"DONE"}}`,
	"job_running": `{"id":"p:job_running","status":{"state":"RUNNING"}}`,
	"job_failed": `{"id":"p:job_failed","status":{"state":"DONE",
		"errorResult":{"reason":"invalidQuery","message":"Syntax error"},
		"errors":[{"reason":"invalidQuery","message":"Syntax error"},{"reason":"stopped","message":"Job stopped"}]}}`,
}

func (s *BigQuerySuite) SetUpTest(c *check.C) {
	s.locations = nil
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := strings.Index(r.URL.Path, "projects/")
		if i < 0 || r.Method != "GET" {
			http.Error(w, `{"error":{"code":400,"message":"bad request"}}`, http.StatusBadRequest)
			return
		}
		parts := strings.Split(r.URL.Path[i:], "/")
		if len(parts) != 4 || parts[1] != "test-project" || parts[2] != "jobs" {
			http.Error(w, `{"error":{"code":400,"message":"bad path"}}`, http.StatusBadRequest)
			return
		}
		s.locations = append(s.locations, r.URL.Query().Get("location"))
		body, ok := stubJobs[parts[3]]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"message":"Not found: Job test-project:` + parts[3] + `"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func (s *BigQuerySuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *BigQuerySuite) source(c *check.C, location string) *BigQuerySource {
	src, err := NewBigQuerySource(context.Background(), gcpauth.Config{
		Endpoint:              s.srv.URL + "/",
		WithoutAuthentication: true,
	}, "test-project", location, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	return src
}

func (s *BigQuerySuite) TestJob(c *check.C) {
	ctx := context.Background()
	src := s.source(c, "EU")
	js, err := src.Job(ctx, "job_done")
	c.Assert(err, check.IsNil)
	c.Check(js, check.DeepEquals, JobState{State: "DONE"})

	js, err = src.Job(ctx, "job_running")
	c.Assert(err, check.IsNil)
	c.Check(js.State, check.Equals, "RUNNING")
	c.Check(js.Failed, check.Equals, false)

	js, err = src.Job(ctx, "job_failed")
	c.Assert(err, check.IsNil)
	c.Check(js.Failed, check.Equals, true)
	c.Check(js.Errors, check.DeepEquals, []string{"invalidQuery: Syntax error", "stopped: Job stopped"})

	c.Check(s.locations, check.DeepEquals, []string{"EU", "EU", "EU"})
}

func (s *BigQuerySuite) TestNotFound(c *check.C) {
	_, err := s.source(c, "").Job(context.Background(), "job_missing")
	c.Check(errors.Is(err, ErrJobNotFound), check.Equals, true)
	c.Check(s.locations, check.DeepEquals, []string{""})
}
