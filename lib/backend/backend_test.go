// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"git.arvados.org/dna.git/lib/cloud"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/alicebob/miniredis/v2"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&BackendSuite{})

type BackendSuite struct{}

func (s *BackendSuite) TestUnsupportedDrivers(c *check.C) {
	logger := ctxlog.TestLogger(c)
	cfg := &dna.Config{}
	cfg.Compute.Driver = "azure"
	cfg.Queue.Driver = "sqs"
	cfg.Store.Driver = "sqlite"
	cfg.Storage.Driver = "azblob"
	_, err := NewInstanceSet(cfg, logger)
	c.Check(err, check.ErrorMatches, `unsupported compute driver "azure"`)
	_, err = NewQueue(cfg, logger)
	c.Check(err, check.ErrorMatches, `unsupported queue driver "sqs"`)
	_, err = NewStore(cfg, logger)
	c.Check(err, check.ErrorMatches, `unsupported store driver "sqlite"`)
	_, err = NewObjectStore(cfg, logger)
	c.Check(err, check.ErrorMatches, `unsupported storage driver "azblob"`)
}

func (s *BackendSuite) TestLoopbackRateLimited(c *check.C) {
	cfg := &dna.Config{}
	cfg.Compute.Driver = "loopback"
	cfg.Compute.MaxCloudOpsPerSecond = 20
	is, err := NewInstanceSet(cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer is.Stop()

	ctx := context.Background()
	t0 := time.Now()
	for _, name := range []string{"a", "b", "c"} {
		err := is.Create(ctx, cloud.InstanceConfig{Name: name, Zone: "z", MachineType: "m", Labels: map[string]string{"dna-tier": "l0"}})
		c.Assert(err, check.IsNil)
	}
	c.Check(time.Since(t0) >= 100*time.Millisecond, check.Equals, true)
	insts, err := is.Instances(ctx, "z", map[string]string{"dna-tier": "l0"})
	c.Assert(err, check.IsNil)
	c.Check(insts, check.HasLen, 3)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	c.Check(is.Destroy(cctx, "a", "z"), check.NotNil)
}

func (s *BackendSuite) TestRedisQueue(c *check.C) {
	mr, err := miniredis.Run()
	c.Assert(err, check.IsNil)
	defer mr.Close()
	cfg := &dna.Config{}
	cfg.Queue.Driver = "redis"
	cfg.Queue.DriverParameters, _ = json.Marshal(map[string]string{"Addr": mr.Addr()})
	q, err := NewQueue(cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer q.Close()
	_, err = q.Enqueue(context.Background(), "q", []byte(`{}`), "")
	c.Assert(err, check.IsNil)
	n, err := q.CountPending(context.Background(), "q")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 1)
}

func (s *BackendSuite) TestWithCredentialsFile(c *check.C) {
	for _, trial := range []struct {
		params string
		file   string
		expect string
	}{
		{``, ``, ``},
		{``, `/k.json`, `{"CredentialsFile":"/k.json"}`},
		{`null`, `/k.json`, `{"CredentialsFile":"/k.json"}`},
		{`{"Location":"x"}`, `/k.json`, `{"CredentialsFile":"/k.json","Location":"x"}`},
		{`{"CredentialsFile":"/mine.json"}`, `/k.json`, `{"CredentialsFile":"/mine.json"}`},
	} {
		out, err := WithCredentialsFile(json.RawMessage(trial.params), trial.file)
		c.Check(err, check.IsNil)
		c.Check(string(out), check.Equals, trial.expect, check.Commentf("%+v", trial))
	}
	_, err := WithCredentialsFile(json.RawMessage(`[]`), "/k.json")
	c.Check(err, check.ErrorMatches, `decode DriverParameters: .*`)
}

func (s *BackendSuite) TestRetryPolicy(c *check.C) {
	cfg := &dna.Config{}
	cfg.Retry.Attempts = 3
	cfg.Retry.InitialDelay = dna.Duration(time.Second)
	p := RetryPolicy(cfg)
	c.Check(p.Attempts, check.Equals, 3)
	c.Check(p.InitialDelay, check.Equals, time.Second)
	c.Check(p.MaxDelay, check.Equals, time.Duration(0))
}
