// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.arvados.org/dna.git/lib/cloud"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

type suite struct{}

var _ = check.Suite(&suite{})

func (*suite) TestCreateListDestroy(c *check.C) {
	ctx := context.Background()
	is, err := Driver.InstanceSet(json.RawMessage(`{"MaxInstances":2}`), "", ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer is.Stop()

	cfg := cloud.InstanceConfig{Name: "a", Zone: "z1", MachineType: "small", Labels: map[string]string{"dna-tier": "l0"}}
	c.Assert(is.Create(ctx, cfg), check.IsNil)
	cfg.Name, cfg.Labels = "b", map[string]string{"dna-tier": "l1"}
	c.Assert(is.Create(ctx, cfg), check.IsNil)

	// Third instance exceeds MaxInstances.
	cfg.Name = "c"
	err = is.Create(ctx, cfg)
	c.Check(cloud.IsQuotaError(err), check.Equals, true, check.Commentf("expect cloud.QuotaError, got %#v", err))

	list, err := is.Instances(ctx, "z1", map[string]string{"dna-tier": "l0"})
	c.Assert(err, check.IsNil)
	c.Assert(list, check.HasLen, 1)
	c.Check(list[0].Name, check.Equals, "a")
	c.Check(list[0].MachineType, check.Equals, "small")

	list, err = is.Instances(ctx, "z2", nil)
	c.Assert(err, check.IsNil)
	c.Check(list, check.HasLen, 0)

	c.Check(is.Destroy(ctx, "a", "z1"), check.IsNil)
	err = is.Destroy(ctx, "a", "z1")
	c.Check(errors.Is(err, cloud.ErrNotFound), check.Equals, true)
}

func (*suite) TestCommand(c *check.C) {
	ctx := context.Background()
	out := filepath.Join(c.MkDir(), "env")
	params, _ := json.Marshal(map[string]interface{}{
		"Command": []string{"sh", "-c", `echo "$DNA_META_CE_ENTITY_ID $DNA_META_LEVEL $DNA_INSTANCE_NAME" >` + out},
	})
	is, err := Driver.InstanceSet(params, "", ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer is.Stop()
	err = is.Create(ctx, cloud.InstanceConfig{
		Name:     "dna-machine-l0-0-abc",
		Zone:     "z1",
		Metadata: []cloud.MetadataItem{{Key: "ce-entity-id", Value: "12"}, {Key: "level", Value: "l0"}},
	})
	c.Assert(err, check.IsNil)

	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		list, err := is.Instances(ctx, "z1", nil)
		c.Assert(err, check.IsNil)
		c.Assert(list, check.HasLen, 1)
		if list[0].Status == "TERMINATED" {
			break
		}
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for command to exit")
		}
	}
	buf, err := os.ReadFile(out)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "12 l0 dna-machine-l0-0-abc\n")
}
