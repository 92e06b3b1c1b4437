// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gcsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"git.arvados.org/dna.git/lib/dispatch/test"
	"git.arvados.org/dna.git/lib/storagesweep"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/dna"
	"google.golang.org/api/googleapi"
	storage "google.golang.org/api/storage/v1"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&GCSSuite{})

// storageStub serves bucket listings two objects per page. The page
// token is the last name on the previous page, so deleting listed
// objects does not skip any.
type storageStub struct {
	mtx     sync.Mutex
	objects map[string]*storage.Object
	fields  []string
}

func (api *storageStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.mtx.Lock()
	defer api.mtx.Unlock()
	w.Header().Set("Content-Type", "application/json")
	i := strings.Index(r.URL.Path, "/b/testbucket/o")
	if i < 0 {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"The specified bucket does not exist."}}`)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path[i+len("/b/testbucket/o"):], "/")
	switch {
	case r.Method == "GET" && rest == "":
		api.fields = append(api.fields, r.FormValue("fields"))
		var names []string
		for name := range api.objects {
			names = append(names, name)
		}
		sort.Strings(names)
		var page storage.Objects
		for _, name := range names {
			if name <= r.FormValue("pageToken") {
				continue
			} else if len(page.Items) == 2 {
				page.NextPageToken = page.Items[1].Name
				break
			}
			page.Items = append(page.Items, api.objects[name])
		}
		json.NewEncoder(w).Encode(page)
	case r.Method == "DELETE" && rest != "":
		if _, ok := api.objects[rest]; !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"No such object."}}`)
			return
		}
		delete(api.objects, rest)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"unexpected request"}}`)
	}
}

type GCSSuite struct {
	srv   *httptest.Server
	api   *storageStub
	store storagesweep.ObjectStore
}

func (s *GCSSuite) SetUpTest(c *check.C) {
	s.api = &storageStub{objects: map[string]*storage.Object{
		"a.csv":     {Name: "a.csv", Size: 10, Updated: "2024-03-01T10:00:00.123Z"},
		"b.csv":     {Name: "b.csv", Size: 20, Updated: "2024-03-02T10:00:00Z"},
		"dir/c.csv": {Name: "dir/c.csv", Size: 30, Updated: "2024-03-03T10:00:00Z"},
	}}
	s.srv = httptest.NewServer(s.api)
	var err error
	s.store, err = Driver.ObjectStore(json.RawMessage(`{"Endpoint":"`+s.srv.URL+`/","WithoutAuthentication":true,"PageSize":2}`), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
}

func (s *GCSSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *GCSSuite) TestList(c *check.C) {
	var pages [][]storagesweep.Object
	err := s.store.List(context.Background(), "testbucket", func(objs []storagesweep.Object) error {
		pages = append(pages, objs)
		return nil
	})
	c.Assert(err, check.IsNil)
	c.Assert(pages, check.HasLen, 2)
	c.Check(pages[0], check.DeepEquals, []storagesweep.Object{
		{Name: "a.csv", Size: 10, Updated: time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.UTC)},
		{Name: "b.csv", Size: 20, Updated: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)},
	})
	c.Check(pages[1], check.HasLen, 1)
	c.Check(pages[1][0].Name, check.Equals, "dir/c.csv")
	c.Check(s.api.fields[0], check.Matches, `.*items\(name,size,updated\).*`)
}

func (s *GCSSuite) TestListStopsOnError(c *check.C) {
	calls := 0
	err := s.store.List(context.Background(), "testbucket", func(objs []storagesweep.Object) error {
		calls++
		return fmt.Errorf("stop")
	})
	c.Check(err, check.ErrorMatches, `stop`)
	c.Check(calls, check.Equals, 1)
}

func (s *GCSSuite) TestListMissingBucket(c *check.C) {
	err := s.store.List(context.Background(), "nobucket", func([]storagesweep.Object) error { return nil })
	var gerr *googleapi.Error
	c.Assert(errors.As(err, &gerr), check.Equals, true, check.Commentf("%T %s", err, err))
	c.Check(gerr.Code, check.Equals, http.StatusNotFound)
}

func (s *GCSSuite) TestDelete(c *check.C) {
	ctx := context.Background()
	c.Check(s.store.Delete(ctx, "testbucket", "dir/c.csv"), check.IsNil)
	c.Check(s.api.objects, check.HasLen, 2)
	c.Check(s.store.Delete(ctx, "testbucket", "dir/c.csv"), check.NotNil)
}

func (s *GCSSuite) TestSweep(c *check.C) {
	st := &test.Store{Buckets: []dna.BucketCleanup{{Bucket: "testbucket", LookbackDays: 2}}}
	report, err := storagesweep.New(st, s.store, ctxlog.TestLogger(c)).Sweep(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(report, check.Equals, storagesweep.Report{Buckets: 1, Scanned: 3, Deleted: 3, DeletedBytes: 60})
	c.Check(s.api.objects, check.HasLen, 0)
}
