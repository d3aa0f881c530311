// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package bourreau

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TaskSuite{})

type TaskSuite struct{}

func (s *TaskSuite) TestScanPrerequisites(c *check.C) {
	var p Prerequisites
	err := p.Scan([]byte(`{"for_setup":{"12":"Completed","14":"Data Ready"}}`))
	c.Assert(err, check.IsNil)
	c.Check(p[ForSetup], check.DeepEquals, map[int64]TaskStatus{12: StatusCompleted, 14: StatusDataReady})
	c.Check(p[ForPostProcessing], check.HasLen, 0)

	err = p.Scan(nil)
	c.Check(err, check.IsNil)
	c.Check(p, check.HasLen, 0)

	err = p.Scan(42)
	c.Check(err, check.NotNil)
}

func (s *TaskSuite) TestParams(c *check.C) {
	var p Params
	c.Assert(p.Scan(`{"command":"true","inputs":[3,"4"],"fail_post":true,"bad":[{}]}`), check.IsNil)
	c.Check(p.String("command"), check.Equals, "true")
	c.Check(p.String("missing"), check.Equals, "")
	c.Check(p.Bool("fail_post"), check.Equals, true)
	ids, err := p.Int64s("inputs")
	c.Check(err, check.IsNil)
	c.Check(ids, check.DeepEquals, []int64{3, 4})
	ids, err = p.Int64s("missing")
	c.Check(err, check.IsNil)
	c.Check(ids, check.IsNil)
	_, err = p.Int64s("bad")
	c.Check(err, check.ErrorMatches, `param "bad": unexpected element .*`)
	_, err = p.Int64s("command")
	c.Check(err, check.ErrorMatches, `param "command": expected a list.*`)
}

func (s *TaskSuite) TestJobName(c *check.C) {
	t := Task{ID: 7, RunNumber: 2}
	c.Check(t.JobName(), check.Equals, "T7-2")
}

func (s *TaskSuite) TestDuration(c *check.C) {
	var v struct {
		D Duration
	}
	c.Check(json.Unmarshal([]byte(`{"D":"90m"}`), &v), check.IsNil)
	c.Check(v.D.Duration(), check.Equals, 90*time.Minute)
	c.Check(v.D.String(), check.Equals, "1h30m")
	c.Check(json.Unmarshal([]byte(`{"D":12}`), &v), check.ErrorMatches, `missing unit.*`)
	buf, err := json.Marshal(Duration(time.Hour))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `"1h"`)
}
