// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("bourreau config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: .*`)
}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
ManagementToken: secret
Resources:
  "5":
    ClusterType: lsf
`
	code := DumpCommand.RunCommand("bourreau config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n  "5":\n.*ClusterType: lsf\n.*`)
}

func (s *CommandSuite) TestCheckUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
ManagementToken: secret
UnknownKey: foobar
`
	code := CheckCommand.RunCommand("bourreau config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*UnknownKey.*`)
	c.Check(stdout.String(), check.Equals, "")
}

func (s *CommandSuite) TestCheckExclusiveLockNeedsPostgres(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
ManagementToken: secret
Database: {Driver: sqlite}
Resources: {"2": {ExclusiveLock: true}}
`
	code := CheckCommand.RunCommand("bourreau config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `Resources.2.ExclusiveLock requires Database.Driver: postgres\n`)
}

func (s *CommandSuite) TestCheckOK(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("bourreau config-check", []string{"-config", "-"}, bytes.NewBufferString("ManagementToken: secret\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("bourreau config-defaults", nil, nil, &stdout, nil)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*SleepModeDuration: 1h.*`)
}
