// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]Handler{
	"echo": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	}),
	"nested": Multi(map[string]Handler{
		"ping": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
			fmt.Fprintln(stdout, prog)
			return 0
		}),
	}),
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestHelloViaProg(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("/usr/local/bin/bourreau-echo", []string{"hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestNested(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"nested", "ping"}, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "prog nested ping\n")
}

func (s *CmdSuite) TestUnrecognized(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"bogus"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms)prog: unrecognized command "bogus".*echo.*nested ping.*`)
}

func (s *CmdSuite) TestVersion(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := Version.RunCommand("bourreau version", nil, nil, stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `bourreau dev \(go.*\)\n`)
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	resource := flags.Int64("resource", 0, "")
	stderr := bytes.NewBuffer(nil)
	ok, code := ParseFlags(flags, "prog", []string{"-resource", "3", "extra"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `unrecognized command line arguments.*`)

	ok, code = ParseFlags(flags, "prog", []string{"-resource", "3", "extra"}, "task-id", stderr)
	c.Check(ok, check.Equals, true)
	c.Check(code, check.Equals, 0)
	c.Check(*resource, check.Equals, int64(3))
	c.Check(flags.Args(), check.DeepEquals, []string{"extra"})

	stderr.Reset()
	ok, code = ParseFlags(flags, "prog", []string{"-help"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms)Usage.*prog.*-resource.*`)

	for _, trial := range []struct {
		args       []string
		positional string
		ok         bool
	}{
		{[]string{"recover", "7"}, "action task-id [phase]", true},
		{[]string{"recover", "7", "Setup"}, "action task-id [phase]", true},
		{[]string{"recover"}, "action task-id [phase]", false},
		{[]string{"recover", "7", "Setup", "x"}, "action task-id [phase]", false},
		{[]string{}, "userfile-id", false},
		{[]string{"1", "2", "3"}, "userfile-id...", true},
		{[]string{}, "userfile-id...", false},
		{[]string{}, "[userfile-id...]", true},
	} {
		stderr.Reset()
		ok, code := ParseFlags(flag.NewFlagSet("", flag.ContinueOnError), "prog", trial.args, trial.positional, stderr)
		c.Check(ok, check.Equals, trial.ok, check.Commentf("%+v", trial))
		if !trial.ok {
			c.Check(code, check.Equals, 2)
			c.Check(stderr.String(), check.Equals, "Usage: prog [options] "+trial.positional+"\n")
		}
	}
}
