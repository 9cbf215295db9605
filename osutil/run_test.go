// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2025 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package osutil_test

import (
	"errors"
	"fmt"
	"strings"

	. "gopkg.in/check.v1"

	"github.com/canonical/imagecraft/osutil"
	"github.com/canonical/imagecraft/testutil"
)

type runSuite struct {
	testutil.BaseTest
}

var _ = Suite(&runSuite{})

func (s *runSuite) TestRunOutput(c *C) {
	cmd := testutil.MockCommand(c, "frob", `echo "out $*"; echo diag >&2`)
	s.AddCleanup(cmd.Restore)

	out, err := osutil.Run("frob", "a", "b c")
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, "out a b c\n")
	c.Check(cmd.Calls(), DeepEquals, [][]string{{"frob", "a", "b c"}})
}

func (s *runSuite) TestRunDiag(c *C) {
	cmd := testutil.MockCommand(c, "frob", `echo out; echo diag >&2`)
	s.AddCleanup(cmd.Restore)

	out, diag, err := osutil.RunDiag("frob")
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, "out\n")
	c.Check(string(diag), Equals, "diag\n")
}

func (s *runSuite) TestRunFailure(c *C) {
	cmd := testutil.MockCommand(c, "frob", `echo "bad things" >&2; exit 3`)
	s.AddCleanup(cmd.Restore)

	_, err := osutil.Run("frob", "--flag")
	c.Assert(err, ErrorMatches, `"frob --flag" failed with exit status 3: bad things`)
	var tf *osutil.ToolFailure
	c.Assert(errors.As(err, &tf), Equals, true)
	c.Check(tf.Cmd, DeepEquals, []string{"frob", "--flag"})
	c.Check(tf.ExitStatus, Equals, 3)
	c.Check(string(tf.Stderr), Equals, "bad things\n")
}

func (s *runSuite) TestRunFailureNoDiagnostic(c *C) {
	cmd := testutil.MockCommand(c, "frob", `exit 1`)
	s.AddCleanup(cmd.Restore)

	_, err := osutil.Run("frob")
	c.Assert(err, ErrorMatches, `"frob" failed with exit status 1: no diagnostic output`)
}

func (s *runSuite) TestRunMissing(c *C) {
	_, err := osutil.Run("imagecraft-no-such-tool")
	c.Assert(err, ErrorMatches, `cannot find "imagecraft-no-such-tool" in PATH`)
	c.Check(osutil.IsToolMissing(err, "imagecraft-no-such-tool"), Equals, true)
	c.Check(osutil.IsToolMissing(err, "other"), Equals, false)
	c.Check(osutil.IsToolMissing(fmt.Errorf("wrapped: %w", err), "imagecraft-no-such-tool"), Equals, true)
	c.Check(osutil.IsToolMissing(nil, "imagecraft-no-such-tool"), Equals, false)
}

func (s *runSuite) TestRunWithStdin(c *C) {
	cmd := testutil.MockCommand(c, "frob", `cat`)
	s.AddCleanup(cmd.Restore)

	out, err := osutil.RunWithStdin(strings.NewReader("label: gpt\n"), "frob")
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, "label: gpt\n")
}

func (s *runSuite) TestRunWithEnv(c *C) {
	cmd := testutil.MockCommand(c, "frob", `echo "$FROB_MODE"`)
	s.AddCleanup(cmd.Restore)

	out, err := osutil.RunWithEnv([]string{"FROB_MODE=quick"}, "frob")
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, "quick\n")
}

func (s *runSuite) TestOutputErr(c *C) {
	def := errors.New("default")
	c.Check(osutil.OutputErr(nil, def), Equals, def)
	c.Check(osutil.OutputErr([]byte("  \n"), def), Equals, def)
	c.Check(osutil.OutputErr([]byte("one line\n"), def), ErrorMatches, "one line")
	c.Check(osutil.OutputErr([]byte("first\nsecond\n"), def), ErrorMatches, "\n-----\nfirst\nsecond\n-----")
}
