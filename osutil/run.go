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

package osutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// ToolFailure is returned when an external tool exits with a non-zero
// status.
type ToolFailure struct {
	// Cmd is the command line that was run.
	Cmd []string
	// ExitStatus is the exit status of the tool.
	ExitStatus int
	// Stderr holds the diagnostic output captured from the tool.
	Stderr []byte
}

func (e *ToolFailure) Error() string {
	return fmt.Sprintf("%q failed with exit status %d: %v",
		strings.Join(e.Cmd, " "), e.ExitStatus, OutputErr(e.Stderr, errors.New("no diagnostic output")))
}

// ToolMissing is returned when an external tool cannot be found in PATH.
type ToolMissing struct {
	Name string
}

func (e *ToolMissing) Error() string {
	return fmt.Sprintf("cannot find %q in PATH", e.Name)
}

// IsToolMissing returns true when err is, or wraps, a ToolMissing error for
// the given tool name.
func IsToolMissing(err error, name string) bool {
	var tm *ToolMissing
	return errors.As(err, &tm) && tm.Name == name
}

// OutputErr formats an error based on output if it's not empty, otherwise
// it returns the error as is.
func OutputErr(output []byte, err error) error {
	output = bytes.TrimSpace(output)
	if len(output) > 0 {
		if bytes.Contains(output, []byte{'\n'}) {
			err = fmt.Errorf("\n-----\n%s\n-----", output)
		} else {
			err = fmt.Errorf("%s", output)
		}
	}
	return err
}

// Run runs the given tool and returns its standard output. The standard
// error of the tool is captured and carried in the returned *ToolFailure
// when the tool fails.
func Run(name string, args ...string) ([]byte, error) {
	stdout, _, err := run(nil, nil, name, args...)
	return stdout, err
}

// RunWithStdin is like Run but feeds stdin to the tool.
func RunWithStdin(stdin io.Reader, name string, args ...string) ([]byte, error) {
	stdout, _, err := run(stdin, nil, name, args...)
	return stdout, err
}

// RunWithEnv is like Run but extends the environment of the tool with the
// given "key=value" entries.
func RunWithEnv(env []string, name string, args ...string) ([]byte, error) {
	stdout, _, err := run(nil, env, name, args...)
	return stdout, err
}

// RunDiag runs the given tool and returns both its standard output and its
// diagnostic stream, the latter is returned even when the tool succeeds.
func RunDiag(name string, args ...string) (stdout, stderr []byte, err error) {
	return run(nil, nil, name, args...)
}

func run(stdin io.Reader, env []string, name string, args ...string) (stdout, stderr []byte, err error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, nil, &ToolMissing{Name: name}
	}

	var outBuf, errBuf bytes.Buffer
	cmd := exec.Command(path, args...)
	cmd.Stdin = stdin
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return outBuf.Bytes(), errBuf.Bytes(), &ToolFailure{
				Cmd:        append([]string{name}, args...),
				ExitStatus: exitErr.ExitCode(),
				Stderr:     errBuf.Bytes(),
			}
		}
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("cannot run %q: %v", name, err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}
