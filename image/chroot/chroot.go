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

// Package chroot runs registered operations inside a chroot, in a child
// process, while the parent owns the mounts the operation needs.
//
// A Go program cannot fork and keep running Go code in the child, the child
// is the same binary invoked again under a special name. Binaries using
// Execute must call Init first thing in main().
package chroot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/canonical/imagecraft/logger"
	"github.com/canonical/imagecraft/osutil"
	"github.com/canonical/imagecraft/osutil/mount"
)

// childName is the argv[0] of the helper process running an operation.
const childName = "imagecraft-chroot-helper"

// channelFd is the file descriptor the child reports its result on.
const channelFd = 3

var (
	syscallChroot = unix.Chroot
	syscallChdir  = unix.Chdir
	osExit        = os.Exit

	selfExe = "/proc/self/exe"
)

// Operation is run inside the chroot with the arguments given to Execute.
type Operation func(args []string) (string, error)

var (
	operationsMu sync.Mutex
	operations   = make(map[string]Operation)
)

// Register makes the operation available to Execute under the given name.
// It is meant to be called from init().
func Register(name string, op Operation) {
	operationsMu.Lock()
	defer operationsMu.Unlock()
	if _, ok := operations[name]; ok {
		panic(fmt.Sprintf("internal error: chroot operation %q already registered", name))
	}
	operations[name] = op
}

func lookup(name string) (Operation, error) {
	operationsMu.Lock()
	defer operationsMu.Unlock()
	op, ok := operations[name]
	if !ok {
		known := make([]string, 0, len(operations))
		for k := range operations {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown operation %q (known: %v)", name, known)
	}
	return op, nil
}

// ExecutionError is returned when an operation failed in the chroot.
type ExecutionError struct {
	// Op is the name of the operation.
	Op string
	// Text is the failure reported by the child.
	Text string
	// Cleanup holds the failure to release the mounts, if any.
	Cleanup error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("cannot run %q in chroot: %s", e.Op, e.Text)
	if e.Cleanup != nil {
		msg += fmt.Sprintf(" (and %v)", e.Cleanup)
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Cleanup
}

// message is sent once by the child to the parent.
type message struct {
	Result string  `json:"result"`
	Error  *string `json:"error"`
}

// Init runs the requested operation and exits when the process is a chroot
// helper, otherwise it does nothing.
func Init() {
	if len(os.Args) < 3 || os.Args[0] != childName {
		return
	}
	osExit(runChild(os.Args[1], os.Args[2], os.Args[3:]))
	panic("internal error: not reachable")
}

func runChild(base, name string, args []string) int {
	channel := os.NewFile(channelFd, "chroot-channel")
	defer channel.Close()

	var msg message
	result, err := runInChroot(base, name, args)
	if err != nil {
		text := err.Error()
		msg.Error = &text
	} else {
		msg.Result = result
	}
	if err := json.NewEncoder(channel).Encode(&msg); err != nil {
		fmt.Fprintf(os.Stderr, "cannot report chroot result: %v\n", err)
		return 2
	}
	if err != nil {
		return 1
	}
	return 0
}

func runInChroot(base, name string, args []string) (string, error) {
	op, err := lookup(name)
	if err != nil {
		return "", err
	}
	if err := syscallChdir(base); err != nil {
		return "", fmt.Errorf("cannot change directory to %s: %v", base, err)
	}
	if err := syscallChroot(base); err != nil {
		return "", fmt.Errorf("cannot chroot into %s: %v", base, err)
	}
	if err := syscallChdir("/"); err != nil {
		return "", fmt.Errorf("cannot change directory to /: %v", err)
	}
	return op(args)
}

// Execute mounts the given mounts below base, runs the named operation in a
// child process chrooted into base and returns its result. The mounts are
// always released by the calling process, a failure to do so is returned as
// a *mount.CleanupError, or attached to the *ExecutionError when the
// operation failed too.
func Execute(base string, mounts []mount.Mount, op string, args ...string) (string, error) {
	if !osutil.IsDirectory(base) {
		return "", fmt.Errorf("cannot use %s as chroot: not a directory", base)
	}

	stack := mount.NewStack(base, mounts)
	if err := stack.Mount(); err != nil {
		return "", err
	}

	result, execErr := runChildProcess(base, op, args)
	cleanupErr := stack.Unmount()
	if execErr != nil {
		execErr.Cleanup = cleanupErr
		return "", execErr
	}
	if cleanupErr != nil {
		return "", cleanupErr
	}
	return result, nil
}

func runChildProcess(base, op string, args []string) (string, *ExecutionError) {
	fail := func(format string, a ...interface{}) (string, *ExecutionError) {
		return "", &ExecutionError{Op: op, Text: fmt.Sprintf(format, a...)}
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fail("cannot create socket pair: %v", err)
	}
	parentEnd := os.NewFile(uintptr(fds[0]), "chroot-parent")
	childEnd := os.NewFile(uintptr(fds[1]), "chroot-child")
	defer parentEnd.Close()

	var stderr bytes.Buffer
	cmd := exec.Command(selfExe, append([]string{base, op}, args...)...)
	cmd.Args[0] = childName
	// the first extra file is the child fd 3
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr

	logger.Debugf("running %q in chroot %s", op, base)
	if err := cmd.Start(); err != nil {
		childEnd.Close()
		return fail("cannot start helper: %v", err)
	}
	// the child holds the only copy of its end, the channel reaches EOF
	// when it exits
	childEnd.Close()

	var msg message
	decodeErr := json.NewDecoder(parentEnd).Decode(&msg)
	waitErr := cmd.Wait()

	if decodeErr != nil {
		if waitErr == nil {
			waitErr = errors.New("no result reported")
		}
		return fail("helper failed: %v", osutil.OutputErr(stderr.Bytes(), waitErr))
	}
	if msg.Error != nil {
		return fail("%s", *msg.Error)
	}
	if waitErr != nil {
		return fail("helper failed after reporting success: %v", osutil.OutputErr(stderr.Bytes(), waitErr))
	}
	if stderr.Len() > 0 {
		logger.Debugf("chroot helper output: %s", stderr.String())
	}
	return msg.Result, nil
}
