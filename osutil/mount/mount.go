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

// Package mount handles ordered stacks of mounts below a base directory.
package mount

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/canonical/imagecraft/logger"
	"github.com/canonical/imagecraft/osutil"
)

// MountError is returned when the mountpoint of a mount does not exist.
type MountError struct {
	Mountpoint string
}

func (e *MountError) Error() string {
	return fmt.Sprintf("cannot mount at %s: mountpoint does not exist", e.Mountpoint)
}

// CleanupError aggregates the failures of unmounting a stack.
type CleanupError struct {
	Errors []error
}

func (e *CleanupError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("cannot clean up mounts: %v", e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = "- " + err.Error()
	}
	return fmt.Sprintf("cannot clean up mounts:\n%s", strings.Join(msgs, "\n"))
}

func (e *CleanupError) Unwrap() []error {
	return e.Errors
}

// Mount describes a filesystem to mount below a base directory.
type Mount struct {
	// Source is the device, directory or pseudo-filesystem name to mount.
	Source string
	// Target is the mountpoint, relative to the base directory.
	Target string
	// FSType is the filesystem type, empty for bind mounts.
	FSType string
	// Options holds extra mount(8) arguments, like "--bind" or
	// "-o nodev,nosuid".
	Options []string
	// Lazy requests a lazy unmount.
	Lazy bool
}

// Path returns the absolute mountpoint below base.
func (m *Mount) Path(base string) string {
	return filepath.Join(base, strings.TrimLeft(m.Target, string(filepath.Separator)))
}

func (m *Mount) String() string {
	return fmt.Sprintf("%s on %s", m.Source, m.Target)
}

// Mount mounts the filesystem below base, the mountpoint must exist.
func (m *Mount) Mount(base string) error {
	where := m.Path(base)
	if !osutil.IsDirectory(where) {
		return &MountError{Mountpoint: where}
	}

	args := append([]string(nil), m.Options...)
	if m.FSType != "" {
		args = append(args, "-t", m.FSType)
	}
	args = append(args, m.Source, where)

	logger.Debugf("mounting %s", m)
	_, err := osutil.Run("mount", args...)
	return err
}

// Unmount unmounts the filesystem, and everything below it, from base. The
// mountpoint is made private first so that the unmount does not propagate
// to the host.
func (m *Mount) Unmount(base string) error {
	where := m.Path(base)
	_, privErr := osutil.Run("mount", "--make-rprivate", where)
	args := []string{"--recursive"}
	if m.Lazy {
		args = append(args, "--lazy")
	}
	args = append(args, where)

	logger.Debugf("unmounting %s", m)
	_, err := osutil.Run("umount", args...)
	return errors.Join(privErr, err)
}

// Stack is an ordered list of mounts below a base directory. Mounts are
// established in order and released in reverse order.
type Stack struct {
	Base   string
	Mounts []Mount

	mounted []*Mount
}

// NewStack returns a stack of the mounts below base.
func NewStack(base string, mounts []Mount) *Stack {
	return &Stack{Base: base, Mounts: mounts}
}

// Mount establishes all the mounts of the stack. On failure the mounts
// already established are released and the error of the failed mount is
// returned, with the *CleanupError of the release attached if it failed.
func (s *Stack) Mount() error {
	for i := range s.Mounts {
		m := &s.Mounts[i]
		if err := m.Mount(s.Base); err != nil {
			if cleanupErr := s.Unmount(); cleanupErr != nil {
				return fmt.Errorf("%w (and %w)", err, cleanupErr)
			}
			return err
		}
		s.mounted = append(s.mounted, m)
	}
	return nil
}

// Unmount releases the established mounts in reverse order. Every mount is
// attempted even if some fail, the failures are returned as a
// *CleanupError.
func (s *Stack) Unmount() error {
	var errs []error
	for i := len(s.mounted) - 1; i >= 0; i-- {
		m := s.mounted[i]
		if err := m.Unmount(s.Base); err != nil {
			errs = append(errs, fmt.Errorf("cannot unmount %s: %w", m.Path(s.Base), err))
		}
	}
	s.mounted = nil
	if len(errs) > 0 {
		return &CleanupError{Errors: errs}
	}
	return nil
}

// IsMounted returns true when a filesystem is mounted at path.
func IsMounted(path string) (bool, error) {
	_, err := osutil.Run("findmnt", "--noheadings", "--mountpoint", path)
	if err == nil {
		return true, nil
	}
	var tf *osutil.ToolFailure
	if errors.As(err, &tf) && tf.ExitStatus == 1 {
		return false, nil
	}
	return false, err
}
