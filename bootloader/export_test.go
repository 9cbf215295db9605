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

package bootloader

import (
	"github.com/canonical/imagecraft/osutil/mount"
)

var GrubSetup = grubSetup

func MockChrootExecute(f func(base string, mounts []mount.Mount, op string, args ...string) (string, error)) (restore func()) {
	old := chrootExecute
	chrootExecute = f
	return func() {
		chrootExecute = old
	}
}

func MockLoop(with func(image string, f func(dev string) error) error, wait func(dev string, number int) (string, error)) (restore func()) {
	oldWith, oldWait := loopWith, loopWaitForPartition
	loopWith, loopWaitForPartition = with, wait
	return func() {
		loopWith, loopWaitForPartition = oldWith, oldWait
	}
}
