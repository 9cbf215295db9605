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

package arch

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

var goArchMapping = map[string]string{
	// go      dpkg
	"386":     "i386",
	"amd64":   "amd64",
	"arm":     "armhf",
	"arm64":   "arm64",
	"ppc64le": "ppc64el",
	"riscv64": "riscv64",
	"s390x":   "s390x",
}

var machineName = func() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Machine[:])
}

// DpkgArchitecture returns the Debian architecture of the running host,
// which is the default architecture of packed images.
func DpkgArchitecture() (string, error) {
	return dpkgArchFromGoArch(runtime.GOARCH)
}

// dpkgArchFromGoArch maps a go architecture string to the corresponding
// Debian architecture string.
func dpkgArchFromGoArch(goarch string) (string, error) {
	// GOARCH does not tell armhf and armel apart
	if goarch == "arm" && machineName() == "armv6l" {
		return "armel", nil
	}
	dpkgArch, ok := goArchMapping[goarch]
	if !ok {
		return "", fmt.Errorf("unknown goarch %q", goarch)
	}
	return dpkgArch, nil
}
