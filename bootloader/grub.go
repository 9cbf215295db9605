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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canonical/imagecraft/gadget"
	"github.com/canonical/imagecraft/image/chroot"
	"github.com/canonical/imagecraft/logger"
	"github.com/canonical/imagecraft/osutil"
	"github.com/canonical/imagecraft/osutil/loop"
	"github.com/canonical/imagecraft/osutil/mount"
)

const (
	grubSetupOp = "grub-setup"

	// grubInstallMissing is the result of the chroot operation when the
	// rootfs does not ship grub-install
	grubInstallMissing = "grub-install-missing"

	osProber         = "/etc/grub.d/30_os-prober"
	osProberDiverted = "/etc/grub.d/30_os-prober.dpkg-divert"
)

var efiTargets = map[string]string{
	"amd64": "x86_64-efi",
	"arm64": "arm64-efi",
	"armhf": "arm-efi",
}

var (
	chrootExecute        = chroot.Execute
	loopWith             = loop.With
	loopWaitForPartition = loop.WaitForPartition
)

func init() {
	chroot.Register(grubSetupOp, grubSetup)
}

// Image is a partitioned disk image of a volume.
type Image struct {
	Volume *gadget.Volume
	Path   string
}

// EFITarget returns the GRUB EFI target for the given Debian architecture.
func EFITarget(arch string) (string, bool) {
	target, ok := efiTargets[arch]
	return target, ok
}

func partitionNumber(vol *gadget.Volume, name string) (int, error) {
	idx, ok := vol.StructureIndex(name)
	if !ok {
		return 0, fmt.Errorf("cannot find partition %q in volume %q", name, vol.Name)
	}
	if pn := vol.Structure[idx].PartitionNumber; pn != nil {
		return *pn, nil
	}
	return idx + 1, nil
}

func grubMounts(dataDev, bootDev string) []mount.Mount {
	return []mount.Mount{
		{Source: dataDev, Target: "/"},
		{Source: bootDev, Target: "/boot/efi"},
		{Source: "devtmpfs-build", Target: "/dev", FSType: "devtmpfs", Lazy: true},
		{Source: "devpts-build", Target: "/dev/pts", FSType: "devpts", Options: []string{"-o", "nodev,nosuid"}, Lazy: true},
		{Source: "proc-build", Target: "/proc", FSType: "proc"},
		{Source: "sysfs-build", Target: "/sys", FSType: "sysfs"},
		{Source: "/run", Target: "/run", Options: []string{"--bind"}},
	}
}

// SetupGrub installs GRUB on the image from within its data partition. The
// installation is skipped when the architecture has no EFI target, when the
// data or boot partition is missing from the mounts, or when the rootfs does
// not provide grub-install.
func SetupGrub(img Image, workDir, arch string, mounts gadget.FilesystemMounts) error {
	target, ok := EFITarget(arch)
	if !ok {
		logger.Noticef("Cannot install GRUB on this architecture: %s", arch)
		return nil
	}

	dataName, ok := mounts.PartitionFor("/")
	if !ok {
		logger.Noticef("Skipping GRUB installation: no data partition")
		return nil
	}
	bootName, ok := mounts.PartitionFor("/boot/efi")
	if !ok {
		logger.Noticef("Skipping GRUB installation: no boot partition")
		return nil
	}
	dataNum, err := partitionNumber(img.Volume, dataName)
	if err != nil {
		return err
	}
	bootNum, err := partitionNumber(img.Volume, bootName)
	if err != nil {
		return err
	}

	base := filepath.Join(workDir, "chroot")
	if err := os.MkdirAll(base, 0755); err != nil {
		return fmt.Errorf("cannot create chroot directory: %v", err)
	}

	logger.Noticef("Installing GRUB to %s", img.Path)
	return loopWith(img.Path, func(dev string) error {
		dataDev, err := loopWaitForPartition(dev, dataNum)
		if err != nil {
			return err
		}
		bootDev, err := loopWaitForPartition(dev, bootNum)
		if err != nil {
			return err
		}

		result, err := chrootExecute(base, grubMounts(dataDev, bootDev), grubSetupOp, dev, target)
		var merr *mount.MountError
		var cerr *mount.CleanupError
		switch {
		case errors.As(err, &merr) && !errors.As(err, &cerr):
			logger.Warningf("Cannot install GRUB: %v. The rootfs may not provide the directories GRUB needs.", merr)
			return nil
		case err != nil:
			return fmt.Errorf("cannot install GRUB: %w", err)
		case result == grubInstallMissing:
			logger.Noticef("Skipping GRUB installation: grub-install not available")
			return nil
		}
		return nil
	})
}

// grubSetup runs in the chroot of the data partition, args are the loop
// device and the EFI target.
func grubSetup(args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("internal error: unexpected arguments %q", args)
	}
	dev, target := args[0], args[1]

	_, err := osutil.Run("grub-install", dev,
		"--boot-directory=/boot",
		"--efi-directory=/boot/efi",
		"--target="+target,
		"--uefi-secure-boot",
		"--no-nvram",
	)
	if osutil.IsToolMissing(err, "grub-install") {
		return grubInstallMissing, nil
	}
	if err != nil {
		return "", err
	}

	// keep os-prober from adding the build host systems to grub.cfg
	if _, err := osutil.Run("dpkg-divert", "--local", "--rename", "--divert", osProberDiverted, "--add", osProber); err != nil {
		return "", err
	}
	_, err = osutil.Run("update-grub")
	if _, undoErr := osutil.Run("dpkg-divert", "--local", "--rename", "--remove", osProber); undoErr != nil {
		if err == nil {
			return "", undoErr
		}
		logger.Noticef("cannot remove diversion of %s: %v", osProber, undoErr)
	}
	if err != nil {
		return "", err
	}
	return "", nil
}
