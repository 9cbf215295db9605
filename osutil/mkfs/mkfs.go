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

// Package mkfs creates and populates filesystem images.
package mkfs

import (
	"fmt"
	"os"
	"strings"

	"github.com/canonical/imagecraft/gadget"
	"github.com/canonical/imagecraft/logger"
	"github.com/canonical/imagecraft/osutil"
	"github.com/canonical/imagecraft/osutil/disks"
)

// FormatAndPopulate creates a filesystem image of the given size at
// partitionPath, labelled with label unless it is nil, holding the contents
// of contentDir.
func FormatAndPopulate(fs gadget.Filesystem, contentDir, partitionPath string, size disks.DiskSize, label *string) error {
	fi, err := os.Stat(contentDir)
	if err != nil {
		return fmt.Errorf("cannot list content directory: %v", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("cannot use content directory %s: not a directory", contentDir)
	}

	switch fs {
	case gadget.Ext3, gadget.Ext4:
		return mkfsExt(fs, contentDir, partitionPath, size, label)
	case gadget.Fat16:
		return mkfsFat(contentDir, partitionPath, size, label, "16")
	case gadget.Vfat:
		// let mkfs.fat pick the FAT size
		return mkfsFat(contentDir, partitionPath, size, label, "")
	default:
		panic(fmt.Sprintf("internal error: unsupported filesystem %v", fs))
	}
}

// mkfsExt creates an ext3 or ext4 filesystem in the given image file and
// populates it with the contents of the given directory at creation time.
func mkfsExt(fs gadget.Filesystem, contentDir, img string, size disks.DiskSize, label *string) error {
	if err := disks.CreateZero(img, size); err != nil {
		return err
	}

	mkfsArgs := []string{"-q", "-t", fs.String(), "-d", contentDir}
	if label != nil {
		mkfsArgs = append(mkfsArgs, "-L", *label)
	}
	mkfsArgs = append(mkfsArgs, img)

	_, err := osutil.Run("mke2fs", mkfsArgs...)
	return err
}

// mkfsFat creates a FAT filesystem in the given image file. mkfs.fat does not
// know how to populate the filesystem, the contents are copied with mcopy.
func mkfsFat(contentDir, img string, size disks.DiskSize, label *string, fatBits string) error {
	if err := disks.CreateZero(img, size); err != nil {
		return err
	}

	var mkfsArgs []string
	if fatBits != "" {
		mkfsArgs = append(mkfsArgs, "-F", fatBits)
	}
	if label != nil {
		mkfsArgs = append(mkfsArgs, "-n", *label)
	}
	mkfsArgs = append(mkfsArgs, img)

	if _, err := osutil.Run("mkfs.fat", mkfsArgs...); err != nil {
		return err
	}

	empty, err := osutil.IsDirEmpty(contentDir)
	if err != nil {
		return fmt.Errorf("cannot list content directory: %v", err)
	}
	if empty {
		logger.Debugf("no content to copy to %s", img)
		return nil
	}

	// mcopy does not expand globs, the shell does it
	copyCmd := fmt.Sprintf("mcopy -n -o -s -i%s %s/* ::", shellQuote(img), shellQuote(contentDir))
	// skip mtools checks to avoid unnecessary warnings
	_, err = osutil.RunWithEnv([]string{"MTOOLS_SKIP_CHECK=1"}, "bash", "-c", copyCmd)
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
