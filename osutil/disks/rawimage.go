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

package disks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canonical/imagecraft/osutil"
)

// ImageError is returned when a disk or partition image is absent or not a
// regular file.
type ImageError struct {
	Path string
	Err  error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("cannot use image %q: %v", e.Path, e.Err)
}

func (e *ImageError) Unwrap() error {
	return e.Err
}

// CreateZero creates a file at path holding size.Bytes zero bytes, replacing
// any existing file. The file is sparse where the filesystem supports it.
func CreateZero(path string, size DiskSize) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot remove existing image: %v", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("cannot create image: %v", err)
	}
	if err := out.Truncate(int64(size.Bytes)); err != nil {
		out.Close()
		return fmt.Errorf("cannot resize image to %v bytes: %v", size.Bytes, err)
	}
	return out.Close()
}

func checkImage(path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &ImageError{Path: path, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return nil, &ImageError{Path: path, Err: fmt.Errorf("not a regular file")}
	}
	return fi, nil
}

// Inject copies the partition image into the disk image at the given sector
// offset without truncating the disk image. The partition image must be
// exactly size.SectorCount() sectors long, otherwise a *SizingError is
// returned and the disk image is left untouched.
func Inject(partitionPath, imagePath string, sectorOffset uint64, size DiskSize) error {
	fi, err := checkImage(partitionPath)
	if err != nil {
		return err
	}
	if _, err := checkImage(imagePath); err != nil {
		return err
	}
	if expected := size.SectorBytes(); uint64(fi.Size()) != expected {
		return &SizingError{
			Partition: filepath.Base(partitionPath),
			Err:       fmt.Errorf("image is %d bytes, expected %d", fi.Size(), expected),
		}
	}

	_, err = osutil.Run("dd",
		"if="+partitionPath,
		"of="+imagePath,
		fmt.Sprintf("bs=%d", size.SectorSize),
		fmt.Sprintf("seek=%d", sectorOffset),
		"conv=notrunc,sparse",
		"status=none",
	)
	return err
}
