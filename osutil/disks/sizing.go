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
	"fmt"
	"math"

	"github.com/canonical/imagecraft/gadget"
)

const (
	// SectorSize512 is the logical sector size of disk images.
	SectorSize512 uint64 = 512
	// SectorSize4K is a known sector size that is not yet supported.
	SectorSize4K uint64 = 4096

	// ReservedBytes is the space left in front of the first partition, the
	// partitioner never places partitions below sector 2048.
	ReservedBytes uint64 = 2048 * 512
	// FirstPartitionSector is the start sector of the first partition.
	FirstPartitionSector uint64 = ReservedBytes / SectorSize512

	// PartitionEntries is the number of entries in the GPT partition array.
	PartitionEntries = 128
)

// partitionEntrySectors is the number of sectors taken by the 128 entry GPT
// partition array for each known sector size.
var partitionEntrySectors = map[uint64]uint64{
	SectorSize512: 32,
	SectorSize4K:  4,
}

// SupportedSectorSizes lists the sector sizes disk images can be created
// with.
var SupportedSectorSizes = []uint64{SectorSize512}

// SizingError is returned when a size or offset cannot be represented, or
// when a partition image does not have the expected size.
type SizingError struct {
	// Partition is the name of the partition, if any.
	Partition string
	Err       error
}

func (e *SizingError) Error() string {
	if e.Partition != "" {
		return fmt.Sprintf("invalid size of partition %q: %v", e.Partition, e.Err)
	}
	return fmt.Sprintf("invalid size: %v", e.Err)
}

func (e *SizingError) Unwrap() error {
	return e.Err
}

// DiskSize is a byte size paired with the sector size it is expressed in.
type DiskSize struct {
	Bytes      uint64
	SectorSize uint64
}

// NewDiskSize returns a DiskSize of the given bytes in sectors of ss bytes.
func NewDiskSize(bytes, ss uint64) DiskSize {
	return DiskSize{Bytes: bytes, SectorSize: ss}
}

// SectorCount returns the number of sectors needed to hold the size.
func (ds DiskSize) SectorCount() uint64 {
	return BytesToSectors(ds.Bytes, ds.SectorSize)
}

// SectorBytes returns the size rounded up to a whole number of sectors.
func (ds DiskSize) SectorBytes() uint64 {
	return ds.SectorCount() * ds.SectorSize
}

func (ds DiskSize) String() string {
	return fmt.Sprintf("%d bytes (%d sectors of %d bytes)", ds.Bytes, ds.SectorCount(), ds.SectorSize)
}

// ValidateSectorSize returns an error if disk images cannot be created with
// the given sector size.
func ValidateSectorSize(ss uint64) error {
	for _, supported := range SupportedSectorSizes {
		if ss == supported {
			return nil
		}
	}
	return fmt.Errorf("unsupported sector size %d", ss)
}

// BytesToSectors returns the number of sectors of ss bytes needed to hold b
// bytes.
func BytesToSectors(b, ss uint64) uint64 {
	sectors := b / ss
	if b%ss != 0 {
		sectors++
	}
	return sectors
}

// AlignToSectors rounds b up to a multiple of ss.
func AlignToSectors(b, ss uint64) uint64 {
	return BytesToSectors(b, ss) * ss
}

func alignToSectorsChecked(b, ss uint64) (uint64, error) {
	sectors := BytesToSectors(b, ss)
	if sectors > math.MaxUint64/ss {
		return 0, fmt.Errorf("%d bytes aligned to %d byte sectors overflows", b, ss)
	}
	return sectors * ss, nil
}

// BackupTableBytes returns the space reserved at the tail of the image for
// the backup GPT.
func BackupTableBytes(ss uint64) uint64 {
	return (1 + partitionEntrySectors[ss] + 1) * ss
}

// ImageSize returns the size of a disk image holding all the structures of
// the volume.
func ImageSize(vol *gadget.Volume, ss uint64) (DiskSize, error) {
	if err := ValidateSectorSize(ss); err != nil {
		return DiskSize{}, &SizingError{Err: err}
	}
	total := ReservedBytes
	for _, vs := range vol.Structure {
		aligned, err := alignToSectorsChecked(uint64(vs.Size), ss)
		if err != nil {
			return DiskSize{}, &SizingError{Partition: vs.Name, Err: err}
		}
		if total > math.MaxUint64-aligned {
			return DiskSize{}, &SizingError{Partition: vs.Name, Err: fmt.Errorf("image size overflows")}
		}
		total += aligned
	}
	backup := BackupTableBytes(ss)
	if total > math.MaxUint64-backup {
		return DiskSize{}, &SizingError{Err: fmt.Errorf("image size overflows")}
	}
	return NewDiskSize(total+backup, ss), nil
}
