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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	efi "github.com/canonical/go-efilib"

	"github.com/canonical/imagecraft/gadget"
	"github.com/canonical/imagecraft/logger"
	"github.com/canonical/imagecraft/osutil"
)

// legacyBIOSBootableAttr is the GPT attribute bit set for the "bootable"
// flag of the partitioner.
const legacyBIOSBootableAttr = 1 << 2

// ErrPartitionNotFound is returned when a partition is not present in the
// partition table of an image.
var ErrPartitionNotFound = errors.New("partition not found")

// Partition describes a partition of a GPT disk image, sizes and offsets are
// expressed in sectors.
type Partition struct {
	Number   int
	Name     string
	Start    uint64
	Size     uint64
	Type     string
	UUID     string
	Bootable bool
}

// TableError is returned when the partition table of an image fails
// verification.
type TableError struct {
	Path string
	Err  error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("partition table of %q failed verification: %v", e.Path, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// sfdiskDeviceDump represents the sfdisk --json output format.
type sfdiskDeviceDump struct {
	PartitionTable sfdiskPartitionTable `json:"partitiontable"`
}

type sfdiskPartitionTable struct {
	Label      string            `json:"label"`
	ID         string            `json:"id"`
	Device     string            `json:"device"`
	Unit       string            `json:"unit"`
	FirstLBA   uint64            `json:"firstlba"`
	LastLBA    uint64            `json:"lastlba"`
	SectorSize uint64            `json:"sectorsize"`
	Partitions []sfdiskPartition `json:"partitions"`
}

type sfdiskPartition struct {
	Node  string `json:"node"`
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	Attrs string `json:"attrs"`
	Type  string `json:"type"`
	UUID  string `json:"uuid"`
	Name  string `json:"name"`
}

// PartitionScript returns the partitioner script creating the partitions of
// the volume in an image at device, together with the resulting layout.
// Partitions are laid out in declaration order, back to back, starting at
// sector 2048. Partition numbers, when declared, are carried in the row
// device names.
func PartitionScript(vol *gadget.Volume, ss uint64, device string) (string, []Partition, error) {
	if err := ValidateSectorSize(ss); err != nil {
		return "", nil, &SizingError{Err: err}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "label: gpt\nunit: sectors\nsector-size: %d\n\n", ss)

	layout := make([]Partition, 0, len(vol.Structure))
	start := ReservedBytes / ss
	for i, vs := range vol.Structure {
		aligned, err := alignToSectorsChecked(uint64(vs.Size), ss)
		if err != nil {
			return "", nil, &SizingError{Partition: vs.Name, Err: err}
		}
		p := Partition{
			Number:   i + 1,
			Name:     vs.Name,
			Start:    start,
			Size:     aligned / ss,
			Type:     vs.Type,
			UUID:     vs.ID,
			Bootable: vs.IsBootable(),
		}
		if vs.PartitionNumber != nil {
			p.Number = *vs.PartitionNumber
			fmt.Fprintf(&buf, "%s%d : ", device, p.Number)
		}
		fmt.Fprintf(&buf, "start=%d, name=%q, size=%d, type=%s", p.Start, p.Name, p.Size, p.Type)
		if p.Bootable {
			buf.WriteString(", bootable")
		}
		if p.UUID != "" {
			fmt.Fprintf(&buf, ", uuid=%s", p.UUID)
		}
		buf.WriteString("\n")

		layout = append(layout, p)
		start += p.Size
	}
	buf.WriteString("write\n")

	sort.Slice(layout, func(i, j int) bool { return layout[i].Number < layout[j].Number })
	return buf.String(), layout, nil
}

// CreateEmpty creates a zeroed disk image at path sized for the volume and
// writes a GPT describing all the structures of the volume.
func CreateEmpty(path string, ss uint64, vol *gadget.Volume) (DiskSize, error) {
	size, err := ImageSize(vol, ss)
	if err != nil {
		return DiskSize{}, err
	}
	if err := CreateZero(path, size); err != nil {
		return DiskSize{}, err
	}
	if err := WritePartitionTable(path, ss, vol); err != nil {
		return DiskSize{}, err
	}
	return size, nil
}

// WritePartitionTable writes a GPT describing all the structures of the
// volume to the existing image at path.
func WritePartitionTable(path string, ss uint64, vol *gadget.Volume) error {
	script, _, err := PartitionScript(vol, ss, path)
	if err != nil {
		return err
	}
	logger.Debugf("partitioning %s with:\n%s", path, script)

	// the image is a regular file, there is no kernel view of the
	// partition table to refresh
	_, err = osutil.RunWithStdin(strings.NewReader(script), "sfdisk", "--no-reread", "--no-tell-kernel", path)
	return err
}

func dumpPartitionTable(path string) (*sfdiskPartitionTable, []byte, error) {
	output, diag, err := osutil.RunDiag("sfdisk", "--json", path)
	if err != nil {
		return nil, nil, err
	}
	var dump sfdiskDeviceDump
	if err := json.Unmarshal(output, &dump); err != nil {
		return nil, nil, fmt.Errorf("cannot parse sfdisk output: %v", err)
	}
	if dump.PartitionTable.Unit != "sectors" {
		return nil, nil, fmt.Errorf("cannot read partition table: unknown unit %q", dump.PartitionTable.Unit)
	}
	return &dump.PartitionTable, diag, nil
}

// SectorOffsetOf returns the start sector of the named partition in the image
// at path.
func SectorOffsetOf(path, name string) (uint64, error) {
	ptable, _, err := dumpPartitionTable(path)
	if err != nil {
		return 0, err
	}
	for _, p := range ptable.Partitions {
		if p.Name == name {
			return p.Start, nil
		}
	}
	return 0, fmt.Errorf("cannot find partition %q in %s: %w", name, path, ErrPartitionNotFound)
}

// VerifyTables checks the partition table of the image at path. Any
// diagnostic emitted by the partitioner while reading the table is treated as
// an integrity failure. The backup table must describe the same partitions as
// the primary one.
func VerifyTables(path string) error {
	ptable, diag, err := dumpPartitionTable(path)
	if err != nil {
		return err
	}
	if diag = bytes.TrimSpace(diag); len(diag) > 0 {
		return &TableError{Path: path, Err: osutil.OutputErr(diag, nil)}
	}
	if ptable.Label != "gpt" {
		return &TableError{Path: path, Err: fmt.Errorf("unexpected partition table type %q", ptable.Label)}
	}
	ss := ptable.SectorSize
	if ss == 0 {
		ss = SectorSize512
	}
	if err := verifyBackupTable(path, ss); err != nil {
		return &TableError{Path: path, Err: err}
	}
	return nil
}

var verifyBackupTable = verifyBackupTableImpl

func verifyBackupTableImpl(path string, ss uint64) error {
	primary, err := ReadPartitions(path, ss, efi.PrimaryPartitionTable)
	if err != nil {
		return err
	}
	backup, err := ReadPartitions(path, ss, efi.BackupPartitionTable)
	if err != nil {
		return err
	}
	if len(primary) != len(backup) {
		return fmt.Errorf("primary table has %d partitions, backup table has %d", len(primary), len(backup))
	}
	for i := range primary {
		if primary[i] != backup[i] {
			return fmt.Errorf("partition %d differs between primary and backup tables", primary[i].Number)
		}
	}
	return nil
}

// ReadPartitions decodes the requested GPT copy of the image at path and
// returns the used partition entries.
func ReadPartitions(path string, ss uint64, role efi.PartitionTableRole) ([]Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ImageError{Path: path, Err: err}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, &ImageError{Path: path, Err: err}
	}

	table, err := efi.ReadPartitionTable(f, fi.Size(), int64(ss), role, true)
	if err != nil {
		return nil, fmt.Errorf("cannot read partition table: %v", err)
	}

	var partitions []Partition
	for i, e := range table.Entries {
		if e.PartitionTypeGUID == (efi.GUID{}) {
			continue
		}
		p := Partition{
			Number:   i + 1,
			Name:     e.PartitionName,
			Start:    uint64(e.StartingLBA),
			Size:     uint64(e.EndingLBA) - uint64(e.StartingLBA) + 1,
			Type:     strings.ToUpper(e.PartitionTypeGUID.String()),
			UUID:     strings.ToUpper(e.UniquePartitionGUID.String()),
			Bootable: e.Attributes&legacyBIOSBootableAttr != 0,
		}
		partitions = append(partitions, p)
	}
	return partitions, nil
}
