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

package disks_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	efi "github.com/canonical/go-efilib"
	. "gopkg.in/check.v1"

	"github.com/canonical/imagecraft/gadget"
	"github.com/canonical/imagecraft/gadget/quantity"
	"github.com/canonical/imagecraft/osutil"
	"github.com/canonical/imagecraft/osutil/disks"
	"github.com/canonical/imagecraft/testutil"
)

type gptSuite struct {
	testutil.BaseTest

	dir string
}

var _ = Suite(&gptSuite{})

func (s *gptSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.dir = c.MkDir()
}

func bootDataVolume() *gadget.Volume {
	label := "writable"
	return &gadget.Volume{
		Name:   "pc",
		Schema: "gpt",
		Structure: []gadget.VolumeStructure{
			{
				Name:       "efi",
				Role:       gadget.SystemBoot,
				Type:       gadget.EFISystemGUID,
				Size:       256 * quantity.SizeMiB,
				Filesystem: gadget.Vfat,
			},
			{
				Name:       "rootfs",
				Role:       gadget.SystemData,
				Type:       gadget.LinuxDataGUID,
				Size:       6 * quantity.SizeGiB,
				Filesystem: gadget.Ext4,
				Label:      &label,
			},
		},
	}
}

const sfdiskDumpBootData = `{
   "partitiontable": {
      "label": "gpt",
      "id": "9151F25B-CDF0-48F1-9EDE-68CBD616E2CA",
      "device": "pc.img",
      "unit": "sectors",
      "firstlba": 34,
      "lastlba": 13107166,
      "sectorsize": 512,
      "partitions": [
         {"node": "pc.img1", "start": 2048, "size": 524288, "type": "C12A7328-F81F-11D2-BA4B-00A0C93EC93B", "uuid": "2E59D969-52AB-430B-88AC-F83873519F6F", "name": "efi", "attrs": "LegacyBIOSBootable"},
         {"node": "pc.img2", "start": 526336, "size": 12582912, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4", "uuid": "44C3D5C3-CAE1-4306-83E8-DF437ACDB32F", "name": "rootfs"}
      ]
   }
}`

func (s *gptSuite) TestPartitionScript(c *C) {
	script, layout, err := disks.PartitionScript(bootDataVolume(), 512, "pc.img")
	c.Assert(err, IsNil)
	c.Check(script, Equals, `label: gpt
unit: sectors
sector-size: 512

start=2048, name="efi", size=524288, type=C12A7328-F81F-11D2-BA4B-00A0C93EC93B, bootable
start=526336, name="rootfs", size=12582912, type=0FC63DAF-8483-4772-8E79-3D69D8477DE4
write
`)
	c.Check(layout, DeepEquals, []disks.Partition{
		{Number: 1, Name: "efi", Start: 2048, Size: 524288, Type: gadget.EFISystemGUID, Bootable: true},
		{Number: 2, Name: "rootfs", Start: 526336, Size: 12582912, Type: gadget.LinuxDataGUID},
	})
}

func (s *gptSuite) TestPartitionScriptUUIDAndNumbers(c *C) {
	vol := bootDataVolume()
	vol.Structure[0].ID = "2E59D969-52AB-430B-88AC-F83873519F6F"
	two, one := 2, 1
	vol.Structure[0].PartitionNumber = &two
	vol.Structure[1].PartitionNumber = &one

	script, layout, err := disks.PartitionScript(vol, 512, "/tmp/pc.img")
	c.Assert(err, IsNil)
	c.Check(script, Equals, `label: gpt
unit: sectors
sector-size: 512

/tmp/pc.img2 : start=2048, name="efi", size=524288, type=C12A7328-F81F-11D2-BA4B-00A0C93EC93B, bootable, uuid=2E59D969-52AB-430B-88AC-F83873519F6F
/tmp/pc.img1 : start=526336, name="rootfs", size=12582912, type=0FC63DAF-8483-4772-8E79-3D69D8477DE4
write
`)
	c.Assert(layout, HasLen, 2)
	c.Check(layout[0].Name, Equals, "rootfs")
	c.Check(layout[0].Number, Equals, 1)
	c.Check(layout[1].Name, Equals, "efi")
	c.Check(layout[1].Number, Equals, 2)
}

func (s *gptSuite) TestPartitionScriptContiguous(c *C) {
	vol := volumeWithSizes(quantity.SizeMiB+1, 1, 3*quantity.SizeGiB, 777)
	_, layout, err := disks.PartitionScript(vol, 512, "pc.img")
	c.Assert(err, IsNil)
	c.Assert(layout, HasLen, 4)
	c.Check(layout[0].Start, Equals, uint64(2048))
	for i := 1; i < len(layout); i++ {
		c.Check(layout[i].Start > layout[i-1].Start, Equals, true)
		c.Check(layout[i].Start, Equals, layout[i-1].Start+layout[i-1].Size)
		c.Check(layout[i].Size, Equals, disks.BytesToSectors(uint64(vol.Structure[i].Size), 512))
	}
}

func (s *gptSuite) TestPartitionScriptUnsupportedSectorSize(c *C) {
	_, _, err := disks.PartitionScript(bootDataVolume(), 4096, "pc.img")
	c.Check(err, ErrorMatches, "invalid size: unsupported sector size 4096")
}

func (s *gptSuite) TestCreateEmpty(c *C) {
	stdin := filepath.Join(s.dir, "sfdisk.stdin")
	cmd := testutil.MockCommand(c, "sfdisk", fmt.Sprintf("cat > %q", stdin))
	s.AddCleanup(cmd.Restore)

	img := filepath.Join(s.dir, "pc.img")
	c.Assert(os.WriteFile(img, []byte("stale content"), 0644), IsNil)

	vol := volumeWithSizes(quantity.SizeMiB)
	size, err := disks.CreateEmpty(img, 512, vol)
	c.Assert(err, IsNil)
	c.Check(size.Bytes, Equals, uint64(2048*512+1024*1024+34*512))

	fi, err := os.Stat(img)
	c.Assert(err, IsNil)
	c.Check(fi.Size(), Equals, int64(size.Bytes))
	data, err := os.ReadFile(img)
	c.Assert(err, IsNil)
	c.Check(bytes.Count(data, []byte{0}), Equals, len(data))

	c.Check(cmd.Calls(), DeepEquals, [][]string{
		{"sfdisk", "--no-reread", "--no-tell-kernel", img},
	})
	c.Check(stdin, testutil.FileEquals, `label: gpt
unit: sectors
sector-size: 512

start=2048, name="efi", size=2048, type=0FC63DAF-8483-4772-8E79-3D69D8477DE4
write
`)
}

func (s *gptSuite) TestCreateEmptyPartitionerFails(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", "echo 'sfdisk: failed to apply' >&2; exit 1")
	s.AddCleanup(cmd.Restore)

	_, err := disks.CreateEmpty(filepath.Join(s.dir, "pc.img"), 512, volumeWithSizes(quantity.SizeMiB))
	c.Check(err, ErrorMatches, `"sfdisk --no-reread --no-tell-kernel .*/pc.img" failed with exit status 1: sfdisk: failed to apply`)
	var tf *osutil.ToolFailure
	c.Assert(errors.As(err, &tf), Equals, true)
	c.Check(tf.ExitStatus, Equals, 1)
}

func (s *gptSuite) TestSectorOffsetOf(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", fmt.Sprintf("echo '%s'", sfdiskDumpBootData))
	s.AddCleanup(cmd.Restore)

	offset, err := disks.SectorOffsetOf("pc.img", "efi")
	c.Assert(err, IsNil)
	c.Check(offset, Equals, uint64(2048))

	offset, err = disks.SectorOffsetOf("pc.img", "rootfs")
	c.Assert(err, IsNil)
	c.Check(offset, Equals, uint64(2048+256*1024*1024/512))

	_, err = disks.SectorOffsetOf("pc.img", "missing")
	c.Check(err, ErrorMatches, `cannot find partition "missing" in pc.img: partition not found`)
	c.Check(err, testutil.ErrorIs, disks.ErrPartitionNotFound)

	c.Check(cmd.Calls(), DeepEquals, [][]string{
		{"sfdisk", "--json", "pc.img"},
		{"sfdisk", "--json", "pc.img"},
		{"sfdisk", "--json", "pc.img"},
	})
}

func (s *gptSuite) TestSectorOffsetOfBadOutput(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", "echo 'not json'")
	s.AddCleanup(cmd.Restore)

	_, err := disks.SectorOffsetOf("pc.img", "efi")
	c.Check(err, ErrorMatches, "cannot parse sfdisk output: .*")

	cmd = testutil.MockCommand(c, "sfdisk", `echo '{"partitiontable": {"label": "gpt", "unit": "bytes"}}'`)
	s.AddCleanup(cmd.Restore)
	_, err = disks.SectorOffsetOf("pc.img", "efi")
	c.Check(err, ErrorMatches, `cannot read partition table: unknown unit "bytes"`)
}

func (s *gptSuite) TestVerifyTablesHappy(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", fmt.Sprintf("echo '%s'", sfdiskDumpBootData))
	s.AddCleanup(cmd.Restore)

	var verified []string
	s.AddCleanup(disks.MockVerifyBackupTable(func(path string, ss uint64) error {
		verified = append(verified, fmt.Sprintf("%s:%d", path, ss))
		return nil
	}))

	c.Check(disks.VerifyTables("pc.img"), IsNil)
	c.Check(verified, DeepEquals, []string{"pc.img:512"})
}

func (s *gptSuite) TestVerifyTablesDiagnostic(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", fmt.Sprintf(`echo '%s'
echo "GPT PMBR size mismatch (13109247 != 13109248) will be corrected by write." >&2
echo "The backup GPT table is corrupt, but the primary appears OK, so that will be used." >&2
`, sfdiskDumpBootData))
	s.AddCleanup(cmd.Restore)
	s.AddCleanup(disks.MockVerifyBackupTable(func(path string, ss uint64) error {
		c.Fatalf("unexpected call")
		return nil
	}))

	err := disks.VerifyTables("pc.img")
	c.Check(err, ErrorMatches, `(?s)partition table of "pc.img" failed verification: .*The backup GPT table is corrupt.*`)
	var terr *disks.TableError
	c.Check(errors.As(err, &terr), Equals, true)
}

func (s *gptSuite) TestVerifyTablesBackupMismatch(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", fmt.Sprintf("echo '%s'", sfdiskDumpBootData))
	s.AddCleanup(cmd.Restore)
	s.AddCleanup(disks.MockVerifyBackupTable(func(path string, ss uint64) error {
		return errors.New("partition 2 differs between primary and backup tables")
	}))

	err := disks.VerifyTables("pc.img")
	c.Check(err, ErrorMatches, `partition table of "pc.img" failed verification: partition 2 differs between primary and backup tables`)
}

func (s *gptSuite) TestVerifyTablesNotGPT(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", `echo '{"partitiontable": {"label": "dos", "unit": "sectors", "partitions": []}}'`)
	s.AddCleanup(cmd.Restore)

	err := disks.VerifyTables("pc.img")
	c.Check(err, ErrorMatches, `partition table of "pc.img" failed verification: unexpected partition table type "dos"`)
}

func (s *gptSuite) TestWithRealPartitioner(c *C) {
	if _, err := exec.LookPath("sfdisk"); err != nil {
		c.Skip("sfdisk not available")
	}

	vol := volumeWithSizes(quantity.SizeMiB, 2*quantity.SizeMiB, 3*quantity.SizeMiB)
	vol.Structure[0].Type = gadget.EFISystemGUID
	vol.Structure[1].ID = "44c3d5c3-cae1-4306-83e8-df437acdb32f"
	img := filepath.Join(s.dir, "pc.img")

	size, err := disks.CreateEmpty(img, 512, vol)
	c.Assert(err, IsNil)
	c.Assert(disks.VerifyTables(img), IsNil)

	_, layout, err := disks.PartitionScript(vol, 512, img)
	c.Assert(err, IsNil)
	for _, p := range layout {
		offset, err := disks.SectorOffsetOf(img, p.Name)
		c.Assert(err, IsNil)
		c.Check(offset, Equals, p.Start)
	}

	partitions, err := disks.ReadPartitions(img, 512, efi.PrimaryPartitionTable)
	c.Assert(err, IsNil)
	c.Assert(partitions, HasLen, len(layout))
	for i, p := range partitions {
		c.Check(p.Name, Equals, layout[i].Name)
		c.Check(p.Start, Equals, layout[i].Start)
		c.Check(p.Size, Equals, layout[i].Size)
		c.Check(p.Type, Equals, layout[i].Type)
	}
	c.Check(partitions[1].UUID, Equals, "44C3D5C3-CAE1-4306-83E8-DF437ACDB32F")

	backup, err := disks.ReadPartitions(img, 512, efi.BackupPartitionTable)
	c.Assert(err, IsNil)
	c.Check(backup, DeepEquals, partitions)

	fi, err := os.Stat(img)
	c.Assert(err, IsNil)
	c.Check(fi.Size(), Equals, int64(size.Bytes))
}
