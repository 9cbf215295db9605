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

package gadget

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/canonical/imagecraft/gadget/quantity"
)

const (
	// SchemaGPT identifies a GUID Partition Table partitioning schema, the
	// only one supported
	SchemaGPT = "gpt"

	SystemBoot = "system-boot"
	SystemData = "system-data"
)

// Well-known GPT partition type GUIDs accepted in a volume description.
const (
	LinuxDataGUID    = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	WindowsBasicGUID = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
	EFISystemGUID    = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	BIOSBootGUID     = "21686148-6449-6E6F-744E-656564454649"
)

var (
	validVolumeName    = regexp.MustCompile("^[a-zA-Z0-9][a-zA-Z0-9-]*$")
	validStructureName = regexp.MustCompile("^[a-z0-9](?:[a-z0-9-]{0,34}[a-z0-9])?$")
	validDevice        = regexp.MustCompile(`^\(volume/([^/]+)/([^/)]+)\)$`)
)

// Filesystem is the closed set of filesystems a structure can be formatted
// with.
type Filesystem int

const (
	Ext4 Filesystem = iota + 1
	Ext3
	Fat16
	Vfat
)

var filesystemNames = map[Filesystem]string{
	Ext4:  "ext4",
	Ext3:  "ext3",
	Fat16: "fat16",
	Vfat:  "vfat",
}

func (fs Filesystem) String() string {
	if name, ok := filesystemNames[fs]; ok {
		return name
	}
	return fmt.Sprintf("Filesystem(%d)", int(fs))
}

// ParseFilesystem returns the filesystem variant for the given name.
func ParseFilesystem(name string) (Filesystem, error) {
	for fs, fsName := range filesystemNames {
		if fsName == name {
			return fs, nil
		}
	}
	return 0, fmt.Errorf("unsupported filesystem %q", name)
}

func (fs *Filesystem) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	parsed, err := ParseFilesystem(name)
	if err != nil {
		return err
	}
	*fs = parsed
	return nil
}

// Info holds the volumes and filesystem mounts declared for an image.
type Info struct {
	Volumes map[string]*Volume `yaml:"volumes"`
	// Filesystems maps a filesystem set name to the mounts composing it,
	// only the "default" set is used
	Filesystems map[string]FilesystemMounts `yaml:"filesystems"`
}

// Volume defines the structure and content for the image to be written into a
// block device.
type Volume struct {
	// Name of the volume, taken from the key in the volumes map
	Name string `yaml:"-"`
	// Schema describes the schema used for the volume
	Schema string `yaml:"schema"`
	// Structure describes the structures that are part of the volume
	Structure []VolumeStructure `yaml:"structure"`
}

// VolumeStructure describes a single partition inside a volume.
type VolumeStructure struct {
	// Name of the structure, also used as the GPT partition name
	Name string `yaml:"name"`
	// ID is the GPT partition UUID
	ID string `yaml:"id"`
	// Role of the structure, either system-data or system-boot
	Role string `yaml:"role"`
	// Type is the GPT partition type GUID
	Type string `yaml:"type"`
	// Size of the structure
	Size quantity.Size `yaml:"size"`
	// Filesystem used for the partition
	Filesystem Filesystem `yaml:"filesystem"`
	// Label provides the filesystem label, when nil the structure name is
	// used
	Label *string `yaml:"filesystem_label"`
	// PartitionNumber optionally pins the partition number in the GPT
	PartitionNumber *int `yaml:"partition_number"`
}

// EffectiveLabel returns the filesystem label to use for the structure.
func (vs *VolumeStructure) EffectiveLabel() *string {
	if vs.Label != nil {
		return vs.Label
	}
	name := vs.Name
	return &name
}

// IsBootable returns true when the partition should carry the legacy BIOS
// bootable attribute.
func (vs *VolumeStructure) IsBootable() bool {
	return vs.Role == SystemBoot
}

func (vs *VolumeStructure) String() string {
	return fmt.Sprintf("%q", vs.Name)
}

// StructureIndex returns the index of the structure with the given name.
func (v *Volume) StructureIndex(name string) (int, bool) {
	for i := range v.Structure {
		if v.Structure[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

// FilesystemMount names the mount point of a partition in the assembled
// system.
type FilesystemMount struct {
	Mount string `yaml:"mount"`
	// Device refers to a partition as "(volume/<volume>/<structure>)"
	Device string `yaml:"device"`
}

// Partition returns the volume and structure names the device refers to.
func (fm FilesystemMount) Partition() (volume, structure string, err error) {
	m := validDevice.FindStringSubmatch(fm.Device)
	if m == nil {
		return "", "", fmt.Errorf("invalid device %q for mount %q", fm.Device, fm.Mount)
	}
	return m[1], m[2], nil
}

// FilesystemMounts is an ordered list of partition mounts.
type FilesystemMounts []FilesystemMount

// PartitionFor returns the name of the structure mounted at the given mount
// point.
func (fms FilesystemMounts) PartitionFor(mountpoint string) (string, bool) {
	for _, fm := range fms {
		if fm.Mount != mountpoint {
			continue
		}
		_, structure, err := fm.Partition()
		if err != nil {
			continue
		}
		return structure, true
	}
	return "", false
}

// DeviceName returns the device reference of the given structure.
func DeviceName(volume, structure string) string {
	return fmt.Sprintf("(volume/%s/%s)", volume, structure)
}

// DefaultFilesystemMounts derives the mounts from structure roles: the
// first system-data structure is mounted at / and the first system-boot one
// at /boot/efi.
func DefaultFilesystemMounts(vol *Volume) FilesystemMounts {
	var fms FilesystemMounts
	for _, role := range []struct {
		role  string
		mount string
	}{
		{SystemData, "/"},
		{SystemBoot, "/boot/efi"},
	} {
		for _, vs := range vol.Structure {
			if vs.Role == role.role {
				fms = append(fms, FilesystemMount{
					Mount:  role.mount,
					Device: DeviceName(vol.Name, vs.Name),
				})
				break
			}
		}
	}
	return fms
}

// InfoFromYaml parses and validates the volume description.
func InfoFromYaml(data []byte) (*Info, error) {
	var info Info
	if err := yaml.UnmarshalStrict(data, &info); err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("cannot parse volume description: %v", err)}
	}
	if len(info.Volumes) != 1 {
		return nil, &ValidationError{Err: fmt.Errorf("expected exactly one volume, found %d", len(info.Volumes))}
	}
	for name, vol := range info.Volumes {
		if vol == nil {
			return nil, &ValidationError{Volume: name, Err: fmt.Errorf("empty volume")}
		}
		vol.Name = name
		if err := Validate(vol); err != nil {
			return nil, err
		}
	}
	for set, fms := range info.Filesystems {
		for _, fm := range fms {
			volName, structName, err := fm.Partition()
			if err != nil {
				return nil, &ValidationError{Err: fmt.Errorf("invalid filesystems %q: %v", set, err)}
			}
			vol, ok := info.Volumes[volName]
			if !ok {
				return nil, &ValidationError{Err: fmt.Errorf("invalid filesystems %q: unknown volume %q", set, volName)}
			}
			if _, ok := vol.StructureIndex(structName); !ok {
				return nil, &ValidationError{Err: fmt.Errorf("invalid filesystems %q: unknown structure %q", set, structName)}
			}
			if !strings.HasPrefix(fm.Mount, "/") {
				return nil, &ValidationError{Err: fmt.Errorf("invalid filesystems %q: mount %q is not absolute", set, fm.Mount)}
			}
		}
	}
	return &info, nil
}

// ReadInfo reads the volume description from the given YAML file.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return InfoFromYaml(data)
}

// DefaultFilesystemMounts returns the "default" filesystem mounts when
// declared, or the mounts derived from the structure roles of the single
// volume otherwise.
func (info *Info) DefaultFilesystemMounts() FilesystemMounts {
	if fms, ok := info.Filesystems["default"]; ok {
		return fms
	}
	for _, vol := range info.Volumes {
		return DefaultFilesystemMounts(vol)
	}
	return nil
}
