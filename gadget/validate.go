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
	"strings"

	"github.com/google/uuid"
)

const (
	// MinPartitionNumber and MaxPartitionNumber bound explicit partition
	// numbers
	MinPartitionNumber = 1
	MaxPartitionNumber = 129

	maxStructureNameLen = 36
)

var knownTypes = map[string]bool{
	LinuxDataGUID:    true,
	WindowsBasicGUID: true,
	EFISystemGUID:    true,
	BIOSBootGUID:     true,
}

// ValidationError is returned when a volume description violates the
// structural rules.
type ValidationError struct {
	Volume string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Volume == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("invalid volume %q: %v", e.Volume, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func fmtIndexAndName(idx int, name string) string {
	if name != "" {
		return fmt.Sprintf("#%v (%q)", idx, name)
	}
	return fmt.Sprintf("#%v", idx)
}

// Validate checks the volume against the structural rules, the returned error
// is a *ValidationError.
func Validate(vol *Volume) error {
	if err := validateVolume(vol); err != nil {
		return &ValidationError{Volume: vol.Name, Err: err}
	}
	return nil
}

func validateVolume(vol *Volume) error {
	if !validVolumeName.MatchString(vol.Name) {
		return fmt.Errorf("invalid name")
	}
	if vol.Schema != SchemaGPT {
		return fmt.Errorf("invalid schema %q", vol.Schema)
	}
	if len(vol.Structure) == 0 {
		return fmt.Errorf("no structure declared")
	}

	structureNames := make(map[string]bool, len(vol.Structure))
	structureLabels := make(map[string]bool, len(vol.Structure))
	partitionNumbers := make(map[int]bool, len(vol.Structure))
	numbered := 0
	for idx := range vol.Structure {
		vs := &vol.Structure[idx]
		if err := validateVolumeStructure(vs); err != nil {
			return fmt.Errorf("invalid structure %v: %v", fmtIndexAndName(idx, vs.Name), err)
		}

		if structureNames[vs.Name] {
			return fmt.Errorf("structure name %q is not unique", vs.Name)
		}
		structureNames[vs.Name] = true

		if label := vs.EffectiveLabel(); *label != "" {
			if structureLabels[*label] {
				return fmt.Errorf("filesystem label %q is not unique", *label)
			}
			structureLabels[*label] = true
		}

		if vs.PartitionNumber != nil {
			numbered++
			if partitionNumbers[*vs.PartitionNumber] {
				return fmt.Errorf("partition number %d is not unique", *vs.PartitionNumber)
			}
			partitionNumbers[*vs.PartitionNumber] = true
		}
	}
	if numbered != 0 && numbered != len(vol.Structure) {
		return fmt.Errorf("partition_number must be set for all structures or none")
	}
	return nil
}

func validateVolumeStructure(vs *VolumeStructure) error {
	if err := validateStructureName(vs.Name); err != nil {
		return err
	}
	if vs.ID != "" {
		if _, err := uuid.Parse(vs.ID); err != nil {
			return fmt.Errorf("invalid id %q: %v", vs.ID, err)
		}
	}
	if err := validateRole(vs.Role); err != nil {
		return err
	}
	if err := validateStructureType(vs.Type); err != nil {
		return err
	}
	if vs.Size == 0 {
		return fmt.Errorf("invalid size: must be greater than zero")
	}
	if vs.Filesystem == 0 {
		return fmt.Errorf("missing filesystem")
	}
	if _, ok := filesystemNames[vs.Filesystem]; !ok {
		return fmt.Errorf("unsupported filesystem %v", vs.Filesystem)
	}
	if vs.PartitionNumber != nil {
		pn := *vs.PartitionNumber
		if pn < MinPartitionNumber || pn > MaxPartitionNumber {
			return fmt.Errorf("invalid partition_number %d: must be in range %d-%d", pn, MinPartitionNumber, MaxPartitionNumber)
		}
	}
	return nil
}

func validateStructureName(name string) error {
	if name == "" {
		return fmt.Errorf("missing name")
	}
	if len(name) > maxStructureNameLen {
		return fmt.Errorf("name %q is too long, maximum is %d characters", name, maxStructureNameLen)
	}
	if !validStructureName.MatchString(name) {
		return fmt.Errorf("invalid name %q: only lowercase letters, digits and hyphens are allowed, and it cannot start or end with a hyphen", name)
	}
	return nil
}

func validateRole(role string) error {
	switch role {
	case SystemBoot, SystemData:
		return nil
	case "":
		return fmt.Errorf("missing role")
	default:
		return fmt.Errorf("invalid role %q", role)
	}
}

func validateStructureType(typ string) error {
	if typ == "" {
		return fmt.Errorf("missing type")
	}
	parsed, err := uuid.Parse(typ)
	if err != nil {
		return fmt.Errorf("invalid type %q: %v", typ, err)
	}
	if !knownTypes[strings.ToUpper(parsed.String())] {
		return fmt.Errorf("unsupported type %q", typ)
	}
	return nil
}
