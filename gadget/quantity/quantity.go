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

package quantity

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
)

// Size describes the size in bytes.
type Size uint64

// Offset describes the offset in bytes.
type Offset uint64

const (
	// SizeKiB is the byte size of one kibibyte (2^10 = 1024 bytes)
	SizeKiB = Size(1 << 10)
	// SizeMiB is the size of one mebibyte (2^20)
	SizeMiB = Size(1 << 20)
	// SizeGiB is the size of one gibibyte (2^30)
	SizeGiB = Size(1 << 30)
)

func (s Size) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// IECString formats the size using multiples from IEC units (i.e. kibibytes,
// mebibytes), that is as multiples of 1024. Printed values are truncated to 2
// decimal points.
func (s Size) IECString() string {
	return humanize.IBytes(uint64(s))
}

func (o Offset) String() string {
	return strconv.FormatUint(uint64(o), 10)
}

// ParseSize parses a string expressing size in the volume description format.
// The accepted format is one of: <bytes> | <bytes/2^20>M | <bytes/2^30>G.
func ParseSize(gs string) (Size, error) {
	number, unitMultiplier, err := parseSizeOrOffset(gs)
	if err != nil {
		return 0, err
	}
	if number > math.MaxUint64/unitMultiplier {
		return 0, errors.New("size is too large")
	}
	return Size(number * unitMultiplier), nil
}

func parseSizeOrOffset(gs string) (number, multiplier uint64, err error) {
	if gs == "" {
		return 0, 0, errors.New("empty value")
	}
	multiplier = 1
	switch gs[len(gs)-1] {
	case 'M':
		multiplier = uint64(SizeMiB)
		gs = gs[:len(gs)-1]
	case 'G':
		multiplier = uint64(SizeGiB)
		gs = gs[:len(gs)-1]
	}
	if gs == "" || gs[0] == '-' || gs[0] == '+' {
		return 0, 0, errors.New("invalid number")
	}
	number, err = strconv.ParseUint(gs, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, 0, errors.New("size is too large")
		}
		return 0, 0, errors.New("invalid number")
	}
	return number, multiplier, nil
}

// UnmarshalYAML is the yaml.v2 hook for parsing sizes. Both integers and
// strings with an optional M or G suffix are accepted.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var gs string
	if err := unmarshal(&gs); err != nil {
		return errors.New(`cannot unmarshal size`)
	}

	var err error
	*s, err = ParseSize(gs)
	if err != nil {
		return fmt.Errorf("cannot parse size %q: %v", gs, err)
	}
	return nil
}
