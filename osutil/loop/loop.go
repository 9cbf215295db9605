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

// Package loop manages loop devices backed by disk image files.
package loop

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/retry.v1"

	"github.com/canonical/imagecraft/logger"
	"github.com/canonical/imagecraft/osutil"
)

var (
	// detaching can fail transiently while udev still holds the device
	detachRetryStrategy retry.Strategy = retry.LimitCount(5, retry.LimitTime(10*time.Second,
		retry.Exponential{
			Initial: 100 * time.Millisecond,
			Factor:  2,
		},
	))

	partitionRetryStrategy retry.Strategy = retry.Regular{
		Total: 5 * time.Second,
		Delay: 100 * time.Millisecond,
	}
)

// losetupList represents the losetup --json --list output format.
type losetupList struct {
	LoopDevices []losetupDevice `json:"loopdevices"`
}

type losetupDevice struct {
	Name     string `json:"name"`
	BackFile string `json:"back-file"`
}

// lsblkInfo represents the lsblk --json output format.
type lsblkInfo struct {
	BlockDevices []lsblkBlockDevice `json:"blockdevices"`
}

type lsblkBlockDevice struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Attach binds the image to a free loop device with partition scanning
// enabled and returns the device path.
func Attach(image string) (string, error) {
	output, err := osutil.Run("losetup", "--find", "--show", "--partscan", image)
	if err != nil {
		return "", err
	}
	dev := strings.TrimSpace(string(output))
	if dev == "" {
		return "", fmt.Errorf("cannot attach %s: losetup did not report a device", image)
	}
	logger.Debugf("attached %s to %s", image, dev)
	return dev, nil
}

func sameFile(a, b *unix.Stat_t) bool {
	return a.Dev == b.Dev && a.Ino == b.Ino
}

// AttachedTo returns the loop devices backed by the image. Devices are
// matched by comparing the backing file inode, entries whose backing file
// no longer exists are ignored.
func AttachedTo(image string) ([]string, error) {
	var imageSt unix.Stat_t
	if err := unix.Stat(image, &imageSt); err != nil {
		return nil, fmt.Errorf("cannot stat %s: %v", image, err)
	}

	output, err := osutil.Run("losetup", "--json", "--list")
	if err != nil {
		return nil, err
	}
	// no output when no loop device is in use
	if len(strings.TrimSpace(string(output))) == 0 {
		return nil, nil
	}
	var list losetupList
	if err := json.Unmarshal(output, &list); err != nil {
		return nil, fmt.Errorf("cannot parse losetup output: %v", err)
	}

	var devices []string
	for _, ld := range list.LoopDevices {
		var st unix.Stat_t
		if err := unix.Stat(ld.BackFile, &st); err != nil {
			logger.Debugf("ignoring %s backed by %q: %v", ld.Name, ld.BackFile, err)
			continue
		}
		if sameFile(&st, &imageSt) {
			devices = append(devices, ld.Name)
		}
	}
	return devices, nil
}

func detach(dev string) error {
	var err error
	for attempt := retry.Start(detachRetryStrategy, nil); attempt.Next(); {
		if _, err = osutil.Run("losetup", "--detach", dev); err == nil {
			return nil
		}
		if attempt.More() {
			logger.Debugf("retrying detach of %s: %v", dev, err)
		}
	}
	return err
}

// DetachAll detaches every loop device backed by the image. All devices are
// attempted even if some fail.
func DetachAll(image string) error {
	devices, err := AttachedTo(image)
	if err != nil {
		return err
	}
	var failed []string
	for _, dev := range devices {
		if err := detach(dev); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", dev, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("cannot detach loop devices of %s:\n%s", image, strings.Join(failed, "\n"))
	}
	return nil
}

// PartitionDevice returns the device path of the partition with the given
// number on the loop device.
func PartitionDevice(dev string, number int) string {
	return fmt.Sprintf("%sp%d", dev, number)
}

func partitionsOf(dev string) ([]string, error) {
	output, err := osutil.Run("lsblk", "--json", "--list", "--paths", "--output", "NAME,TYPE", dev)
	if err != nil {
		return nil, err
	}
	var info lsblkInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, fmt.Errorf("cannot parse lsblk output: %v", err)
	}
	var parts []string
	for _, bd := range info.BlockDevices {
		if bd.Type == "part" {
			parts = append(parts, bd.Name)
		}
	}
	return parts, nil
}

// WaitForPartition waits until the kernel reports the partition with the
// given number on the loop device and returns its device path.
func WaitForPartition(dev string, number int) (string, error) {
	part := PartitionDevice(dev, number)
	var err error
	for attempt := retry.Start(partitionRetryStrategy, nil); attempt.Next(); {
		var parts []string
		parts, err = partitionsOf(dev)
		if err != nil {
			continue
		}
		for _, p := range parts {
			if p == part {
				return part, nil
			}
		}
		err = fmt.Errorf("partition %s not available", part)
	}
	return "", err
}

// Device is a loop device attached on demand to an image and released as a
// whole.
type Device struct {
	image string
	dev   string
}

// New returns a handle for loop devices backed by the image, no device is
// attached until Acquire is called.
func New(image string) *Device {
	return &Device{image: image}
}

// Acquire attaches the image to a loop device, at most once, and returns the
// device path.
func (d *Device) Acquire() (string, error) {
	if d.dev != "" {
		return d.dev, nil
	}
	dev, err := Attach(d.image)
	if err != nil {
		return "", err
	}
	d.dev = dev
	return dev, nil
}

// Release detaches all loop devices backed by the image, including ones not
// attached through this handle.
func (d *Device) Release() error {
	d.dev = ""
	return DetachAll(d.image)
}

// With attaches the image to a loop device for the duration of f. The
// devices are released on return, a release failure is attached to the
// error of f.
func With(image string, f func(dev string) error) (err error) {
	d := New(image)
	defer func() {
		releaseErr := d.Release()
		switch {
		case releaseErr == nil:
		case err == nil:
			err = releaseErr
		default:
			err = fmt.Errorf("%w (and %w)", err, releaseErr)
		}
	}()

	dev, err := d.Acquire()
	if err != nil {
		return err
	}
	return f(dev)
}
