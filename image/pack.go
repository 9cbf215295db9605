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

package image

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canonical/imagecraft/bootloader"
	"github.com/canonical/imagecraft/gadget"
	"github.com/canonical/imagecraft/gadget/quantity"
	"github.com/canonical/imagecraft/logger"
	"github.com/canonical/imagecraft/osutil/disks"
	"github.com/canonical/imagecraft/osutil/mkfs"
	"github.com/canonical/imagecraft/osutil/mount"
)

// Stage is a step of packing a volume into a disk image.
type Stage string

const (
	StageInit                Stage = "init"
	StageSized               Stage = "sized"
	StageEmptyImage          Stage = "empty-image"
	StagePartitioned         Stage = "partitioned"
	StageFormatting          Stage = "formatting"
	StageInjected            Stage = "injected"
	StageVerified            Stage = "verified"
	StageBootloaderInstalled Stage = "bootloader-installed"
	StageDone                Stage = "done"
)

var (
	imageSize           = disks.ImageSize
	createZero          = disks.CreateZero
	writePartitionTable = disks.WritePartitionTable
	formatAndPopulate   = mkfs.FormatAndPopulate
	sectorOffsetOf      = disks.SectorOffsetOf
	inject              = disks.Inject
	verifyTables        = disks.VerifyTables
	setupGrub           = bootloader.SetupGrub
)

// PackOptions describes the volume to pack and where its content is.
type PackOptions struct {
	Volumes map[string]*gadget.Volume
	// PrimeDir returns the content directory of the named partition.
	PrimeDir func(partition string) string
	// OutputDir receives the disk image.
	OutputDir string
	// WorkDir holds the temporary partition images, it is expected to be
	// on a disk backed filesystem.
	WorkDir string
	// Arch is the Debian architecture of the image.
	Arch string
	// FilesystemMounts maps partitions to their mount points in the
	// assembled system. When empty, mounts are derived from roles.
	FilesystemMounts gadget.FilesystemMounts
}

// PackError is returned when packing a volume failed, it names the stage
// that could not be reached and the partition being processed, if any.
type PackError struct {
	Volume    string
	Stage     Stage
	Partition string
	Err       error
	// Cleanup is set when removing the temporary files failed too.
	Cleanup error
}

func (e *PackError) Error() string {
	var msg string
	if e.Partition != "" {
		msg = fmt.Sprintf("cannot pack partition %s/%s (%s): %v", e.Volume, e.Partition, e.Stage, e.Err)
	} else {
		msg = fmt.Sprintf("cannot pack volume %q (%s): %v", e.Volume, e.Stage, e.Err)
	}
	if e.Cleanup != nil {
		msg += fmt.Sprintf(" (and %v)", e.Cleanup)
	}
	return msg
}

func (e *PackError) Unwrap() error {
	return e.Err
}

// PrimeDirUnder returns the lookup of partition content directories laid out
// below workDir as partitions/volume/<volume>/<partition>/prime.
func PrimeDirUnder(workDir, volume string) func(partition string) string {
	return func(partition string) string {
		return filepath.Join(workDir, "partitions", "volume", volume, partition, "prime")
	}
}

// Pack creates a disk image of the single volume in opts with one formatted
// partition per structure, populated from the partition prime directories,
// and installs the bootloader on it. It returns the path of the disk image.
// On failure the partial disk image is left in place.
func Pack(opts *PackOptions) ([]string, error) {
	if len(opts.Volumes) != 1 {
		return nil, &PackError{Stage: StageInit, Err: fmt.Errorf("expected exactly one volume, found %d", len(opts.Volumes))}
	}
	var name string
	var vol *gadget.Volume
	for n, v := range opts.Volumes {
		name, vol = n, v
	}
	if vol.Name == "" {
		named := *vol
		named.Name = name
		vol = &named
	}
	primeDir := opts.PrimeDir
	if primeDir == nil {
		primeDir = PrimeDirUnder(opts.WorkDir, vol.Name)
	}

	p := &packer{
		opts:     opts,
		vol:      vol,
		primeDir: primeDir,
		ss:       disks.SectorSize512,
		diskPath: filepath.Join(opts.OutputDir, vol.Name+".img"),
	}
	if err := p.run(); err != nil {
		return nil, err
	}
	return []string{p.diskPath}, nil
}

type packer struct {
	opts     *PackOptions
	vol      *gadget.Volume
	primeDir func(string) string
	ss       uint64
	diskPath string
	tmpDir   string
}

func (p *packer) fail(stage Stage, partition string, err error) *PackError {
	return &PackError{Volume: p.vol.Name, Stage: stage, Partition: partition, Err: err}
}

func (p *packer) run() (err error) {
	if err := os.MkdirAll(p.opts.WorkDir, 0755); err != nil {
		return p.fail(StageInit, "", fmt.Errorf("cannot create work directory: %v", err))
	}
	if err := os.MkdirAll(p.opts.OutputDir, 0755); err != nil {
		return p.fail(StageInit, "", fmt.Errorf("cannot create output directory: %v", err))
	}
	// partition images can be large, keep them off tmpfs
	p.tmpDir, err = os.MkdirTemp(p.opts.WorkDir, "pack-")
	if err != nil {
		return p.fail(StageInit, "", fmt.Errorf("cannot create temporary directory: %v", err))
	}
	defer func() {
		var merr *mount.CleanupError
		if errors.As(err, &merr) {
			// something may still be mounted below the chroot
			logger.Warningf("leaving %s in place after failed unmount", p.tmpDir)
			return
		}
		cleanupErr := os.RemoveAll(p.tmpDir)
		if cleanupErr == nil {
			return
		}
		cleanupErr = fmt.Errorf("cannot remove temporary directory: %v", cleanupErr)
		if perr, ok := err.(*PackError); ok {
			perr.Cleanup = cleanupErr
			return
		}
		if err == nil {
			err = p.fail(StageDone, "", cleanupErr)
		}
	}()

	size, err := imageSize(p.vol, p.ss)
	if err != nil {
		return p.fail(StageSized, "", err)
	}
	logger.Debugf("disk image %s is %s (%v)", p.diskPath, quantity.Size(size.Bytes).IECString(), size)

	if err := createZero(p.diskPath, size); err != nil {
		return p.fail(StageEmptyImage, "", err)
	}
	if err := writePartitionTable(p.diskPath, p.ss, p.vol); err != nil {
		return p.fail(StagePartitioned, "", err)
	}

	for i := range p.vol.Structure {
		if err := p.addPartition(&p.vol.Structure[i]); err != nil {
			return err
		}
	}

	if err := verifyTables(p.diskPath); err != nil {
		return p.fail(StageVerified, "", err)
	}

	mounts := p.opts.FilesystemMounts
	if len(mounts) == 0 {
		mounts = gadget.DefaultFilesystemMounts(p.vol)
	}
	img := bootloader.Image{Volume: p.vol, Path: p.diskPath}
	if err := setupGrub(img, p.tmpDir, p.opts.Arch, mounts); err != nil {
		return p.fail(StageBootloaderInstalled, "", err)
	}
	return nil
}

func (p *packer) addPartition(vs *gadget.VolumeStructure) error {
	partPath := filepath.Join(p.tmpDir, fmt.Sprintf("%s.%s.img", p.vol.Name, vs.Name))
	size := disks.NewDiskSize(disks.AlignToSectors(uint64(vs.Size), p.ss), p.ss)

	logger.Noticef("Preparing partition %s/%s", p.vol.Name, vs.Name)
	if err := formatAndPopulate(vs.Filesystem, p.primeDir(vs.Name), partPath, size, vs.EffectiveLabel()); err != nil {
		return p.fail(StageFormatting, vs.Name, err)
	}

	offset, err := sectorOffsetOf(p.diskPath, vs.Name)
	if err != nil {
		return p.fail(StageInjected, vs.Name, err)
	}
	logger.Noticef("Adding partition %s/%s to the image", p.vol.Name, vs.Name)
	if err := inject(partPath, p.diskPath, offset, size); err != nil {
		return p.fail(StageInjected, vs.Name, err)
	}
	// the partition image is no longer needed, free the space early
	if err := os.Remove(partPath); err != nil {
		logger.Debugf("cannot remove %s: %v", partPath, err)
	}
	return nil
}
