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

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/canonical/imagecraft/arch"
	"github.com/canonical/imagecraft/gadget"
	"github.com/canonical/imagecraft/image"
	"github.com/canonical/imagecraft/image/chroot"
	"github.com/canonical/imagecraft/logger"
	"github.com/canonical/imagecraft/osutil"
)

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr

	imagePack = image.Pack
)

const (
	shortHelp = "Pack a volume into a bootable disk image"
	longHelp  = `
imagecraft-pack creates a GPT disk image holding one formatted partition per
structure of the volume, populated from the partition prime directories, and
installs GRUB on it.
`
)

type options struct {
	VolumeFile       string   `long:"volume-file" required:"yes" description:"YAML file describing the volume"`
	PrimeDirs        []string `long:"prime-dir" value-name:"PARTITION=DIR" description:"Content directory of a partition"`
	WorkDir          string   `long:"work-dir" default:"." description:"Work directory"`
	OutputDir        string   `long:"output-dir" required:"yes" description:"Directory receiving the disk image"`
	Arch             string   `long:"arch" description:"Debian architecture of the image (default: host architecture)"`
	FilesystemMounts []string `long:"filesystem-mount" value-name:"MOUNT=DEVICE" description:"Mount point of a partition in the assembled system"`
	Debug            bool     `long:"debug" description:"Enable debug output"`
}

func main() {
	// the process may be a chroot helper of a running pack
	chroot.Init()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parsePrimeDirs(specs []string) (map[string]string, error) {
	dirs := make(map[string]string, len(specs))
	for _, spec := range specs {
		partition, dir, ok := strings.Cut(spec, "=")
		if !ok || partition == "" || dir == "" {
			return nil, fmt.Errorf("invalid prime directory %q: expected PARTITION=DIR", spec)
		}
		dirs[partition] = dir
	}
	return dirs, nil
}

func parseFilesystemMounts(specs []string) (gadget.FilesystemMounts, error) {
	var fms gadget.FilesystemMounts
	for _, spec := range specs {
		mountpoint, device, ok := strings.Cut(spec, "=")
		if !ok || mountpoint == "" {
			return nil, fmt.Errorf("invalid filesystem mount %q: expected MOUNT=DEVICE", spec)
		}
		fm := gadget.FilesystemMount{Mount: mountpoint, Device: device}
		if _, _, err := fm.Partition(); err != nil {
			return nil, err
		}
		fms = append(fms, fm)
	}
	return fms, nil
}

func run(args []string) error {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = shortHelp
	parser.LongDescription = longHelp
	if _, err := parser.ParseArgs(args); err != nil {
		return err
	}

	debug := opts.Debug || osutil.GetenvBool("IMAGECRAFT_DEBUG")
	if err := logger.SimpleSetup(debug); err != nil {
		fmt.Fprintf(Stderr, "WARNING: failed to activate logging: %v\n", err)
	}

	info, err := gadget.ReadInfo(opts.VolumeFile)
	if err != nil {
		return err
	}

	primeDirs, err := parsePrimeDirs(opts.PrimeDirs)
	if err != nil {
		return err
	}

	mounts, err := parseFilesystemMounts(opts.FilesystemMounts)
	if err != nil {
		return err
	}
	if len(mounts) == 0 {
		mounts = info.DefaultFilesystemMounts()
	}

	targetArch := opts.Arch
	if targetArch == "" {
		targetArch, err = arch.DpkgArchitecture()
		if err != nil {
			return err
		}
	}

	packOpts := &image.PackOptions{
		Volumes:          info.Volumes,
		OutputDir:        opts.OutputDir,
		WorkDir:          opts.WorkDir,
		Arch:             targetArch,
		FilesystemMounts: mounts,
	}
	if len(primeDirs) > 0 {
		var volumeName string
		for name := range info.Volumes {
			volumeName = name
		}
		fallback := image.PrimeDirUnder(opts.WorkDir, volumeName)
		packOpts.PrimeDir = func(partition string) string {
			if dir, ok := primeDirs[partition]; ok {
				return dir
			}
			return fallback(partition)
		}
	}

	paths, err := imagePack(packOpts)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(Stdout, p)
	}
	return nil
}
