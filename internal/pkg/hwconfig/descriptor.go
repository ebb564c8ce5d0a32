// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package hwconfig generates the hardware descriptor of the installed system
// and keeps it consistent with the live mount table.
package hwconfig

import (
	"bytes"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

const byUUIDPrefix = "/dev/disk/by-uuid/"

// FileSystem is one fileSystems entry of the descriptor.
type FileSystem struct {
	MountPoint string
	Device     string
	FSType     string
	Options    []string
}

// UUID returns the filesystem UUID referenced by the device, if any.
func (fs FileSystem) UUID() string {
	if uuid, ok := strings.CutPrefix(fs.Device, byUUIDPrefix); ok {
		return uuid
	}

	return ""
}

// Subvolume returns the btrfs subvolume referenced by the options.
func (fs FileSystem) Subvolume() (string, bool) {
	for _, opt := range fs.Options {
		if v, ok := strings.CutPrefix(opt, "subvol="); ok {
			return strings.TrimPrefix(v, "/"), true
		}
	}

	return "", false
}

// LuksDevice is an initrd encrypted device entry.
type LuksDevice struct {
	Name string
	UUID string
}

// Facts are the values derived from a descriptor.
type Facts struct {
	FileSystems []FileSystem
	LuksDevices []LuksDevice
}

// ByMountPoint looks up the fileSystems entry for the mount point.
func (f Facts) ByMountPoint(mountPoint string) (FileSystem, bool) {
	for _, fs := range f.FileSystems {
		if fs.MountPoint == mountPoint {
			return fs, true
		}
	}

	return FileSystem{}, false
}

// RootUUID is the UUID of the filesystem mounted at /.
func (f Facts) RootUUID() string {
	fs, _ := f.ByMountPoint("/")

	return fs.UUID()
}

// ESPUUID is the UUID of the filesystem mounted at /boot.
func (f Facts) ESPUUID() string {
	fs, _ := f.ByMountPoint("/boot")

	return fs.UUID()
}

// SubvolumeOptions lists every subvol= option, sorted.
func (f Facts) SubvolumeOptions() []string {
	var opts []string

	for _, fs := range f.FileSystems {
		if subvol, ok := fs.Subvolume(); ok {
			opts = append(opts, "subvol="+subvol)
		}
	}

	slices.Sort(opts)

	return opts
}

var (
	fileSystemRe = regexp.MustCompile(`fileSystems\."([^"]+)"\s*=\s*\{([^}]*)\};`)
	deviceRe     = regexp.MustCompile(`device\s*=\s*"([^"]*)"`)
	fsTypeRe     = regexp.MustCompile(`fsType\s*=\s*"([^"]*)"`)
	optionsRe    = regexp.MustCompile(`options\s*=\s*\[([^\]]*)\]`)
	quotedRe     = regexp.MustCompile(`"([^"]*)"`)
	luksRe       = regexp.MustCompile(`boot\.initrd\.luks\.devices\."([^"]+)"\.device\s*=\s*"([^"]*)"`)
)

// Parse extracts the facts of a descriptor.
func Parse(content []byte) Facts {
	var facts Facts

	for _, match := range fileSystemRe.FindAllSubmatch(content, -1) {
		body := match[2]

		fs := FileSystem{MountPoint: string(match[1])}

		if m := deviceRe.FindSubmatch(body); m != nil {
			fs.Device = string(m[1])
		}

		if m := fsTypeRe.FindSubmatch(body); m != nil {
			fs.FSType = string(m[1])
		}

		if m := optionsRe.FindSubmatch(body); m != nil {
			for _, opt := range quotedRe.FindAllSubmatch(m[1], -1) {
				fs.Options = append(fs.Options, string(opt[1]))
			}
		}

		facts.FileSystems = append(facts.FileSystems, fs)
	}

	for _, match := range luksRe.FindAllSubmatch(content, -1) {
		facts.LuksDevices = append(facts.LuksDevices, LuksDevice{
			Name: string(match[1]),
			UUID: strings.TrimPrefix(string(match[2]), byUUIDPrefix),
		})
	}

	return facts
}

// Render produces a descriptor in the layout of nixos-generate-config.
func Render(facts Facts) []byte {
	var buf bytes.Buffer

	buf.WriteString("# Do not modify this file!  It was generated by 'nixos-generate-config'\n")
	buf.WriteString("# and may be overwritten by future invocations.\n")
	buf.WriteString("{ config, lib, pkgs, modulesPath, ... }:\n\n{\n")
	buf.WriteString("  imports = [ (modulesPath + \"/installer/scan/not-detected.nix\") ];\n\n")

	fileSystems := slices.Clone(facts.FileSystems)
	sort.SliceStable(fileSystems, func(i, j int) bool {
		return fileSystems[i].MountPoint < fileSystems[j].MountPoint
	})

	for _, fs := range fileSystems {
		fmt.Fprintf(&buf, "  fileSystems.%q =\n", fs.MountPoint)
		fmt.Fprintf(&buf, "    { device = %q;\n", fs.Device)
		fmt.Fprintf(&buf, "      fsType = %q;\n", fs.FSType)

		if len(fs.Options) > 0 {
			quoted := make([]string, 0, len(fs.Options))

			for _, opt := range fs.Options {
				quoted = append(quoted, fmt.Sprintf("%q", opt))
			}

			fmt.Fprintf(&buf, "      options = [ %s ];\n", strings.Join(quoted, " "))
		}

		buf.WriteString("    };\n\n")

		for _, luks := range facts.LuksDevices {
			if fs.MountPoint == "/" {
				fmt.Fprintf(&buf, "  boot.initrd.luks.devices.%q.device = %q;\n\n", luks.Name, byUUIDPrefix+luks.UUID)
			}
		}
	}

	buf.WriteString("  swapDevices = [ ];\n\n")
	buf.WriteString("  nixpkgs.hostPlatform = lib.mkDefault \"x86_64-linux\";\n}\n")

	return buf.Bytes()
}

// DevicePath returns the by-uuid device path for a filesystem UUID.
func DevicePath(uuid string) string {
	return byUUIDPrefix + uuid
}
