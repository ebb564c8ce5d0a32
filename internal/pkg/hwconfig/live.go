// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hwconfig

import (
	"fmt"
	"strings"

	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// UUIDFunc resolves the filesystem UUID of a block device.
type UUIDFunc func(device string) (string, error)

// LiveFileSystems converts the mount table below root into descriptor entries.
func LiveFileSystems(root string, mounts []system.MountPoint, uuidOf UUIDFunc) ([]FileSystem, error) {
	root = strings.TrimSuffix(root, "/")

	fileSystems := make([]FileSystem, 0, len(mounts))

	for _, mp := range mounts {
		rel := strings.TrimPrefix(mp.Target, root)
		if rel == "" {
			rel = "/"
		}

		if !strings.HasPrefix(rel, "/") {
			continue
		}

		uuid, err := uuidOf(mp.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve UUID of %s: %w", mp.Source, err)
		}

		if uuid == "" {
			return nil, fmt.Errorf("no filesystem UUID found on %s mounted at %s", mp.Source, mp.Target)
		}

		fs := FileSystem{
			MountPoint: rel,
			Device:     DevicePath(uuid),
			FSType:     mp.FSType,
		}

		if subvol, ok := mp.Option("subvol"); ok {
			fs.Options = append(fs.Options, "subvol="+strings.TrimPrefix(subvol, "/"))
		}

		if mp.FSType == string(system.FilesystemVFAT) {
			fs.Options = append(fs.Options, "fmask=0022", "dmask=0022")
		}

		fileSystems = append(fileSystems, fs)
	}

	return fileSystems, nil
}

// ExpectationFor derives the expectation from live descriptor entries.
func ExpectationFor(fileSystems []FileSystem) Expectation {
	exp := Expectation{Subvolumes: map[string]string{}}

	for _, fs := range fileSystems {
		switch fs.MountPoint {
		case "/":
			exp.RootUUID = fs.UUID()
		case "/boot":
			exp.ESPUUID = fs.UUID()
		}

		if subvol, ok := fs.Subvolume(); ok {
			exp.Subvolumes[fs.MountPoint] = subvol
		}
	}

	return exp
}
