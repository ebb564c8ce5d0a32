// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hwconfig

import (
	"bytes"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

// Expectation is what the live mount table says the descriptor must contain.
type Expectation struct {
	RootUUID string
	ESPUUID  string
	// Subvolumes maps a mount point (relative to the target root) to its btrfs subvolume.
	Subvolumes map[string]string
}

// Problem is a single mismatch between a descriptor and the live system.
type Problem struct {
	MountPoint string
	Message    string
	// Missing is set when the descriptor has no entry for the mount point at all.
	Missing bool
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.MountPoint, p.Message)
}

// Check cross-checks a descriptor against the expectation.
func Check(content []byte, exp Expectation) []Problem {
	facts := Parse(content)

	var problems []Problem

	checkUUID := func(mountPoint, expected string) {
		if expected == "" {
			return
		}

		fs, ok := facts.ByMountPoint(mountPoint)
		if !ok {
			problems = append(problems, Problem{MountPoint: mountPoint, Message: "no fileSystems entry", Missing: true})

			return
		}

		if fs.UUID() != expected || !bytes.Contains(content, []byte(expected)) {
			problems = append(problems, Problem{
				MountPoint: mountPoint,
				Message:    fmt.Sprintf("device %q does not reference UUID %s", fs.Device, expected),
			})
		}
	}

	checkUUID("/", exp.RootUUID)
	checkUUID("/boot", exp.ESPUUID)

	for _, mountPoint := range slices.Sorted(maps.Keys(exp.Subvolumes)) {
		subvol := exp.Subvolumes[mountPoint]

		fs, ok := facts.ByMountPoint(mountPoint)
		if !ok {
			problems = append(problems, Problem{MountPoint: mountPoint, Message: "no fileSystems entry", Missing: true})

			continue
		}

		if got, ok := fs.Subvolume(); !ok || got != subvol {
			problems = append(problems, Problem{
				MountPoint: mountPoint,
				Message:    fmt.Sprintf("options do not reference subvol=%s", subvol),
			})
		}
	}

	return problems
}

// Patchable reports whether every problem can be fixed in place.
func Patchable(problems []Problem) bool {
	for _, p := range problems {
		if p.Missing {
			return false
		}
	}

	return true
}

// Patch substitutes wrong UUIDs and injects missing subvol= options.
func Patch(content []byte, exp Expectation) []byte {
	return fileSystemRe.ReplaceAllFunc(content, func(entry []byte) []byte {
		match := fileSystemRe.FindSubmatch(entry)
		mountPoint := string(match[1])

		var expectedUUID string

		switch mountPoint {
		case "/":
			expectedUUID = exp.RootUUID
		case "/boot":
			expectedUUID = exp.ESPUUID
		}

		if expectedUUID != "" {
			entry = deviceRe.ReplaceAll(entry, []byte(`device = "`+DevicePath(expectedUUID)+`"`))
		}

		subvol, ok := exp.Subvolumes[mountPoint]
		if !ok {
			return entry
		}

		option := fmt.Sprintf("%q", "subvol="+subvol)

		if optionsRe.Match(entry) {
			return optionsRe.ReplaceAllFunc(entry, func(opts []byte) []byte {
				inner := optionsRe.FindSubmatch(opts)[1]
				kept := stripSubvol(string(inner))

				return []byte("options = [ " + strings.TrimSpace(option+" "+kept) + " ]")
			})
		}

		return closingRe.ReplaceAll(entry, []byte("\n      options = [ "+option+" ];\n    };"))
	})
}

var (
	subvolOptionRe = regexp.MustCompile(`"subvol=[^"]*"`)
	closingRe      = regexp.MustCompile(`\s*\};$`)
)

func stripSubvol(options string) string {
	return strings.Join(strings.Fields(subvolOptionRe.ReplaceAllString(options, "")), " ")
}
