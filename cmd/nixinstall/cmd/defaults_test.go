// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
)

type testFlags struct {
	machine  string
	disk     string
	rootSize string
	encrypt  bool
}

func newFlagSet(t *testing.T, args ...string) (*pflag.FlagSet, *testFlags) {
	t.Helper()

	var f testFlags

	flags := pflag.NewFlagSet("install", pflag.ContinueOnError)
	flags.StringVar(&f.machine, "machine", "", "")
	flags.StringVar(&f.disk, "disk", "", "")
	flags.StringVar(&f.rootSize, "root-size", "", "")
	flags.BoolVar(&f.encrypt, "encrypt", false, "")

	require.NoError(t, flags.Parse(args))

	return flags, &f
}

func TestEnvKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "NIXINSTALL_ROOT_SIZE", EnvKey("root-size"))
	assert.Equal(t, "NIXINSTALL_MACHINE", EnvKey("machine"))
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	flags, f := newFlagSet(t, "--machine", "laptop")

	require.NoError(t, applyDefaults(flags, strings.NewReader(`
# defaults for the lab machines
NIXINSTALL_MACHINE=server
NIXINSTALL_DISK="/dev/nvme0n1"
NIXINSTALL_ROOT_SIZE=64GiB
NIXINSTALL_ENCRYPT=true
OTHER_VARIABLE=ignored
`)))

	assert.Equal(t, "laptop", f.machine)
	assert.Equal(t, "/dev/nvme0n1", f.disk)
	assert.Equal(t, "64GiB", f.rootSize)
	assert.True(t, f.encrypt)
	assert.True(t, flags.Changed("encrypt"))
}

func TestApplyDefaultsInvalid(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		content string
	}{
		{
			name:    "bad value",
			content: "NIXINSTALL_ENCRYPT=maybe\n",
		},
		{
			name:    "bad syntax",
			content: "NIXINSTALL_DISK=\"/dev/sda\n",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			flags, _ := newFlagSet(t)

			err := applyDefaults(flags, strings.NewReader(test.content))
			require.Error(t, err)

			var validation *failure.ValidationError

			assert.ErrorAs(t, err, &validation)
		})
	}
}
