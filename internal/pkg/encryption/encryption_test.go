// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package encryption_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/nixinstall/internal/pkg/encryption"
	"github.com/siderolabs/nixinstall/internal/pkg/poll"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
	"github.com/siderolabs/nixinstall/internal/pkg/system/simulated"
)

var pollOpts = poll.Options{Timeout: time.Second, Interval: 10 * time.Millisecond}

func newHost() *simulated.Host {
	return simulated.New(simulated.WithDisk(system.Disk{
		Path: "/dev/vda",
		Size: 1 << 34,
		Partitions: []system.Partition{
			{Index: 1, Start: 1 << 20, Size: 1 << 29, TypeGUID: system.TypeEFISystem, Filesystem: "vfat"},
			{Index: 2, Start: 1<<29 + 1<<20, Size: 1 << 33, TypeGUID: system.TypeLinuxFilesystem},
		},
	}))
}

func TestFormatAndOpen(t *testing.T) {
	t.Parallel()

	host := newHost()
	logger := zaptest.NewLogger(t)

	h := encryption.NewHandler(host, logger, []byte("passphrase"), pollOpts)

	mapped, err := h.FormatAndOpen(t.Context(), "/dev/vda2")
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/cryptroot", mapped)

	fs, err := host.ProbeFilesystem(t.Context(), "/dev/vda2")
	require.NoError(t, err)
	assert.Equal(t, "crypto_LUKS", fs.Type)

	require.NoError(t, encryption.Close(t.Context(), host, logger, encryption.MappingName))
	require.NoError(t, encryption.Close(t.Context(), host, logger, encryption.MappingName))

	assert.Len(t, host.CallsTo("LuksClose"), 1)

	wrong := encryption.NewHandler(host, logger, []byte("guess"), pollOpts)

	_, err = wrong.Open(t.Context(), "/dev/vda2")
	assert.ErrorContains(t, err, "no key available")
}

func TestFormatWithoutPassphrase(t *testing.T) {
	t.Parallel()

	host := newHost()

	_, err := encryption.NewHandler(host, zaptest.NewLogger(t), nil, pollOpts).FormatAndOpen(t.Context(), "/dev/vda2")
	require.Error(t, err)

	assert.Empty(t, host.Calls())
}
