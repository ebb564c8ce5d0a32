// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package request_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dustin/go-humanize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/request"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

func ptr[T any](v T) *T {
	return &v
}

func completeInput() request.Input {
	return request.Input{
		Mode:           "dual-boot",
		Machine:        "laptop",
		Disk:           "/dev/nvme0n1",
		Filesystem:     "btrfs",
		Encrypt:        ptr(true),
		PassphraseFile: "/run/secrets/luks",
		Repo:           "https://github.com/example/nixos-config",
		RootSize:       "20GiB",
		NonInteractive: true,
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	req, err := request.New(completeInput())
	require.NoError(t, err)

	assert.Equal(t, request.ModeDualBoot, req.Mode)
	assert.Equal(t, system.FilesystemBtrfs, req.Filesystem)
	assert.True(t, req.Encrypt)
	assert.Equal(t, request.PassphraseSource{File: "/run/secrets/luks"}, req.Passphrase)
	assert.Equal(t, uint64(20*humanize.GiByte), req.RootSize)
	assert.Equal(t, request.DefaultMountRoot, req.MountRoot)
	assert.Equal(t, request.DefaultBranch, req.Branch)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name     string
		modify   func(*request.Input)
		missing  []string
		messages []string
	}{
		{
			name:    "empty",
			modify:  func(in *request.Input) { *in = request.Input{NonInteractive: true} },
			missing: []string{"mode", "machine", "filesystem", "repo", "encrypt"},
		},
		{
			name: "dual-boot without size and passphrase",
			modify: func(in *request.Input) {
				in.RootSize = ""
				in.PassphraseFile = ""
			},
			missing: []string{"root-size", "passphrase-file"},
		},
		{
			name: "manual without partitions",
			modify: func(in *request.Input) {
				in.Mode = "manual"
				in.Disk = ""
			},
			missing: []string{"esp", "root"},
		},
		{
			name: "invalid values",
			modify: func(in *request.Input) {
				in.Mode = "wipe-all"
				in.Filesystem = "zfs"
				in.RootSize = "lots"
				in.Disk = "sda"
			},
			messages: []string{
				`unsupported mode "wipe-all"`,
				`unsupported filesystem "zfs"`,
				`invalid root size "lots"`,
				`disk must be an absolute path: "sda"`,
			},
		},
		{
			name: "missing and invalid together",
			modify: func(in *request.Input) {
				in.Machine = ""
				in.MountRoot = "/"
			},
			missing:  []string{"machine"},
			messages: []string{"mount root must not be /"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			in := completeInput()
			test.modify(&in)

			_, err := request.New(in)
			require.Error(t, err)

			assert.Equal(t, failure.KindValidation, failure.KindOf(err))

			if test.missing != nil {
				var verr *failure.ValidationError

				require.True(t, errors.As(err, &verr))
				assert.Equal(t, test.missing, verr.Fields)
			}

			for _, msg := range test.messages {
				assert.ErrorContains(t, err, msg)
			}
		})
	}
}

func TestCheckInteractive(t *testing.T) {
	t.Parallel()

	assert.NoError(t, request.Check(request.Input{Mode: "fresh"}))
	assert.Error(t, request.Check(request.Input{Filesystem: "xfs"}))
	assert.Error(t, request.Check(request.Input{Mode: "fresh", NonInteractive: true}))
}

func TestConfirmsErase(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		token    string
		expected bool
	}{
		{token: "", expected: false},
		{token: "ERASE /dev/sda", expected: true},
		{token: "/dev/sda", expected: true},
		{token: "erase /dev/sda", expected: false},
		{token: "ERASE /dev/sdb", expected: false},
	} {
		req := request.Request{Mode: request.ModeFresh, Disk: "/dev/sda", ConfirmToken: test.token}

		assert.Equal(t, test.expected, req.ConfirmsErase(), "token %q", test.token)
	}
}

func TestReadPassphrase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "passphrase")

	require.NoError(t, os.WriteFile(path, []byte("correct horse\n"), 0o600))

	passphrase, err := request.ReadPassphrase(t.Context(), request.PassphraseSource{File: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, "correct horse", string(passphrase))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))

	_, err = request.ReadPassphrase(t.Context(), request.PassphraseSource{File: empty}, nil)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	_, err = request.ReadPassphrase(t.Context(), request.PassphraseSource{Prompt: true}, nil)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	passphrase, err = request.ReadPassphrase(t.Context(), request.PassphraseSource{Prompt: true}, &scripted{passphrase: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(passphrase))
}
