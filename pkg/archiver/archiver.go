// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package archiver provides a service to archive part of the filesystem into tar archive.
package archiver

import (
	"context"
	"io"

	"github.com/klauspost/compress/zstd"
)

// TarZstd produces .tar.zst archive of filesystem starting at rootPath.
func TarZstd(ctx context.Context, rootPath string, output io.Writer) error {
	zw, err := zstd.NewWriter(output)
	if err != nil {
		return err
	}

	//nolint:errcheck
	defer zw.Close()

	err = Tar(ctx, rootPath, zw)
	if err != nil {
		return err
	}

	return zw.Close()
}

// UntarZstd extracts .tar.zst archive to the rootPath.
func UntarZstd(ctx context.Context, input io.Reader, rootPath string) error {
	zr, err := zstd.NewReader(input)
	if err != nil {
		return err
	}

	defer zr.Close()

	return Untar(ctx, zr, rootPath)
}
