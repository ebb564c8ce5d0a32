// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/runner"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
	"github.com/siderolabs/nixinstall/pkg/archiver"
)

// Backuper writes ESP archives into a directory.
type Backuper struct {
	host   system.Host
	runner *runner.Runner
	logger *zap.Logger
	dir    string
	now    func() time.Time
}

// NewBackuper creates a Backuper writing to dir.
func NewBackuper(host system.Host, r *runner.Runner, logger *zap.Logger, dir string) *Backuper {
	return &Backuper{
		host:   host,
		runner: r,
		logger: logger,
		dir:    dir,
		now:    time.Now,
	}
}

// Backup mounts the ESP read-only and archives its content as .tar.zst.
func (b *Backuper) Backup(ctx context.Context, esp string) (archive string, err error) {
	mountpoint, err := os.MkdirTemp("", "nixinstall-esp-")
	if err != nil {
		return "", err
	}

	defer os.Remove(mountpoint) //nolint:errcheck

	if err = b.host.Mount(ctx, esp, mountpoint, system.FilesystemVFAT, []string{"ro"}); err != nil {
		return "", err
	}

	defer func() {
		err = failure.Append(err, b.host.Unmount(ctx, mountpoint))
	}()

	name := strings.ReplaceAll(strings.TrimPrefix(esp, "/dev/"), "/", "-")
	archive = filepath.Join(b.dir, fmt.Sprintf("esp-%s-%s.tar.zst", name, b.now().UTC().Format("20060102T150405Z")))

	if err = b.runner.Do(ctx, "archive "+esp+" to "+archive, func(ctx context.Context) error {
		return writeArchive(ctx, mountpoint, archive)
	}); err != nil {
		return "", err
	}

	b.logger.Info("backed up ESP", zap.String("esp", esp), zap.String("archive", archive))

	return archive, nil
}

func writeArchive(ctx context.Context, dir, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	fp, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	if err = archiver.TarZstd(ctx, dir, fp); err != nil {
		fp.Close()      //nolint:errcheck
		os.Remove(path) //nolint:errcheck

		return err
	}

	return fp.Close()
}
