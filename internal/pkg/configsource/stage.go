// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package configsource

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/siderolabs/go-copy/copy"
	"go.uber.org/zap"
)

// OverrideFile names the machine the staged configuration is installed for.
//
// It only exists while an installation is running.
const OverrideFile = ".nixinstall-machine"

// Stage copies the checkout into dst, the configuration directory of the target.
func (r *Resolver) Stage(ctx context.Context, src Source, dst string) error {
	return r.runner.Do(ctx, "copy "+src.Dir+" to "+dst, func(context.Context) error {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}

		r.logger.Info("staging configuration", zap.String("src", src.Dir), zap.String("dst", dst))

		return copy.Dir(src.Dir, dst)
	})
}

// WriteOverride records machine in the staged configuration and returns the file path.
func (r *Resolver) WriteOverride(ctx context.Context, dst, machine string) (string, error) {
	path := filepath.Join(dst, OverrideFile)

	return path, r.runner.Do(ctx, "write "+path, func(context.Context) error {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}

		return os.WriteFile(path, []byte(machine+"\n"), 0o644)
	})
}

// RemoveOverride deletes the override file; a missing file is not an error.
func (r *Resolver) RemoveOverride(ctx context.Context, path string) error {
	return r.runner.Do(ctx, "remove "+path, func(context.Context) error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		return nil
	})
}
