// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	unmountTimeout      = 90 * time.Second
	unmountForceTimeout = 10 * time.Second
)

func syncMount(target string) error {
	fd, err := unix.Open(target, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %q: %w", target, err)
	}
	defer unix.Close(fd) //nolint:errcheck

	if err := unix.Syncfs(fd); err != nil {
		return fmt.Errorf("syncfs %q: %w", target, err)
	}

	return nil
}

func unmountLoop(ctx context.Context, logger *zap.Logger, target string, flags int, timeout time.Duration) (bool, error) {
	errCh := make(chan error, 1)

	if err := syncMount(target); err != nil {
		logger.Warn("sync before unmount failed", zap.Error(err))
	}

	go func() {
		errCh <- unix.Unmount(target, flags)
	}()

	start := time.Now()

	progressTicker := time.NewTicker(timeout / 5)
	defer progressTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-errCh:
			return true, err
		case <-progressTicker.C:
			timeLeft := timeout - time.Since(start)

			if timeLeft <= 0 {
				return false, nil
			}

			logger.Info("unmount is taking longer than expected", zap.String("target", target), zap.Duration("left", timeLeft))
		}
	}
}

// safeUnmount unmounts the target, falling back to a forced unmount after a timeout.
func safeUnmount(ctx context.Context, logger *zap.Logger, target string) error {
	ok, err := unmountLoop(ctx, logger, target, 0, unmountTimeout)
	if ok {
		return err
	}

	logger.Warn("unmounting with force", zap.String("target", target))

	ok, err = unmountLoop(ctx, logger, target, unix.MNT_FORCE, unmountForceTimeout)
	if ok {
		return err
	}

	return fmt.Errorf("unmounting %s with force flag timed out", target)
}
