// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package privilege keeps elevated privileges alive during long installs.
package privilege

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/runner"
)

// DefaultInterval is well below the default sudo credential timeout.
const DefaultInterval = time.Minute

// EnvSudoUser is set by sudo for the invoked command.
const EnvSudoUser = "SUDO_USER"

// Elevated reports whether the process was started through sudo.
func Elevated(getenv func(string) string) bool {
	return getenv(EnvSudoUser) != ""
}

// Keepalive refreshes the sudo credentials on a ticker.
type Keepalive struct {
	runner   *runner.Runner
	logger   *zap.Logger
	clock    clock.Clock
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the Keepalive.
type Option func(*Keepalive)

// WithClock replaces the clock driving the ticker.
func WithClock(c clock.Clock) Option {
	return func(k *Keepalive) {
		k.clock = c
	}
}

// WithInterval sets the refresh interval.
func WithInterval(interval time.Duration) Option {
	return func(k *Keepalive) {
		k.interval = interval
	}
}

// NewKeepalive creates a stopped Keepalive.
func NewKeepalive(r *runner.Runner, logger *zap.Logger, opts ...Option) *Keepalive {
	k := &Keepalive{
		runner:   r,
		logger:   logger,
		clock:    clock.New(),
		interval: DefaultInterval,
	}

	for _, opt := range opts {
		opt(k)
	}

	return k
}

// Start launches the refresh loop; it runs until Stop or until ctx is canceled.
func (k *Keepalive) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cancel != nil {
		return
	}

	ctx, k.cancel = context.WithCancel(ctx)

	k.wg.Add(1)

	go func() {
		defer k.wg.Done()

		k.run(ctx)
	}()
}

// Stop terminates the refresh loop and waits for it to exit.
//
// Stop is safe to call more than once and on a Keepalive which was never started.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	cancel := k.cancel
	k.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()

	k.wg.Wait()
}

func (k *Keepalive) run(ctx context.Context) {
	ticker := k.clock.Ticker(k.interval)
	defer ticker.Stop()

	for {
		if _, err := k.runner.RunUntracked(ctx, "sudo", "--non-interactive", "--validate"); err != nil {
			if ctx.Err() != nil {
				return
			}

			k.logger.Warn("failed to refresh sudo credentials", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
