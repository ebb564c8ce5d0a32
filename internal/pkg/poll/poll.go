// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package poll implements bounded waits for asynchronous host state.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/siderolabs/go-retry/retry"
)

// Condition reports whether the awaited state was reached.
//
// A non-nil error aborts the wait immediately.
type Condition func(ctx context.Context) (bool, error)

// Options bound a wait.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultOptions are used for device readiness checks.
var DefaultOptions = Options{
	Timeout:  30 * time.Second,
	Interval: 250 * time.Millisecond,
}

// Until evaluates cond until it returns true, fails, or the timeout expires.
//
// The wait fails closed: an expired timeout is always an error.
func Until(ctx context.Context, opts Options, what string, cond Condition) error {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions.Timeout
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions.Interval
	}

	var condErr error

	err := retry.Constant(opts.Timeout, retry.WithUnits(opts.Interval)).RetryWithContext(ctx, func(ctx context.Context) error {
		ok, err := cond(ctx)
		if err != nil {
			condErr = err

			return retry.UnexpectedError(err)
		}

		if !ok {
			return retry.ExpectedErrorf("%s: not ready yet", what)
		}

		return nil
	})
	if err != nil {
		if condErr != nil {
			return condErr
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("waiting for %s (timeout %s): %w", what, opts.Timeout, err)
	}

	return nil
}
