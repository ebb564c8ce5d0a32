// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cli contains helpers shared by the command line tools.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// WithContext wraps function call to provide a context cancellable with ^C or SIGTERM.
//
// The first signal cancels the context; a second one is left to the default handler.
func WithContext(ctx context.Context, f func(context.Context) error) error {
	return WithSignals(ctx, os.Stderr, f, os.Interrupt, syscall.SIGTERM)
}

// WithSignals is WithContext listening for the given signals and reporting to w.
func WithSignals(ctx context.Context, w io.Writer, f func(context.Context) error, signals ...os.Signal) error {
	wrappedCtx, wrappedCtxCancel := context.WithCancel(ctx)
	defer wrappedCtxCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	exited := make(chan struct{})
	defer close(exited)

	go func() {
		select {
		case sig := <-sigCh:
			signal.Stop(sigCh)
			fmt.Fprintf(w, "%s received, tearing down, press Ctrl+C once again to abort immediately...\n", sig) //nolint:errcheck

			wrappedCtxCancel()
		case <-wrappedCtx.Done():
		case <-exited:
		}
	}()

	return f(wrappedCtx)
}
