// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package encryption handles the LUKS2 container of the root partition.
package encryption

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/poll"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// MappingName is the device-mapper name of the opened root container.
const MappingName = "cryptroot"

// Handler formats, opens and closes the root container.
type Handler struct {
	host       system.Host
	logger     *zap.Logger
	passphrase []byte
	pollOpts   poll.Options
}

// NewHandler creates a Handler.
func NewHandler(host system.Host, logger *zap.Logger, passphrase []byte, pollOpts poll.Options) *Handler {
	return &Handler{
		host:       host,
		logger:     logger,
		passphrase: passphrase,
		pollOpts:   pollOpts,
	}
}

// FormatAndOpen creates a new container on device and opens it.
//
// It returns the path of the mapped device, which is ready for use.
func (h *Handler) FormatAndOpen(ctx context.Context, device string) (string, error) {
	if len(h.passphrase) == 0 {
		return "", fmt.Errorf("no passphrase for %s", device)
	}

	h.logger.Info("creating LUKS2 container", zap.String("device", device))

	if err := h.host.LuksFormat(ctx, device, h.passphrase); err != nil {
		return "", fmt.Errorf("failed to format %s: %w", device, err)
	}

	return h.Open(ctx, device)
}

// Open opens the container on device to MappingName.
func (h *Handler) Open(ctx context.Context, device string) (string, error) {
	mapped, err := h.host.LuksOpen(ctx, device, MappingName, h.passphrase)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", device, err)
	}

	if err = poll.Until(ctx, h.pollOpts, mapped, func(context.Context) (bool, error) {
		return h.host.IsBlockDevice(mapped)
	}); err != nil {
		return "", err
	}

	h.logger.Info("opened encrypted device", zap.String("device", device), zap.String("mapped", mapped))

	return mapped, nil
}

// Close closes the mapping when it is open.
//
// Closing an already closed mapping is a no-op.
func Close(ctx context.Context, host system.Host, logger *zap.Logger, name string) error {
	open, err := host.MappingOpen(ctx, name)
	if err != nil {
		return err
	}

	if !open {
		return nil
	}

	if err = host.LuksClose(ctx, name); err != nil {
		return fmt.Errorf("error closing %s: %w", name, err)
	}

	logger.Info("closed encrypted device", zap.String("name", name))

	return nil
}
