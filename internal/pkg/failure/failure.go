// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package failure defines the installer error taxonomy.
//
// Every fatal error surfaced by the installer is classified into one of the
// kinds below, which drives the retry policy and the process exit code.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the class of an installer error.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindValidation
	KindPrecondition
	KindDeviceNotReady
	KindExternalTool
	KindConsistency
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindPrecondition:
		return "PreconditionError"
	case KindDeviceNotReady:
		return "DeviceNotReadyError"
	case KindExternalTool:
		return "ExternalToolError"
	case KindConsistency:
		return "ConsistencyError"
	case KindInterrupted:
		return "Interruption"
	default:
		return "Error"
	}
}

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ValidationError is bad or missing input, detected before any disk I/O.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}

	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, ", "))
}

// Validationf creates a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Reason qualifies a PreconditionError.
type Reason string

// Precondition reasons.
const (
	ReasonNoEspFound        Reason = "NoEspFound"
	ReasonInsufficientSpace Reason = "InsufficientSpace"
	ReasonDirtyDisk         Reason = "DirtyDisk"
	ReasonNotBlockDevice    Reason = "NotBlockDevice"
	ReasonNotConfirmed      Reason = "NotConfirmed"
	ReasonEnvironment       Reason = "Environment"
)

// PreconditionError means the system is not in a state that allows the step to proceed.
//
// It is always raised before any mutation.
type PreconditionError struct {
	Reason  Reason
	Message string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Preconditionf creates a PreconditionError.
func Preconditionf(reason Reason, format string, args ...any) error {
	return &PreconditionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsReason checks whether err is a PreconditionError with the given reason.
func IsReason(err error, reason Reason) bool {
	var pe *PreconditionError

	return errors.As(err, &pe) && pe.Reason == reason
}

// DeviceNotReadyError is returned when a device node did not appear in time.
type DeviceNotReadyError struct {
	Devices []string
	Err     error
}

func (e *DeviceNotReadyError) Error() string {
	return fmt.Sprintf("devices not ready: %s: %s", strings.Join(e.Devices, ", "), e.Err)
}

func (e *DeviceNotReadyError) Unwrap() error {
	return e.Err
}

// ExternalToolError wraps a failed external command together with its output.
type ExternalToolError struct {
	Command string
	Output  string
	Err     error
}

func (e *ExternalToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command %q failed: %s", e.Command, e.Err)
	}

	return fmt.Sprintf("command %q failed: %s\n%s", e.Command, e.Err, strings.TrimRight(e.Output, "\n"))
}

func (e *ExternalToolError) Unwrap() error {
	return e.Err
}

// ConsistencyError is a hardware descriptor which disagrees with the live system.
type ConsistencyError struct {
	Problems []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("hardware descriptor is inconsistent with the mounted system: %s", strings.Join(e.Problems, "; "))
}

// ErrInterrupted is returned when the run was stopped by a signal.
var ErrInterrupted = errors.New("installation interrupted")

// KindOf classifies err.
func KindOf(err error) Kind {
	var (
		validation   *ValidationError
		precondition *PreconditionError
		notReady     *DeviceNotReadyError
		tool         *ExternalToolError
		consistency  *ConsistencyError
	)

	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return KindInterrupted
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &precondition):
		return KindPrecondition
	case errors.As(err, &notReady):
		return KindDeviceNotReady
	case errors.As(err, &consistency):
		return KindConsistency
	case errors.As(err, &tool):
		return KindExternalTool
	default:
		return KindUnknown
	}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case KindOf(err) == KindInterrupted:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}
