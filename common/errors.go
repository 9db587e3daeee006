// Package common provides shared constants, types, and utilities
// used across pia-tools.
package common

import (
	"errors"
	"fmt"
)

// Sentinel errors for VPN operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Connection errors.
	ErrNotConnected     = errors.New("VPN connection is down")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("operation timed out")
	ErrNoDevice         = errors.New("could not determine VPN device")

	// Exit point errors.
	ErrUnknownExitPoint = errors.New("no such exit point")

	// Service manager errors.
	ErrUnitJobFailed = errors.New("unit job failed")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")

	// Port forwarding errors.
	ErrPortForwardFailed = errors.New("port forwarding request failed")
	ErrTransmissionRPC   = errors.New("transmission rpc failed")

	// Configuration errors.
	ErrConfigLoad    = errors.New("failed to load configuration")
	ErrConfigSave    = errors.New("failed to save configuration")
	ErrInvalidConfig = errors.New("invalid configuration")

	// Setup errors.
	ErrDownloadFailed = errors.New("download failed")
	ErrUnsafeArchive  = errors.New("unsafe archive entry")

	// Locking errors.
	ErrLocked = errors.New("another pia-tools instance is running")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

// ExitError carries the process exit code a command wants to terminate with.
// Silent errors have already been reported to the user.
type ExitError struct {
	Code   int
	Err    error
	Silent bool
}

// NewExitError returns an ExitError that still needs to be printed.
func NewExitError(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}

// SilentExit returns an ExitError whose message was already shown.
func SilentExit(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err, Silent: true}
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// IsSilent reports whether err was already reported to the user.
func IsSilent(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Silent
}
