// Package common provides shared constants, types, utilities, and logging
// used throughout pia-tools.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: default paths, unit naming, timeouts, endpoints and exit codes
//   - Errors: sentinel errors and ExitError for mapping failures to exit codes
//   - Logger: slog-based logging to the console, the journal and a rotated file
//   - Utils: small file helpers
//
// # Usage
//
//	common.LogInfo("Starting %s", unit)
//
//	if errors.Is(err, common.ErrUnknownExitPoint) {
//	    // Handle a typo in the exit point name
//	}
//
//	os.Exit(common.ExitCode(err))
package common
