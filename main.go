// Package main provides the entry point for pia-tools.
// pia-tools manages Private Internet Access tunnels that run as
// pia@<EXIT_POINT>.service systemd units.
//
// Features:
//   - Start, stop and switch exit points
//   - Connectivity checks with automatic reconnects
//   - Companion daemons that only run while the tunnel is up
//   - Port forwarding with optional Transmission peer port updates
//   - A watch mode meant to run as a systemd service
//
// Usage:
//
//	pia [--config FILE] [--verbose] COMMAND
//
// Environment:
//
//	PIA_* variables override config file keys, for example
//	PIA_CONFIG_DIR or PIA_CONNECTIVITY_URL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/pia-tools/cli"
	"github.com/yllada/pia-tools/common"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// SIGINT/SIGTERM cancel the root context so watch can exit cleanly
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer common.CloseLogger()

	app := cli.New(cli.VersionInfo{
		Version: appVersion,
		Commit:  commitSHA,
		Built:   buildTime,
	})

	err := cli.NewRootCommand(app).ExecuteContext(ctx)
	if err != nil && !common.IsSilent(err) {
		common.LogDebug("Command failed: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return common.ExitCode(err)
}
