// Package vpn drives a PIA tunnel run as a templated systemd unit.
//
// This package implements the core functionality:
//
//   - Exit points: the *.ovpn files of the PIA config directory
//   - Unit control: starting, stopping and switching pia@<EXIT_POINT>.service
//   - Journal inspection: waiting for openvpn to finish initializing and
//     finding the tun device it opened
//   - Companion daemons: units that should only run while the tunnel is up
//   - Reconciliation: the check/watch loop that converges on a Target
//
// # Architecture
//
//   - Catalog: lists and validates exit points
//   - Manager: talks to a ServiceManager and a JournalReader
//   - Prober: HTTP connectivity check through the tunnel
//   - Reconciler: one Check per pass, Watch for the polling loop
//
// # Reconciliation
//
// A Check pass:
//
//  1. Validates the requested exit point
//  2. Connects (and waits) when the unit is down or on another exit point,
//     then updates the companion daemons
//  3. Probes connectivity and reconnects when it is lost
//  4. Optionally requests a forwarded port
//
// # Thread Safety
//
// Manager holds no mutable state. Reconciler guards its health record and
// is meant to be driven by a single loop.
package vpn
