// Package vpn provides VPN connection management functionality.
// This file contains the Manager type which drives the templated
// pia@<EXIT_POINT>.service unit and reads its journal.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/yllada/pia-tools/common"
	"github.com/yllada/pia-tools/systemd"
)

var tunDeviceRe = regexp.MustCompile(`TUN/TAP device (.*) opened`)

// ServiceManager starts, stops and inspects units.
type ServiceManager interface {
	FindUnits(ctx context.Context, prefix string) ([]systemd.Unit, error)
	IsActive(ctx context.Context, name string) (bool, error)
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
	MainPID(ctx context.Context, name string) (uint32, error)
}

// JournalReader returns log entries of a unit process.
type JournalReader interface {
	Entries(ctx context.Context, m systemd.Match) ([]systemd.Entry, error)
}

// State is a snapshot of the VPN unit.
type State struct {
	// Active is true when the unit exists and is active.
	Active bool
	// ExitPoint is parsed from the unit name; empty when no unit is loaded.
	ExitPoint string
	// Unit is the full unit name.
	Unit string
}

// ConnectOptions tune Connect.
type ConnectOptions struct {
	// Reconnect restarts the unit even when already on the requested exit point.
	Reconnect bool
	// Wait blocks until openvpn reports the tunnel as established.
	Wait bool
}

// Options configure a Manager.
type Options struct {
	UnitPrefix     string
	ConnectTimeout time.Duration // zero waits forever
	PollInterval   time.Duration
}

// Manager orchestrates the VPN unit.
type Manager struct {
	services ServiceManager
	journal  JournalReader
	catalog  *Catalog
	opts     Options
}

// NewManager creates a new VPN unit manager.
func NewManager(services ServiceManager, journal JournalReader, catalog *Catalog, opts Options) *Manager {
	if opts.UnitPrefix == "" {
		opts.UnitPrefix = common.DefaultUnitPrefix
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = common.JournalPollInterval
	}
	return &Manager{
		services: services,
		journal:  journal,
		catalog:  catalog,
		opts:     opts,
	}
}

// Catalog returns the exit point catalogue.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// UnitName returns the unit of an exit point.
func (m *Manager) UnitName(exitPoint string) string {
	return UnitName(m.opts.UnitPrefix, exitPoint)
}

func (m *Manager) unitPattern() string {
	return m.opts.UnitPrefix + "@"
}

// State inspects the service manager for the VPN unit.
// An active instance wins over failed or inactive ones still loaded.
func (m *Manager) State(ctx context.Context) (State, error) {
	units, err := m.services.FindUnits(ctx, m.unitPattern())
	if err != nil {
		return State{}, fmt.Errorf("failed to query VPN unit: %w", err)
	}
	if len(units) == 0 {
		return State{}, nil
	}

	u := units[0]
	for _, c := range units {
		if c.Active() {
			u = c
			break
		}
	}

	exitPoint, _ := ParseUnitName(m.opts.UnitPrefix, u.Name)
	return State{
		Active:    u.Active(),
		ExitPoint: exitPoint,
		Unit:      u.Name,
	}, nil
}

// Active reports whether the VPN unit is running.
func (m *Manager) Active(ctx context.Context) (bool, error) {
	s, err := m.State(ctx)
	return s.Active, err
}

// CurrentExitPoint returns the exit point of the loaded VPN unit, if any.
func (m *Manager) CurrentExitPoint(ctx context.Context) (string, error) {
	s, err := m.State(ctx)
	return s.ExitPoint, err
}

// Connect drives the VPN unit to exitPoint.
// A unit on another exit point is stopped first. The same exit point is only
// restarted when opts.Reconnect is set.
func (m *Manager) Connect(ctx context.Context, exitPoint string, opts ConnectOptions) error {
	if err := m.catalog.Validate(exitPoint); err != nil {
		return err
	}

	state, err := m.State(ctx)
	if err != nil {
		return err
	}

	if state.Active {
		if state.ExitPoint == exitPoint {
			common.LogInfo("Already connected to exit point %s", exitPoint)
			if opts.Reconnect {
				if err := m.services.StopUnit(ctx, state.Unit); err != nil {
					return err
				}
			}
		} else {
			common.LogInfo("Switching exit point %s -> %s", state.ExitPoint, exitPoint)
			if err := m.services.StopUnit(ctx, state.Unit); err != nil {
				return err
			}
		}
	}

	if err := m.startIfInactive(ctx, m.UnitName(exitPoint)); err != nil {
		return err
	}

	if opts.Wait {
		return m.WaitConnected(ctx, exitPoint)
	}
	return nil
}

// Stop stops the running VPN unit.
func (m *Manager) Stop(ctx context.Context) error {
	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	if !state.Active {
		return common.ErrNotConnected
	}

	common.LogInfo("PIA is running. Exit point: %s", state.ExitPoint)
	return m.services.StopUnit(ctx, state.Unit)
}

// Reconnect restarts the VPN unit on its current exit point.
func (m *Manager) Reconnect(ctx context.Context, wait bool) error {
	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	if state.ExitPoint == "" {
		return common.ErrNotConnected
	}

	if state.Active {
		if err := m.services.StopUnit(ctx, state.Unit); err != nil {
			return err
		}
	}
	return m.Connect(ctx, state.ExitPoint, ConnectOptions{Wait: wait})
}

func (m *Manager) startIfInactive(ctx context.Context, unit string) error {
	active, err := m.services.IsActive(ctx, unit)
	if err != nil {
		return err
	}
	if active {
		common.LogInfo("Daemon %s is already up", unit)
		return nil
	}
	return m.services.StartUnit(ctx, unit)
}

// entries returns the journal of the unit's current main process.
func (m *Manager) entries(ctx context.Context, unit string) ([]systemd.Entry, error) {
	pid, err := m.services.MainPID(ctx, unit)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		// not started yet, or already gone
		return nil, nil
	}

	common.LogDebug("Retrieving journal of %s (PID %d)", unit, pid)
	return m.journal.Entries(ctx, systemd.Match{Unit: unit, PID: pid})
}

// WaitConnected blocks until openvpn, running for exitPoint, logs the end
// of its initialization.
func (m *Manager) WaitConnected(ctx context.Context, exitPoint string) error {
	unit := m.UnitName(exitPoint)
	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}

	for {
		entries, err := m.entries(ctx, unit)
		if err != nil && ctx.Err() == nil {
			return err
		}
		for _, e := range slices.Backward(entries) {
			if e.Message == common.InitCompletedMessage {
				common.LogInfo("Connection established")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for %q from %s", common.ErrTimeout, common.InitCompletedMessage, unit)
			}
			return ctx.Err()
		case <-time.After(m.opts.PollInterval):
		}
	}
}

// Device returns the tun device most recently opened by the VPN process.
func (m *Manager) Device(ctx context.Context) (string, error) {
	state, err := m.State(ctx)
	if err != nil {
		return "", err
	}
	if state.Unit == "" {
		return "", common.ErrNotConnected
	}

	entries, err := m.entries(ctx, state.Unit)
	if err != nil {
		return "", err
	}
	for _, e := range slices.Backward(entries) {
		if match := tunDeviceRe.FindStringSubmatch(e.Message); match != nil {
			return match[1], nil
		}
	}
	return "", common.ErrNoDevice
}

// UpdateDaemons starts the companion daemons while the VPN is up and stops
// them while it is down. Individual failures are logged.
func (m *Manager) UpdateDaemons(ctx context.Context, daemons []string) error {
	if len(daemons) == 0 {
		return nil
	}

	active, err := m.Active(ctx)
	if err != nil {
		return err
	}

	if active {
		common.LogInfo("Ensuring daemons are up...")
	} else {
		common.LogInfo("PIA not running. Stopping daemons...")
	}
	m.setDaemons(ctx, daemons, active)
	return nil
}

// StopDaemons stops the companion daemons regardless of the unit state.
// Used when the tunnel could not be brought up.
func (m *Manager) StopDaemons(ctx context.Context, daemons []string) {
	if len(daemons) == 0 {
		return
	}
	common.LogInfo("VPN unusable. Stopping daemons...")
	m.setDaemons(ctx, daemons, false)
}

func (m *Manager) setDaemons(ctx context.Context, daemons []string, up bool) {
	for _, d := range daemons {
		unit := systemd.NormalizeUnitName(d)
		var err error
		if up {
			err = m.startIfInactive(ctx, unit)
		} else {
			err = m.services.StopUnit(ctx, unit)
		}
		if err != nil {
			common.LogError("Failed to update %s: %v", unit, err)
		}
	}
}
