// Package systemd talks to the service manager and the journal.
// Unit control goes over D-Bus; journal entries are read through journalctl.
package systemd

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/yllada/pia-tools/common"
)

const (
	// jobModeFail refuses to queue a job that conflicts with a pending one.
	jobModeFail = "fail"
	// jobResultDone is the only successful job result.
	jobResultDone = "done"

	unitStateActive = "active"
)

// Connection is the subset of the go-systemd D-Bus connection in use.
type Connection interface {
	Close()
	ListUnitsContext(ctx context.Context) ([]dbus.UnitStatus, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	GetServicePropertyContext(ctx context.Context, service string, propertyName string) (*dbus.Property, error)
}

// Unit describes a loaded unit.
type Unit struct {
	Name        string
	LoadState   string
	ActiveState string
	SubState    string
}

// Active reports whether the unit is in the "active" state.
func (u Unit) Active() bool {
	return u.ActiveState == unitStateActive
}

// Manager drives units through the service manager.
type Manager struct {
	conn Connection
}

// Connect opens a connection to the system bus.
func Connect(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	return NewManager(conn), nil
}

// NewManager wraps an existing connection.
func NewManager(conn Connection) *Manager {
	return &Manager{conn: conn}
}

// Close releases the D-Bus connection.
func (m *Manager) Close() {
	m.conn.Close()
}

// NormalizeUnitName appends ".service" to names without a unit type suffix.
func NormalizeUnitName(name string) string {
	if strings.HasSuffix(name, common.ServiceSuffix) {
		return name
	}
	if idx := strings.LastIndexByte(name, '.'); idx > 0 && isUnitType(name[idx+1:]) {
		return name
	}
	return name + common.ServiceSuffix
}

func isUnitType(s string) bool {
	switch s {
	case "service", "socket", "target", "device", "mount", "automount",
		"swap", "path", "timer", "slice", "scope":
		return true
	}
	return false
}

// ListUnits returns every unit currently loaded.
func (m *Manager) ListUnits(ctx context.Context) ([]Unit, error) {
	statuses, err := m.conn.ListUnitsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("error on ListUnits: %w", err)
	}

	units := make([]Unit, 0, len(statuses))
	for _, s := range statuses {
		units = append(units, Unit{
			Name:        s.Name,
			LoadState:   s.LoadState,
			ActiveState: s.ActiveState,
			SubState:    s.SubState,
		})
	}
	return units, nil
}

// FindUnits returns the loaded units whose name starts with prefix.
func (m *Manager) FindUnits(ctx context.Context, prefix string) ([]Unit, error) {
	units, err := m.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	var found []Unit
	for _, u := range units {
		if strings.HasPrefix(u.Name, prefix) {
			found = append(found, u)
		}
	}
	return found, nil
}

// FindUnit returns the first loaded unit whose name starts with prefix,
// or nil when there is none.
func (m *Manager) FindUnit(ctx context.Context, prefix string) (*Unit, error) {
	units, err := m.FindUnits(ctx, prefix)
	if err != nil || len(units) == 0 {
		return nil, err
	}
	return &units[0], nil
}

// IsActive reports whether the named unit is loaded and active.
func (m *Manager) IsActive(ctx context.Context, name string) (bool, error) {
	u, err := m.FindUnit(ctx, NormalizeUnitName(name))
	if err != nil || u == nil {
		return false, err
	}
	return u.Active(), nil
}

// StartUnit starts the unit and waits for the job to finish.
func (m *Manager) StartUnit(ctx context.Context, name string) error {
	name = NormalizeUnitName(name)
	common.LogInfo("Starting %s", name)

	ch := make(chan string, 1)
	if _, err := m.conn.StartUnitContext(ctx, name, jobModeFail, ch); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	return waitJob(ctx, name, ch)
}

// StopUnit stops the unit and waits for the job to finish.
func (m *Manager) StopUnit(ctx context.Context, name string) error {
	name = NormalizeUnitName(name)
	common.LogInfo("Stopping %s", name)

	ch := make(chan string, 1)
	if _, err := m.conn.StopUnitContext(ctx, name, jobModeFail, ch); err != nil {
		return fmt.Errorf("stopping %s: %w", name, err)
	}
	return waitJob(ctx, name, ch)
}

func waitJob(ctx context.Context, name string, ch <-chan string) error {
	ctx, cancel := context.WithTimeout(ctx, common.UnitJobTimeout)
	defer cancel()

	select {
	case result := <-ch:
		if result != jobResultDone {
			return fmt.Errorf("%w: %s: %s", common.ErrUnitJobFailed, name, result)
		}
		common.LogDebug("Job for %s finished: %s", name, result)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job on %s: %w", name, ctx.Err())
	}
}

// MainPID returns the main process id of a service unit.
func (m *Manager) MainPID(ctx context.Context, name string) (uint32, error) {
	name = NormalizeUnitName(name)
	prop, err := m.conn.GetServicePropertyContext(ctx, name, "MainPID")
	if err != nil {
		return 0, fmt.Errorf("error on GetServiceProperty for %s: %w", name, err)
	}

	pid, ok := prop.Value.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected MainPID type %s for %s", prop.Value.Signature(), name)
	}
	return pid, nil
}
