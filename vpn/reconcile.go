// Package vpn provides VPN connection management functionality.
// This file contains the reconciliation loop behind the check and
// watch commands.
package vpn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/pia-tools/common"
)

// Connectivity probes the internet through the tunnel.
type Connectivity interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// PortForwarder requests a forwarded port for the running tunnel.
type PortForwarder interface {
	Forward(ctx context.Context, newPort, updateTransmission bool) (int, error)
}

// Notifier reports loop progress to the service manager.
type Notifier interface {
	Ready()
	Status(msg string)
	Watchdog()
	Stopping()
}

// Target is the desired state.
type Target struct {
	ExitPoint string
	// Daemons are started while the VPN is up and stopped while it is down.
	Daemons            []string
	PortForward        bool
	UpdateTransmission bool
}

// CheckResult summarizes one reconciliation pass.
type CheckResult struct {
	// WasActive reports whether the VPN was up when the pass started.
	WasActive bool
	// Connected is true when the unit had to be (re)started for the exit point.
	Connected bool
	// Reconnected is true when lost connectivity forced a restart.
	Reconnected bool
	// Port is the forwarded port, when requested.
	Port int
}

// Reconciler drives the VPN toward a Target.
type Reconciler struct {
	manager   *Manager
	probe     Connectivity
	forwarder PortForwarder
	notifier  Notifier

	mu     sync.RWMutex
	health ConnectionHealth

	sleep func(ctx context.Context, d time.Duration) bool
}

// NewReconciler creates a reconciler. forwarder and notifier may be nil.
func NewReconciler(manager *Manager, probe Connectivity, forwarder PortForwarder, notifier Notifier) *Reconciler {
	return &Reconciler{
		manager:   manager,
		probe:     probe,
		forwarder: forwarder,
		notifier:  notifier,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Health returns a copy of the tracked tunnel health.
func (r *Reconciler) Health() ConnectionHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// Check runs one reconciliation pass.
func (r *Reconciler) Check(ctx context.Context, target Target) (CheckResult, error) {
	var res CheckResult

	if err := r.manager.Catalog().Validate(target.ExitPoint); err != nil {
		return res, err
	}

	state, err := r.manager.State(ctx)
	if err != nil {
		return res, err
	}
	res.WasActive = state.Active

	if !state.Active || state.ExitPoint != target.ExitPoint {
		if err := r.manager.Connect(ctx, target.ExitPoint, ConnectOptions{Wait: true}); err != nil {
			r.stopDaemons(ctx, target)
			return res, fmt.Errorf("connecting to %s: %w", target.ExitPoint, err)
		}
		res.Connected = true
		if err := r.manager.UpdateDaemons(ctx, target.Daemons); err != nil {
			return res, err
		}
	}

	latency, probeErr := r.probe.Probe(ctx)
	r.recordHealth(target.ExitPoint, latency, probeErr)

	if probeErr != nil {
		common.LogInfo("Internet connectivity lost. Attempting to reconnect")
		if err := r.manager.Reconnect(ctx, true); err != nil {
			r.markDown()
			r.stopDaemons(ctx, target)
			return res, fmt.Errorf("reconnecting: %w", err)
		}
		res.Reconnected = true
		r.mu.Lock()
		r.health.Reconnects++
		r.mu.Unlock()
		if err := r.manager.UpdateDaemons(ctx, target.Daemons); err != nil {
			return res, err
		}
	}

	if target.PortForward && r.forwarder != nil {
		port, err := r.forwarder.Forward(ctx, false, target.UpdateTransmission)
		if err != nil {
			return res, fmt.Errorf("port forwarding: %w", err)
		}
		res.Port = port
	}

	return res, nil
}

// stopDaemons takes the companion daemons down after a failed connect.
// A cancelled pass leaves them alone.
func (r *Reconciler) stopDaemons(ctx context.Context, target Target) {
	if ctx.Err() != nil {
		return
	}
	r.manager.StopDaemons(ctx, target.Daemons)
}

func (r *Reconciler) recordHealth(exitPoint string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.health.State
	if r.health.ExitPoint != exitPoint {
		r.health = ConnectionHealth{ExitPoint: exitPoint}
	}
	if r.health.record(latency, err, time.Now()) {
		common.LogInfo("Health state changed for %s: %s -> %s", exitPoint, old, r.health.State)
	}
}

func (r *Reconciler) markDown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health.State = HealthDown
}

// Watch repeats Check every interval until ctx is cancelled.
// Failed passes are logged and retried on the next tick.
func (r *Reconciler) Watch(ctx context.Context, target Target, interval time.Duration) error {
	if interval <= 0 {
		interval = common.WatchInterval
	}
	if err := r.manager.Catalog().Validate(target.ExitPoint); err != nil {
		return err
	}

	r.notify(func(n Notifier) { n.Ready() })
	defer r.notify(func(n Notifier) { n.Stopping() })

	for {
		res, err := r.Check(ctx, target)
		if ctx.Err() != nil {
			return nil
		}
		status := r.statusLine(target, res, err)
		if err != nil {
			common.LogError("Check failed: %v", err)
		}
		r.notify(func(n Notifier) { n.Status(status) })
		r.notify(func(n Notifier) { n.Watchdog() })
		common.GetLogger().CheckRotation()

		common.LogInfo("Done. Sleep %s", interval)
		if !r.sleep(ctx, interval) {
			return nil
		}
	}
}

// statusLine renders a pass and the tracked health for STATUS=.
func (r *Reconciler) statusLine(target Target, res CheckResult, err error) string {
	var status string
	if err != nil {
		status = "check failed: " + err.Error()
	} else {
		status = "connected to " + target.ExitPoint
		if res.Port != 0 {
			status += fmt.Sprintf(", forwarded port %d", res.Port)
		}
	}

	h := r.Health()
	return fmt.Sprintf("%s (health %s, %d consecutive failures, %d reconnects)",
		status, h.State, h.ConsecutiveFails, h.Reconnects)
}

func (r *Reconciler) notify(fn func(Notifier)) {
	if r.notifier != nil {
		fn(r.notifier)
	}
}
