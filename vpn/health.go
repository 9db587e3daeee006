// Package vpn provides VPN connection management functionality.
// This file contains the connectivity probe and the health tracking
// used by the reconciliation loop.
package vpn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yllada/pia-tools/common"
)

// HealthState represents the current health state of the tunnel.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthUnhealthy
	HealthDown
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthUnhealthy:
		return "Unhealthy"
	case HealthDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// ProbeConfig holds configuration for the connectivity probe.
type ProbeConfig struct {
	// URL must answer 200 when the internet is reachable.
	URL string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failure.
	Retries int
}

// DefaultProbeConfig returns sensible defaults for connectivity probing.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		URL:     common.DefaultConnectivityURL,
		Timeout: common.ConnectivityTimeout,
		Retries: common.ConnectivityRetries,
	}
}

// Prober checks end-to-end connectivity through the tunnel.
type Prober struct {
	config ProbeConfig
	client *http.Client
}

// NewProber creates a probe using its own HTTP client.
func NewProber(config ProbeConfig) *Prober {
	return &Prober{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Probe performs one round of attempts and returns the latency of the
// successful one.
func (p *Prober) Probe(ctx context.Context) (time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt <= p.config.Retries; attempt++ {
		latency, err := p.attempt(ctx)
		if err == nil {
			return latency, nil
		}
		lastErr = err
		common.LogDebug("Connectivity probe failed (attempt %d/%d): %v", attempt+1, p.config.Retries+1, err)
		if ctx.Err() != nil {
			break
		}
	}
	return 0, fmt.Errorf("%w: %v", common.ErrConnectionFailed, lastErr)
}

func (p *Prober) attempt(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// Online reports whether the probe URL is reachable.
func (p *Prober) Online(ctx context.Context) bool {
	_, err := p.Probe(ctx)
	return err == nil
}

// ConnectionHealth tracks the health of the tunnel across checks.
type ConnectionHealth struct {
	ExitPoint        string
	State            HealthState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	Reconnects       int
	Latency          time.Duration
}

// record updates the health after a probe and reports whether the state changed.
func (h *ConnectionHealth) record(latency time.Duration, err error, now time.Time) bool {
	old := h.State
	h.LastCheck = now
	if err != nil {
		h.ConsecutiveFails++
		h.Latency = 0
		h.State = HealthUnhealthy
	} else {
		h.ConsecutiveFails = 0
		h.LastSuccess = now
		h.Latency = latency
		h.State = HealthHealthy
	}
	return old != h.State
}
