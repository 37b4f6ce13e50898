package main

import (
	"sync"
	"time"
)

// HealthStatus is reported by GET /health
type HealthStatus struct {
	Healthy       bool   `json:"healthy"`
	NATSEnabled   bool   `json:"nats_enabled"`
	NATSConnected bool   `json:"nats_connected"`
	Uptime        string `json:"uptime"`
	Version       string `json:"version"`
}

// HealthState tracks transport health.
type HealthState struct {
	mu            sync.RWMutex
	started       time.Time
	natsEnabled   bool
	natsConnected bool
}

// NewHealthState creates a health tracker. When natsEnabled is set the
// server is only healthy while NATS is connected.
func NewHealthState(natsEnabled bool) *HealthState {
	return &HealthState{started: time.Now(), natsEnabled: natsEnabled}
}

// SetNATSConnected records the NATS connection state.
func (h *HealthState) SetNATSConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.natsConnected = connected
}

// Status returns a snapshot of the current health.
func (h *HealthState) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return HealthStatus{
		Healthy:       !h.natsEnabled || h.natsConnected,
		NATSEnabled:   h.natsEnabled,
		NATSConnected: h.natsConnected,
		Uptime:        time.Since(h.started).Round(time.Second).String(),
		Version:       Version,
	}
}
