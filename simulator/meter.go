package main

import (
	"sync"
	"time"
)

// Meter models a connector's cumulative energy register. Energy only
// accumulates while a transaction is running.
type Meter struct {
	ChargeRateKW float64

	mu       sync.Mutex
	energyWh float64
	charging bool
	last     time.Time
}

// StartCharging begins accumulation from now.
func (m *Meter) StartCharging(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle(now)
	m.charging = true
	m.last = now
}

// StopCharging halts accumulation and returns the register value.
func (m *Meter) StopCharging(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle(now)
	m.charging = false
	return m.energyWh
}

// Reading settles accumulation up to now and returns the register value.
func (m *Meter) Reading(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle(now)
	return m.energyWh
}

func (m *Meter) settle(now time.Time) {
	if !m.charging || !now.After(m.last) {
		return
	}
	hours := now.Sub(m.last).Hours()
	m.energyWh += m.ChargeRateKW * 1000 * hours
	m.last = now
}
