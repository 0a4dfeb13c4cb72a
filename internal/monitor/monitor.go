// internal/monitor/monitor.go
// Background device-presence poller. The monitor never drives protocol
// traffic and performs zero locator I/O while a session is live on an open
// link: enumerating or probing a port that a session is streaming on races
// the active I/O and produces spurious failures.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"odinflash/internal/link"
	"odinflash/internal/locator"
	"odinflash/internal/observer"
)

const (
	// PollInterval paces presence checks while no session is active.
	PollInterval = 2 * time.Second

	// BusyInterval paces reconsideration while a session holds the link.
	BusyInterval = 5 * time.Second
)

// Monitor watches for the device appearing, disappearing or moving to a
// different port, and reports through the observer. The owner opens and
// closes sessions; the monitor only tells it what changed.
type Monitor struct {
	obs    *observer.Observer
	active *atomic.Bool
	locate func() (*locator.PortDescriptor, error)

	pollInterval time.Duration
	busyInterval time.Duration

	current string
}

// New builds a monitor over the given locator. The active flag is shared
// with the session owner: while it is set the monitor goes quiet.
func New(loc *locator.Locator, active *atomic.Bool, obs *observer.Observer) *Monitor {
	return &Monitor{
		obs:          obs,
		active:       active,
		locate:       loc.Find,
		pollInterval: PollInterval,
		busyInterval: BusyInterval,
	}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		wait := m.pollInterval
		if m.active.Load() {
			wait = m.busyInterval
		} else {
			m.Tick()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Tick performs one presence check and emits any resulting event. Exposed
// so the owner can force an immediate check after teardown.
func (m *Monitor) Tick() {
	if m.active.Load() {
		return
	}
	desc, err := m.locate()
	if err != nil && !link.IsNotFound(err) {
		m.obs.Logf(observer.LevelDebug, "monitor: locate failed: %v", err)
		return
	}

	var port string
	if desc != nil {
		port = desc.Port
	}

	switch {
	case port == m.current:
		// no change
	case m.current == "":
		m.current = port
		m.obs.Port(observer.PortEvent{Kind: observer.PortAdded, New: port})
	case port == "":
		old := m.current
		m.current = ""
		m.obs.Port(observer.PortEvent{Kind: observer.PortRemoved, Old: old})
	default:
		old := m.current
		m.current = port
		m.obs.Port(observer.PortEvent{Kind: observer.PortChanged, Old: old, New: port})
	}
}
