// Package monitor reacts to region enter, exit and state callbacks by
// starting and stopping ranging for the region.
package monitor

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/beacon-radar/internal/beacon"
	"github.com/chaz8081/beacon-radar/internal/events"
	"github.com/chaz8081/beacon-radar/internal/metrics"
)

// Ranger starts and stops the observation stream for a region.
type Ranger interface {
	StartRanging(r beacon.Region) error
	StopRanging(r beacon.Region) error
	IsRanging(r beacon.Region) bool
}

// Publisher receives region events. *events.Bus implements it.
type Publisher interface {
	Publish(ev events.Event) bool
}

// Monitor tracks per-region state. Its callbacks are safe for concurrent
// use but are normally delivered from one ranging goroutine.
type Monitor struct {
	ranger    Ranger
	publisher Publisher

	mu     sync.Mutex
	states map[string]beacon.RegionState
}

// New creates a Monitor. publisher may be nil.
func New(ranger Ranger, publisher Publisher) *Monitor {
	return &Monitor{
		ranger:    ranger,
		publisher: publisher,
		states:    make(map[string]beacon.RegionState),
	}
}

// State returns the last known state of the region with id.
func (m *Monitor) State(id string) beacon.RegionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

// DidEnterRegion starts ranging and emits RegionEntered.
func (m *Monitor) DidEnterRegion(r beacon.Region) {
	slog.Info("[MONITOR] entered region", "region", r.String())
	m.setState(r, beacon.StateInside)
	m.startRanging(r)
	m.publish(events.RegionEntered{RegionInfo: events.NewRegionInfo(r)})
}

// DidExitRegion stops ranging and emits RegionExited.
func (m *Monitor) DidExitRegion(r beacon.Region) {
	slog.Info("[MONITOR] exited region, stopping ranging", "region", r.String())
	m.setState(r, beacon.StateOutside)
	if err := m.ranger.StopRanging(r); err != nil {
		slog.Error("[MONITOR] stop ranging", "region", r.ID, "error", err)
	}
	m.publish(events.RegionExited{RegionInfo: events.NewRegionInfo(r)})
}

// DidDetermineStateForRegion handles an initial or requested state query.
// Inside starts ranging unless it is already running; no event is emitted.
func (m *Monitor) DidDetermineStateForRegion(state beacon.RegionState, r beacon.Region) {
	slog.Debug("[MONITOR] determined region state", "region", r.ID, "state", state)
	m.setState(r, state)
	if state == beacon.StateInside {
		m.startRanging(r)
	}
}

func (m *Monitor) startRanging(r beacon.Region) {
	if m.ranger.IsRanging(r) {
		slog.Debug("[MONITOR] already ranging", "region", r.ID)
		return
	}
	if err := m.ranger.StartRanging(r); err != nil {
		slog.Error("[MONITOR] start ranging", "region", r.ID, "error", err)
	}
}

func (m *Monitor) setState(r beacon.Region, s beacon.RegionState) {
	m.mu.Lock()
	prev := m.states[r.ID]
	m.states[r.ID] = s
	m.mu.Unlock()
	if prev != s {
		metrics.IncRegionTransition(r.ID, strings.ToLower(s.String()))
	}
}

func (m *Monitor) publish(ev events.Event) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}
