// Package ranging turns raw BLE advertisements into periodic ranging
// snapshots and region enter/exit callbacks.
package ranging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/beacon-radar/internal/beacon"
	"github.com/chaz8081/beacon-radar/internal/ble"
)

// Source delivers raw advertisements until the returned stop function is
// called. *ble.TinygoDriver implements it.
type Source interface {
	SubscribeAdvertisements(fn func(ble.Advertisement), onError func(error)) func()
}

// RangeNotifier receives the observations of every scan cycle for each
// ranged region.
type RangeNotifier interface {
	DidRangeBeaconsInRegion(observations []beacon.Observation, r beacon.Region)
}

// RangeNotifierFunc adapts a function to RangeNotifier.
type RangeNotifierFunc func(observations []beacon.Observation, r beacon.Region)

func (f RangeNotifierFunc) DidRangeBeaconsInRegion(observations []beacon.Observation, r beacon.Region) {
	f(observations, r)
}

// MonitorNotifier receives region state changes.
type MonitorNotifier interface {
	DidEnterRegion(r beacon.Region)
	DidExitRegion(r beacon.Region)
	DidDetermineStateForRegion(state beacon.RegionState, r beacon.Region)
}

// ErrInvalidPeriod is returned when a scan period is not positive.
var ErrInvalidPeriod = errors.New("ranging: scan period must be positive")

// Options configures scan cycles.
type Options struct {
	ScanPeriod                  time.Duration
	BetweenScanPeriod           time.Duration
	BackgroundScanPeriod        time.Duration
	BackgroundBetweenScanPeriod time.Duration
	// ExitPeriod is how long a region must go unseen before it is exited.
	ExitPeriod time.Duration
	Now        func() time.Time
}

// DefaultOptions matches the foreground and background cycle used on
// mobile: 1.1 s scans back to back.
func DefaultOptions() Options {
	return Options{
		ScanPeriod:                  1100 * time.Millisecond,
		BetweenScanPeriod:           0,
		BackgroundScanPeriod:        1100 * time.Millisecond,
		BackgroundBetweenScanPeriod: 0,
		ExitPeriod:                  10 * time.Second,
		Now:                         time.Now,
	}
}

type monitoredRegion struct {
	region   beacon.Region
	state    beacon.RegionState
	since    time.Time // monitoring start
	lastSeen time.Time
}

// Manager runs scan cycles and dispatches range and monitor callbacks. All
// callbacks are delivered from the goroutine running Run.
type Manager struct {
	source Source

	mu               sync.Mutex
	opts             Options
	background       bool
	monitored        map[string]*monitoredRegion
	ranged           map[string]beacon.Region
	stateRequests    []string
	cycle            []beacon.Observation // first-seen order
	cycleIndex       map[string]int       // beacon+address -> position in cycle
	rangeNotifiers   []RangeNotifier
	monitorNotifiers []MonitorNotifier
	scanErr          error
}

// NewManager creates a Manager reading from source.
func NewManager(source Source, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ScanPeriod <= 0 {
		opts.ScanPeriod = def.ScanPeriod
	}
	if opts.BackgroundScanPeriod <= 0 {
		opts.BackgroundScanPeriod = def.BackgroundScanPeriod
	}
	if opts.BetweenScanPeriod < 0 {
		opts.BetweenScanPeriod = 0
	}
	if opts.BackgroundBetweenScanPeriod < 0 {
		opts.BackgroundBetweenScanPeriod = 0
	}
	if opts.ExitPeriod <= 0 {
		opts.ExitPeriod = def.ExitPeriod
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		source:     source,
		opts:       opts,
		monitored:  make(map[string]*monitoredRegion),
		ranged:     make(map[string]beacon.Region),
		cycleIndex: make(map[string]int),
	}
}

func (m *Manager) AddRangeNotifier(n RangeNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rangeNotifiers = append(m.rangeNotifiers, n)
}

func (m *Manager) AddMonitorNotifier(n MonitorNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorNotifiers = append(m.monitorNotifiers, n)
}

// StartMonitoring begins enter/exit tracking for r. Monitoring a region
// with the same ID again replaces it and resets its state.
func (m *Manager) StartMonitoring(r beacon.Region) error {
	if r.ID == "" {
		return errors.New("ranging: region id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitored[r.ID] = &monitoredRegion{region: r, since: m.opts.Now()}
	slog.Info("[RANGING] start monitoring", "region", r.String())
	return nil
}

func (m *Manager) StopMonitoring(r beacon.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitored[r.ID]; !ok {
		return fmt.Errorf("ranging: region %q is not monitored", r.ID)
	}
	delete(m.monitored, r.ID)
	slog.Info("[RANGING] stop monitoring", "region", r.ID)
	return nil
}

// RequestStateForRegion asks for a DidDetermineStateForRegion callback at
// the end of the current cycle.
func (m *Manager) RequestStateForRegion(r beacon.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitored[r.ID]; !ok {
		return fmt.Errorf("ranging: region %q is not monitored", r.ID)
	}
	m.stateRequests = append(m.stateRequests, r.ID)
	return nil
}

// StartRanging delivers per-cycle observations for r. Starting a region
// that is already ranging is a no-op.
func (m *Manager) StartRanging(r beacon.Region) error {
	if r.ID == "" {
		return errors.New("ranging: region id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ranged[r.ID]; ok {
		slog.Debug("[RANGING] already ranging", "region", r.ID)
		return nil
	}
	m.ranged[r.ID] = r
	slog.Info("[RANGING] start ranging", "region", r.String())
	return nil
}

// StopRanging stops delivery for r. Stopping a region that is not ranging
// is a no-op.
func (m *Manager) StopRanging(r beacon.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ranged[r.ID]; ok {
		delete(m.ranged, r.ID)
		slog.Info("[RANGING] stop ranging", "region", r.ID)
	}
	return nil
}

func (m *Manager) IsRanging(r beacon.Region) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ranged[r.ID]
	return ok
}

// SetBackgroundMode switches between the foreground and background cycle
// timings. It takes effect from the next cycle.
func (m *Manager) SetBackgroundMode(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	period := m.opts.ScanPeriod
	if enabled {
		period = m.opts.BackgroundScanPeriod
	}
	if period <= 0 {
		return ErrInvalidPeriod
	}
	m.background = enabled
	slog.Info("[RANGING] background mode", "enabled", enabled, "scan_period", period)
	return nil
}

func (m *Manager) BackgroundMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.background
}

// periods returns the active scan and between-scan periods.
func (m *Manager) periods() (scan, between time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.background {
		return m.opts.BackgroundScanPeriod, m.opts.BackgroundBetweenScanPeriod
	}
	return m.opts.ScanPeriod, m.opts.BetweenScanPeriod
}

// Run scans in cycles until ctx is cancelled or the source fails.
func (m *Manager) Run(ctx context.Context) error {
	var stop func()
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	for {
		if stop == nil {
			stop = m.source.SubscribeAdvertisements(m.onAdvertisement, m.onScanError)
		}

		scan, between := m.periods()
		if err := sleep(ctx, scan); err != nil {
			return err
		}
		if err := m.takeScanErr(); err != nil {
			return fmt.Errorf("ranging: scan: %w", err)
		}
		m.endCycle()

		if between > 0 {
			stop()
			stop = nil
			if err := sleep(ctx, between); err != nil {
				return err
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) onScanError(err error) {
	m.mu.Lock()
	m.scanErr = err
	m.mu.Unlock()
}

func (m *Manager) takeScanErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.scanErr
	m.scanErr = nil
	return err
}

// onAdvertisement records every iBeacon frame in adv for the current cycle.
// A repeat sighting replaces the earlier one but keeps its position.
func (m *Manager) onAdvertisement(adv ble.Advertisement) {
	now := m.opts.Now()
	for _, md := range adv.ManufacturerData {
		ib, ok := ParseIBeacon(md.CompanyID, md.Data)
		if !ok {
			continue
		}
		o := beacon.Observation{
			UUID:         ib.UUID,
			Major:        ib.Major,
			Minor:        ib.Minor,
			RSSI:         adv.RSSI,
			TxPower:      ib.MeasuredPower,
			Distance:     beacon.UnknownDistance,
			Address:      adv.Address,
			Name:         adv.Name,
			Manufacturer: int(md.CompanyID),
			Timestamp:    now,
		}
		key := o.Key() + "@" + o.Address
		m.mu.Lock()
		if i, ok := m.cycleIndex[key]; ok {
			m.cycle[i] = o
		} else {
			m.cycleIndex[key] = len(m.cycle)
			m.cycle = append(m.cycle, o)
		}
		m.mu.Unlock()
	}
}

type callKind int

const (
	callEnter callKind = iota
	callExit
	callDetermine
)

type monitorCall struct {
	kind   callKind
	state  beacon.RegionState
	region beacon.Region
}

// endCycle closes the current scan cycle: it updates region states and
// delivers callbacks outside the lock.
func (m *Manager) endCycle() {
	now := m.opts.Now()

	m.mu.Lock()
	observed := m.cycle
	m.cycle = nil
	clear(m.cycleIndex)

	var calls []monitorCall
	for _, mr := range m.monitored {
		seen := false
		for _, o := range observed {
			if mr.region.Matches(o) {
				seen = true
				break
			}
		}
		switch {
		case seen:
			mr.lastSeen = now
			if mr.state != beacon.StateInside {
				mr.state = beacon.StateInside
				calls = append(calls, monitorCall{kind: callEnter, region: mr.region})
			}
		case mr.state == beacon.StateInside && now.Sub(mr.lastSeen) >= m.opts.ExitPeriod:
			mr.state = beacon.StateOutside
			calls = append(calls, monitorCall{kind: callExit, region: mr.region})
		case mr.state == beacon.StateUnknown && now.Sub(mr.since) >= m.opts.ExitPeriod:
			mr.state = beacon.StateOutside
			calls = append(calls, monitorCall{kind: callDetermine, state: beacon.StateOutside, region: mr.region})
		}
	}
	for _, id := range m.stateRequests {
		if mr, ok := m.monitored[id]; ok {
			calls = append(calls, monitorCall{kind: callDetermine, state: mr.state, region: mr.region})
		}
	}
	m.stateRequests = nil

	type delivery struct {
		region       beacon.Region
		observations []beacon.Observation
	}
	var deliveries []delivery
	for _, r := range m.ranged {
		var in []beacon.Observation
		for _, o := range observed {
			if r.Matches(o) {
				in = append(in, o)
			}
		}
		deliveries = append(deliveries, delivery{region: r, observations: in})
	}

	monitors := append([]MonitorNotifier(nil), m.monitorNotifiers...)
	rangers := append([]RangeNotifier(nil), m.rangeNotifiers...)
	m.mu.Unlock()

	for _, c := range calls {
		for _, n := range monitors {
			switch c.kind {
			case callEnter:
				n.DidEnterRegion(c.region)
			case callExit:
				n.DidExitRegion(c.region)
			default:
				n.DidDetermineStateForRegion(c.state, c.region)
			}
		}
	}
	for _, d := range deliveries {
		slog.Debug("[RANGING] ranged beacons", "region", d.region.ID, "count", len(d.observations))
		for _, n := range rangers {
			n.DidRangeBeaconsInRegion(d.observations, d.region)
		}
	}
}
