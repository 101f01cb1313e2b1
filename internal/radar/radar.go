// Package radar is the command surface the host application drives: start
// and stop region scanning, fire a fast connect, toggle background mode and
// read or change the persisted settings. It owns the wiring between the
// ranging source, the region monitor and the proximity engine.
package radar

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/beacon-radar/internal/beacon"
	"github.com/chaz8081/beacon-radar/internal/events"
	"github.com/chaz8081/beacon-radar/internal/monitor"
	"github.com/chaz8081/beacon-radar/internal/notify"
	"github.com/chaz8081/beacon-radar/internal/proximity"
	"github.com/chaz8081/beacon-radar/internal/ranging"
)

// KindBackgroundMode is the error kind reported when background mode
// cannot be changed.
const KindBackgroundMode = "BACKGROUND_MODE_ERROR"

// CommandError is a failed host command with a stable kind the host can
// match on.
type CommandError struct {
	Kind    string
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	return e.Kind + ": " + e.Message
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Ranging is the subset of *ranging.Manager the service drives.
type Ranging interface {
	monitor.Ranger
	StartMonitoring(r beacon.Region) error
	StopMonitoring(r beacon.Region) error
	RequestStateForRegion(r beacon.Region) error
	SetBackgroundMode(enabled bool) error
	AddRangeNotifier(n ranging.RangeNotifier)
	AddMonitorNotifier(n ranging.MonitorNotifier)
}

// Store persists the user id and background flag. *settings.Store
// implements it.
type Store interface {
	UserID() (string, error)
	SetUserID(id string) error
	BackgroundMode() (bool, error)
	SetBackgroundMode(enabled bool) error
}

// Connector starts a fast connect attempt. *ble.Connector implements it.
type Connector interface {
	FastConnect()
}

// Compile-time interface satisfaction check.
var _ Ranging = (*ranging.Manager)(nil)

// Deps holds the collaborators of a Service. Notifier and Promoter may be
// nil.
type Deps struct {
	Ranging   Ranging
	Store     Store
	Connector Connector
	Bus       *events.Bus
	Notifier  notify.Notifier
	Promoter  notify.Promoter
	Proximity proximity.Options
}

// Service implements the host commands.
type Service struct {
	ranging   Ranging
	store     Store
	connector Connector
	bus       *events.Bus
	engine    *proximity.Engine
	monitor   *monitor.Monitor

	foreground atomic.Bool

	mu     sync.Mutex
	region *beacon.Region // region currently monitored, nil when stopped
}

// New wires the monitor and proximity engine into the ranging source and
// applies the persisted background mode.
func New(d Deps) *Service {
	s := &Service{
		ranging:   d.Ranging,
		store:     d.Store,
		connector: d.Connector,
		bus:       d.Bus,
	}

	opts := d.Proximity
	opts.InForeground = s.InForeground
	s.engine = proximity.NewEngine(d.Bus, d.Notifier, d.Promoter, opts)
	s.monitor = monitor.New(d.Ranging, d.Bus)

	d.Ranging.AddMonitorNotifier(s.monitor)
	d.Ranging.AddRangeNotifier(ranging.RangeNotifierFunc(func(obs []beacon.Observation, r beacon.Region) {
		s.engine.Process(r, obs)
	}))

	if enabled, err := d.Store.BackgroundMode(); err != nil {
		slog.Warn("[RADAR] could not read background mode", "error", err)
	} else if err := d.Ranging.SetBackgroundMode(enabled); err != nil {
		slog.Warn("[RADAR] could not restore background mode", "enabled", enabled, "error", err)
	}
	return s
}

// StartScanning monitors the region for proximityUUID, or every beacon when
// it is empty, replacing any region monitored before. The current state of
// the region is requested immediately so ranging starts without waiting
// for an enter transition.
func (s *Service) StartScanning(proximityUUID string) error {
	region, err := beacon.NewRegion(proximityUUID)
	if err != nil {
		return fmt.Errorf("radar: start scanning: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if err := s.ranging.StartMonitoring(region); err != nil {
		return fmt.Errorf("radar: start monitoring %s: %w", region.ID, err)
	}
	if err := s.ranging.RequestStateForRegion(region); err != nil {
		return fmt.Errorf("radar: request state %s: %w", region.ID, err)
	}
	s.region = &region
	slog.Info("[RADAR] scanning started", "region", region.String())
	return nil
}

// StopScanning stops monitoring and ranging the current region. It is a
// no-op when not scanning.
func (s *Service) StopScanning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region == nil {
		return
	}
	s.stopLocked()
	slog.Info("[RADAR] scanning stopped")
}

func (s *Service) stopLocked() {
	if s.region == nil {
		return
	}
	r := *s.region
	s.region = nil
	if err := s.ranging.StopRanging(r); err != nil {
		slog.Warn("[RADAR] stop ranging", "region", r.ID, "error", err)
	}
	if err := s.ranging.StopMonitoring(r); err != nil {
		slog.Warn("[RADAR] stop monitoring", "region", r.ID, "error", err)
	}
}

// Region returns the region being scanned.
func (s *Service) Region() (beacon.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region == nil {
		return beacon.Region{}, false
	}
	return *s.region, true
}

// FastConnect requests a connect attempt and returns immediately.
func (s *Service) FastConnect() {
	s.connector.FastConnect()
}

// EnableBackgroundMode persists the flag and applies it to the scan cycle.
// It returns the accepted value.
func (s *Service) EnableBackgroundMode(enabled bool) (bool, error) {
	if err := s.store.SetBackgroundMode(enabled); err != nil {
		return false, backgroundModeError(err)
	}
	if err := s.ranging.SetBackgroundMode(enabled); err != nil {
		return false, backgroundModeError(err)
	}
	slog.Info("[RADAR] background mode set", "enabled", enabled)
	return enabled, nil
}

func backgroundModeError(err error) *CommandError {
	return &CommandError{
		Kind:    KindBackgroundMode,
		Message: "Failed to set background mode: " + err.Error(),
		Err:     err,
	}
}

// BackgroundMode returns the persisted flag.
func (s *Service) BackgroundMode() (bool, error) {
	return s.store.BackgroundMode()
}

// SetMaxDistance changes the proximity threshold and echoes it. Invalid
// values leave the threshold unchanged.
func (s *Service) SetMaxDistance(meters float64) (float64, error) {
	if err := s.engine.SetMaxDistance(meters); err != nil {
		return s.engine.MaxDistance(), fmt.Errorf("radar: set max distance: %w", err)
	}
	return meters, nil
}

func (s *Service) MaxDistance() float64 {
	return s.engine.MaxDistance()
}

// SetUserID persists id and echoes it.
func (s *Service) SetUserID(id string) (string, error) {
	if err := s.store.SetUserID(id); err != nil {
		return "", fmt.Errorf("radar: set user id: %w", err)
	}
	return id, nil
}

// UserID returns the stored user id, "" when unset.
func (s *Service) UserID() (string, error) {
	id, err := s.store.UserID()
	if err != nil {
		return "", fmt.Errorf("radar: get user id: %w", err)
	}
	return id, nil
}

// SetForeground records whether the host application is active. Alerts are
// only raised while it is not.
func (s *Service) SetForeground(active bool) {
	s.foreground.Store(active)
}

func (s *Service) InForeground() bool {
	return s.foreground.Load()
}

// Events returns the host event stream.
func (s *Service) Events() <-chan events.Event {
	return s.bus.Events()
}

// Engine exposes the proximity engine for inspection.
func (s *Service) Engine() *proximity.Engine {
	return s.engine
}

// IsCommandError reports whether err is a CommandError of kind.
func IsCommandError(err error, kind string) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Kind == kind
}
