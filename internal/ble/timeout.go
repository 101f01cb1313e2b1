package ble

import "time"

// Timer is a cancellable single-shot timer.
type Timer interface {
	// Stop cancels the timer. A timer that already fired may still have its
	// callback running or pending; callers must tolerate that.
	Stop() bool
}

// Clock schedules callbacks. It exists so tests can drive deadlines.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock returns a Clock backed by package time.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// deadline names one of the supervisor's timer slots.
type deadline int

const (
	deadlineScan deadline = iota
	deadlineConnection
	numDeadlines
)

func (d deadline) String() string {
	switch d {
	case deadlineScan:
		return "scan"
	case deadlineConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// supervisor holds at most one armed timer per deadline slot. It is owned
// by the Connector's dispatch loop and is not safe for concurrent use.
type supervisor struct {
	clock  Clock
	timers [numDeadlines]Timer
}

func newSupervisor(clock Clock) *supervisor {
	return &supervisor{clock: clock}
}

// arm schedules fire after d, cancelling any timer already in the slot.
func (s *supervisor) arm(slot deadline, d time.Duration, fire func()) {
	s.cancel(slot)
	s.timers[slot] = s.clock.AfterFunc(d, fire)
}

// cancel stops the timer in slot, if any.
func (s *supervisor) cancel(slot deadline) {
	if t := s.timers[slot]; t != nil {
		t.Stop()
		s.timers[slot] = nil
	}
}

func (s *supervisor) cancelAll() {
	for slot := deadline(0); slot < numDeadlines; slot++ {
		s.cancel(slot)
	}
}

func (s *supervisor) armed(slot deadline) bool {
	return s.timers[slot] != nil
}
