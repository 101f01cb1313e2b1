package ble

import (
	"testing"
	"time"
)

func TestSupervisorArmReplacesPriorTimer(t *testing.T) {
	clock := newFakeClock()
	s := newSupervisor(clock)

	var first, second int
	s.arm(deadlineScan, time.Second, func() { first++ })
	s.arm(deadlineScan, 2*time.Second, func() { second++ })

	clock.Advance(3 * time.Second)

	if first != 0 {
		t.Errorf("replaced timer fired %d times, want 0", first)
	}
	if second != 1 {
		t.Errorf("current timer fired %d times, want 1", second)
	}
}

func TestSupervisorSlotsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	s := newSupervisor(clock)

	var scan, conn int
	s.arm(deadlineScan, time.Second, func() { scan++ })
	s.arm(deadlineConnection, time.Second, func() { conn++ })
	s.cancel(deadlineScan)

	if s.armed(deadlineScan) {
		t.Error("armed(scan) = true after cancel")
	}
	if !s.armed(deadlineConnection) {
		t.Error("armed(connection) = false, want true")
	}

	clock.Advance(time.Second)
	if scan != 0 || conn != 1 {
		t.Errorf("fires scan/connection = %d/%d, want 0/1", scan, conn)
	}
}

func TestSupervisorCancelAll(t *testing.T) {
	clock := newFakeClock()
	s := newSupervisor(clock)

	fired := 0
	s.arm(deadlineScan, time.Second, func() { fired++ })
	s.arm(deadlineConnection, time.Second, func() { fired++ })
	s.cancelAll()
	s.cancelAll()

	clock.Advance(time.Minute)
	if fired != 0 {
		t.Errorf("fired = %d after cancelAll, want 0", fired)
	}
	if got := clock.active(); got != 0 {
		t.Errorf("active timers = %d, want 0", got)
	}
}

func TestDeadlineString(t *testing.T) {
	tests := []struct {
		d    deadline
		want string
	}{
		{deadlineScan, "scan"},
		{deadlineConnection, "connection"},
		{numDeadlines, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("deadline(%d).String() = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestRealClockAfterFunc(t *testing.T) {
	done := make(chan struct{})
	timer := RealClock().AfterFunc(time.Millisecond, func() { close(done) })
	defer timer.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RealClock timer did not fire")
	}
}
