package ble

import (
	"sync"
	"testing"
	"time"
)

// mockWrite is one recorded characteristic write.
type mockWrite struct {
	service string
	char    string
	value   []byte
}

// mockTransport records GATT requests. Results are injected by the test
// through Connector.Post.
type mockTransport struct {
	mu            sync.Mutex
	address       string
	discoverCalls int
	writes        []mockWrite
	reads         []string
	disconnects   int
	closes        int

	discoverErr error
	writeErr    error
	readErr     error
}

func (t *mockTransport) Address() string { return t.address }

func (t *mockTransport) DiscoverServices() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discoverCalls++
	return t.discoverErr
}

func (t *mockTransport) WriteCharacteristic(serviceUUID, charUUID string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	t.writes = append(t.writes, mockWrite{service: serviceUUID, char: charUUID, value: cp})
	return t.writeErr
}

func (t *mockTransport) ReadCharacteristic(_, charUUID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads = append(t.reads, charUUID)
	return t.readErr
}

func (t *mockTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

// mockDriver simulates the platform BLE stack.
type mockDriver struct {
	mu         sync.Mutex
	enabled    bool
	scanErr    error
	connectErr error

	scans       []ScanFilter
	stopScans   int
	connects    []string
	transport   *mockTransport // most recent transport for test assertions
	scanSink    EventSink      // sink of the most recent StartScan
	connectSink EventSink      // sink of the most recent Connect
}

func newMockDriver() *mockDriver {
	return &mockDriver{enabled: true}
}

func (d *mockDriver) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *mockDriver) StartScan(filter ScanFilter, sink EventSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scans = append(d.scans, filter)
	d.scanSink = sink
	return d.scanErr
}

func (d *mockDriver) StopScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopScans++
	return nil
}

func (d *mockDriver) Connect(address string, sink EventSink) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects = append(d.connects, address)
	d.connectSink = sink
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	d.transport = &mockTransport{address: address}
	return d.transport, nil
}

// fakeClock fires timers only when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clock: c, timer: t}
}

// Advance moves time forward and runs every due timer.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

// active returns the number of timers neither stopped nor fired.
func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeTimerHandle struct {
	clock *fakeClock
	timer *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	if h.timer.stopped || h.timer.fired {
		return false
	}
	h.timer.stopped = true
	return true
}

// staticUsers is a UserIDSource returning a fixed id.
type staticUsers struct {
	id  string
	err error
}

func (u staticUsers) UserID() (string, error) { return u.id, u.err }

// drain dispatches every queued event on the calling goroutine, standing in
// for Run so tests stay deterministic.
func drain(c *Connector) {
	for {
		select {
		case ev := <-c.inbox:
			c.dispatch(ev)
		default:
			return
		}
	}
}

// post queues an event and dispatches everything pending.
func post(c *Connector, ev Event) {
	c.Post(ev)
	drain(c)
}

func TestMockDriverImplementsInterface(t *testing.T) {
	var _ Driver = (*mockDriver)(nil)
}

func TestMockTransportImplementsInterface(t *testing.T) {
	var _ Transport = (*mockTransport)(nil)
}

func TestFakeClockImplementsInterface(t *testing.T) {
	var _ Clock = (*fakeClock)(nil)
}
