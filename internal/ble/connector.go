package ble

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/beacon-radar/internal/ble/protocol"
	"github.com/chaz8081/beacon-radar/internal/metrics"
)

// Phase is the position of a connect attempt in the state machine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseConnecting
	PhaseServiceDiscovery
	PhaseWriting
	PhaseReading
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanning:
		return "scanning"
	case PhaseConnecting:
		return "connecting"
	case PhaseServiceDiscovery:
		return "service_discovery"
	case PhaseWriting:
		return "writing"
	case PhaseReading:
		return "reading"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reason says why a connect attempt ended.
type Reason string

const (
	ReasonCompleted         Reason = "completed"
	ReasonRadioDisabled     Reason = "radio_disabled"
	ReasonScanStartFailed   Reason = "scan_start_failed"
	ReasonScanFailed        Reason = "scan_failed"
	ReasonScanTimeout       Reason = "scan_timeout"
	ReasonConnectionTimeout Reason = "connection_timeout"
	ReasonConnectFailed     Reason = "connect_failed"
	ReasonDisconnected      Reason = "disconnected"
	ReasonDiscoveryFailed   Reason = "discovery_failed"
	ReasonServiceNotFound   Reason = "service_not_found"
	ReasonPayloadFailed     Reason = "payload_failed"
	ReasonWriteFailed       Reason = "write_failed"
	ReasonReadFailed        Reason = "read_failed"
	ReasonShutdown          Reason = "shutdown"
)

// Outcome describes a finished connect attempt.
type Outcome struct {
	Reason   Reason
	Phase    Phase // phase the attempt was in when it ended
	Address  string
	Response []byte
	Duration time.Duration
}

// UserIDSource supplies the stored user identifier for the auth payload.
type UserIDSource interface {
	UserID() (string, error)
}

// Options configures the Connector.
type Options struct {
	ScanServiceUUID   string        // advertised service used as scan filter
	ServiceUUID       string        // GATT service holding the auth characteristics
	DeviceID          string        // device identity sent in the payload
	ScanTimeout       time.Duration // no device found within this → cleanup
	ConnectionTimeout time.Duration // outer bound for the whole attempt
	Clock             Clock
	Capabilities      Capabilities
	InboxSize         int
}

// DefaultOptions returns the Throne beacon settings.
func DefaultOptions() Options {
	return Options{
		ScanServiceUUID:   ThroneScanServiceUUID,
		ServiceUUID:       ThroneServiceUUID,
		DeviceID:          ThroneDeviceID,
		ScanTimeout:       5 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		Clock:             RealClock(),
		Capabilities:      AlwaysGranted,
		InboxSize:         64,
	}
}

// session is the in-flight state of one attempt. The Connector holds at
// most one; its presence is the busy flag.
type session struct {
	id        uint64
	phase     Phase
	started   time.Time
	scanning  bool
	transport Transport
	address   string
	service   string
	response  []byte
}

// Connector runs at most one connect attempt at a time. Every input is an
// Event processed by a single goroutine in Run, so session state needs no
// locking. Post and FastConnect are safe for concurrent use.
type Connector struct {
	driver   Driver
	users    UserIDSource
	opts     Options
	timeouts *supervisor

	inbox    chan Event
	done     chan struct{}
	outcomes chan Outcome

	session *session
	nextID  uint64
	phase   atomic.Int32 // mirror of session phase for other goroutines
}

// NewConnector creates a Connector. users may be nil, in which case the
// payload carries an empty user id.
func NewConnector(driver Driver, users UserIDSource, opts Options) *Connector {
	def := DefaultOptions()
	if opts.ScanServiceUUID == "" {
		opts.ScanServiceUUID = def.ScanServiceUUID
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.DeviceID == "" {
		opts.DeviceID = def.DeviceID
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = def.ConnectionTimeout
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.Capabilities == nil {
		opts.Capabilities = def.Capabilities
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = def.InboxSize
	}
	return &Connector{
		driver:   driver,
		users:    users,
		opts:     opts,
		timeouts: newSupervisor(opts.Clock),
		inbox:    make(chan Event, opts.InboxSize),
		done:     make(chan struct{}),
		outcomes: make(chan Outcome, 16),
	}
}

// FastConnect requests one scan/connect/authenticate attempt. It returns
// immediately; the result is only observable through Outcomes and logs.
func (c *Connector) FastConnect() {
	c.Post(connectRequested{})
}

// Post queues an event for the dispatch loop. An event posted here applies
// to whichever attempt is current; drivers are handed session-scoped sinks
// instead. After Run returns, events are discarded.
func (c *Connector) Post(ev Event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

// Outcomes returns finished attempts. Outcomes are dropped if nobody reads.
func (c *Connector) Outcomes() <-chan Outcome {
	return c.outcomes
}

// Phase returns the current phase. Safe for concurrent use.
func (c *Connector) Phase() Phase {
	return Phase(c.phase.Load())
}

// Busy reports whether an attempt is in flight.
func (c *Connector) Busy() bool {
	return c.Phase() != PhaseIdle
}

// Run processes events until ctx is cancelled, then cleans up any active
// attempt.
func (c *Connector) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.close(ReasonShutdown)
			return ctx.Err()
		case ev := <-c.inbox:
			c.dispatch(ev)
		}
	}
}

// dispatch is the single entry point for every state machine input.
func (c *Connector) dispatch(ev Event) {
	switch e := ev.(type) {
	case connectRequested:
		c.onConnectRequested()
	case scanDeadline:
		c.onScanDeadline(e)
	case connectionDeadline:
		c.onConnectionDeadline(e)
	case sessionEvent:
		if c.current(e.session) == nil {
			slog.Debug("[BLE] dropping event from earlier session", "session", e.session, "type", fmt.Sprintf("%T", e.ev))
			return
		}
		c.dispatch(e.ev)
	case *ScanResult:
		c.onScanResult(e)
	case *ScanFailed:
		c.onScanFailed(e)
	case *ConnectionStateChanged:
		c.onConnectionStateChanged(e)
	case *ServicesDiscovered:
		c.onServicesDiscovered(e)
	case *CharacteristicWritten:
		c.onCharacteristicWritten(e)
	case *CharacteristicRead:
		c.onCharacteristicRead(e)
	default:
		slog.Warn("[BLE] unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Connector) onConnectRequested() {
	if c.session != nil {
		slog.Warn("[BLE] already attempting connection, skipping")
		metrics.IncConnectRejected("busy")
		return
	}

	if !c.driver.Enabled() {
		slog.Warn("[BLE] bluetooth is not enabled")
		c.close(ReasonRadioDisabled)
		metrics.IncConnectRejected(string(ReasonRadioDisabled))
		c.publish(Outcome{Reason: ReasonRadioDisabled, Phase: PhaseIdle})
		return
	}

	if !c.opts.Capabilities.Granted() {
		slog.Warn("[BLE] missing required BLE permissions (scan/connect), dropping fast connect")
		metrics.IncConnectRejected("capabilities")
		return
	}

	c.nextID++
	s := &session{id: c.nextID, started: c.opts.Clock.Now()}
	c.session = s
	metrics.IncConnectAttempt()
	slog.Info("[BLE] fast connect to beacon", "session", s.id)

	id := s.id
	c.timeouts.arm(deadlineConnection, c.opts.ConnectionTimeout, func() {
		c.Post(connectionDeadline{session: id})
	})
	c.startScan(s)
}

func (c *Connector) startScan(s *session) {
	c.setPhase(s, PhaseScanning)

	serviceUUID, err := ExpandUUID(c.opts.ScanServiceUUID)
	if err != nil {
		slog.Error("[BLE] invalid scan service UUID", "error", err)
		c.close(ReasonScanStartFailed)
		return
	}

	id := s.id
	c.timeouts.arm(deadlineScan, c.opts.ScanTimeout, func() {
		c.Post(scanDeadline{session: id})
	})

	slog.Info("[BLE] starting low-latency scan", "service", serviceUUID)
	s.scanning = true
	filter := ScanFilter{ServiceUUID: serviceUUID, Mode: ScanModeLowLatency}
	if err := c.driver.StartScan(filter, c.sink(id)); err != nil {
		slog.Error("[BLE] failed to start scan", "error", err)
		c.close(ReasonScanStartFailed)
	}
}

func (c *Connector) onScanDeadline(e scanDeadline) {
	s := c.current(e.session)
	if s == nil || s.phase != PhaseScanning {
		return
	}
	slog.Warn("[BLE] no device found before scan timeout", "timeout", c.opts.ScanTimeout)
	c.close(ReasonScanTimeout)
}

func (c *Connector) onConnectionDeadline(e connectionDeadline) {
	if c.current(e.session) == nil {
		return
	}
	slog.Warn("[BLE] connection attempt timed out", "timeout", c.opts.ConnectionTimeout)
	c.close(ReasonConnectionTimeout)
}

func (c *Connector) onScanResult(e *ScanResult) {
	s := c.session
	if s == nil || s.phase != PhaseScanning {
		return
	}
	slog.Info("[BLE] found device, attempting connection", "address", e.Address, "rssi", e.RSSI)

	c.timeouts.cancel(deadlineScan)
	c.stopScan(s)

	c.setPhase(s, PhaseConnecting)
	s.address = e.Address
	t, err := c.driver.Connect(e.Address, c.sink(s.id))
	if err != nil {
		slog.Error("[BLE] connect failed", "address", e.Address, "error", err)
		c.close(ReasonConnectFailed)
		return
	}
	s.transport = t
}

func (c *Connector) onScanFailed(e *ScanFailed) {
	if c.session == nil {
		return
	}
	slog.Error("[BLE] scan failed", "code", e.Code)
	c.session.scanning = false
	c.close(ReasonScanFailed)
}

func (c *Connector) onConnectionStateChanged(e *ConnectionStateChanged) {
	s := c.session
	if s == nil {
		return
	}
	if !e.Connected {
		slog.Warn("[BLE] disconnected", "status", e.Status)
		c.close(ReasonDisconnected)
		return
	}
	if s.phase != PhaseConnecting || s.transport == nil {
		return
	}

	slog.Info("[BLE] connected, starting service discovery", "address", s.address)
	c.setPhase(s, PhaseServiceDiscovery)
	if err := s.transport.DiscoverServices(); err != nil {
		slog.Error("[BLE] service discovery request failed", "error", err)
		c.close(ReasonDiscoveryFailed)
	}
}

func (c *Connector) onServicesDiscovered(e *ServicesDiscovered) {
	s := c.session
	if s == nil || s.phase != PhaseServiceDiscovery {
		return
	}
	if e.Status != StatusSuccess {
		slog.Error("[BLE] error discovering services", "status", e.Status)
		c.close(ReasonDiscoveryFailed)
		return
	}
	slog.Info("[BLE] services discovered", "count", len(e.Services))

	var target *Service
	for i := range e.Services {
		if SameUUID(e.Services[i].UUID, c.opts.ServiceUUID) {
			target = &e.Services[i]
			break
		}
	}
	if target == nil {
		slog.Error("[BLE] throne service not found", "service", c.opts.ServiceUUID)
		for _, svc := range e.Services {
			slog.Warn("[BLE] found service", "uuid", svc.UUID)
		}
		c.close(ReasonServiceNotFound)
		return
	}
	slog.Info("[BLE] found throne service", "uuid", target.UUID, "characteristics", len(target.Characteristics))

	if len(target.Characteristics) == 0 {
		slog.Error("[BLE] throne service has no characteristics")
		c.close(ReasonServiceNotFound)
		return
	}

	payload, err := protocol.MarshalAuthMessage(c.opts.DeviceID, c.userID())
	if err != nil {
		slog.Error("[BLE] failed to build auth message", "error", err)
		c.close(ReasonPayloadFailed)
		return
	}
	slog.Debug("[BLE] serialized request", "hex", hex.EncodeToString(payload))

	c.setPhase(s, PhaseWriting)
	s.service = target.UUID
	for _, char := range target.Characteristics {
		slog.Info("[BLE] writing auth message", "characteristic", char)
		if err := s.transport.WriteCharacteristic(target.UUID, char, payload); err != nil {
			slog.Error("[BLE] write request failed", "characteristic", char, "error", err)
			c.close(ReasonWriteFailed)
			return
		}
	}
}

func (c *Connector) onCharacteristicWritten(e *CharacteristicWritten) {
	s := c.session
	if s == nil || (s.phase != PhaseWriting && s.phase != PhaseReading) {
		return
	}
	if e.Status != StatusSuccess {
		slog.Error("[BLE] error writing characteristic", "characteristic", e.Characteristic, "status", e.Status)
		c.close(ReasonWriteFailed)
		return
	}
	if s.phase != PhaseWriting {
		slog.Debug("[BLE] ignoring later write completion", "characteristic", e.Characteristic)
		return
	}

	slog.Info("[BLE] write successful, reading response", "characteristic", e.Characteristic)
	c.setPhase(s, PhaseReading)
	if err := s.transport.ReadCharacteristic(s.service, e.Characteristic); err != nil {
		slog.Error("[BLE] read request failed", "characteristic", e.Characteristic, "error", err)
		c.close(ReasonReadFailed)
	}
}

func (c *Connector) onCharacteristicRead(e *CharacteristicRead) {
	s := c.session
	if s == nil || s.phase != PhaseReading {
		return
	}
	if e.Status != StatusSuccess {
		slog.Error("[BLE] error reading response", "status", e.Status)
		c.close(ReasonReadFailed)
		return
	}

	if len(e.Value) > 0 {
		slog.Info("[BLE] serialized response", "hex", hex.EncodeToString(e.Value))
	} else {
		slog.Info("[BLE] no response data")
	}
	s.response = append([]byte(nil), e.Value...)
	c.close(ReasonCompleted)
}

// close is the one cleanup path. It is a no-op when no attempt is active,
// so redundant triggers (a timer that fired just before cancellation, a
// disconnect after a failure) are harmless.
func (c *Connector) close(reason Reason) {
	s := c.session
	if s == nil {
		return
	}
	slog.Info("[BLE] cleaning up", "session", s.id, "reason", reason, "phase", s.phase)
	lastPhase := s.phase

	c.timeouts.cancelAll()
	c.stopScan(s)
	if s.transport != nil {
		if err := s.transport.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "error", err)
		}
		if err := s.transport.Close(); err != nil {
			slog.Warn("[BLE] close failed", "error", err)
		}
		s.transport = nil
	}
	s.phase = PhaseClosed
	c.session = nil
	c.phase.Store(int32(PhaseIdle))

	elapsed := c.opts.Clock.Now().Sub(s.started)
	metrics.ObserveConnectOutcome(string(reason), lastPhase.String(), elapsed)
	c.publish(Outcome{
		Reason:   reason,
		Phase:    lastPhase,
		Address:  s.address,
		Response: s.response,
		Duration: elapsed,
	})
}

// stopScan stops the scan if one may still be running and the runtime
// capabilities allow touching the scanner.
func (c *Connector) stopScan(s *session) {
	if !s.scanning {
		return
	}
	if !c.opts.Capabilities.Granted() {
		slog.Warn("[BLE] skipping stop scan due to missing scan permission")
		return
	}
	if err := c.driver.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
	s.scanning = false
}

// sink returns the EventSink handed to the driver for session id.
func (c *Connector) sink(id uint64) EventSink {
	return func(ev Event) {
		c.Post(sessionEvent{session: id, ev: ev})
	}
}

func (c *Connector) current(id uint64) *session {
	if c.session == nil || c.session.id != id {
		return nil
	}
	return c.session
}

func (c *Connector) setPhase(s *session, p Phase) {
	s.phase = p
	c.phase.Store(int32(p))
}

func (c *Connector) userID() string {
	if c.users == nil {
		return ""
	}
	id, err := c.users.UserID()
	if err != nil {
		slog.Warn("[BLE] reading stored user id failed, sending empty", "error", err)
		return ""
	}
	if id == "" {
		slog.Warn("[BLE] no throne user id stored")
	} else {
		slog.Debug("[BLE] found throne user id", "user_id", id)
	}
	return id
}

func (c *Connector) publish(o Outcome) {
	select {
	case c.outcomes <- o:
	default:
		slog.Debug("[BLE] outcome dropped, no reader", "reason", o.Reason)
	}
}
