package ble

// Event is one input to the Connector's dispatch loop. Driver callbacks,
// timer expiries and commands are all events.
type Event interface {
	event()
}

// ScanResult reports a device matching the scan filter.
type ScanResult struct {
	Address string
	Name    string
	RSSI    int
}

// ScanFailed reports a platform-level scan failure.
type ScanFailed struct {
	Code int
}

// ConnectionStateChanged reports a transport connect or disconnect.
type ConnectionStateChanged struct {
	Status    int
	Connected bool
}

// ServicesDiscovered reports the result of Transport.DiscoverServices.
type ServicesDiscovered struct {
	Status   int
	Services []Service
}

// CharacteristicWritten reports the completion of one characteristic write.
type CharacteristicWritten struct {
	Characteristic string
	Status         int
}

// CharacteristicRead reports the completion of a characteristic read.
type CharacteristicRead struct {
	Characteristic string
	Status         int
	Value          []byte
}

// connectRequested is posted by FastConnect.
type connectRequested struct{}

// scanDeadline and connectionDeadline are posted by expired timers. The
// session id lets the dispatcher ignore fires from an earlier session.
type scanDeadline struct{ session uint64 }

type connectionDeadline struct{ session uint64 }

// sessionEvent wraps a driver callback with the session whose driver call
// produced it. Callbacks that outlive their session are dropped.
type sessionEvent struct {
	session uint64
	ev      Event
}

func (*ScanResult) event()             {}
func (*ScanFailed) event()             {}
func (*ConnectionStateChanged) event() {}
func (*ServicesDiscovered) event()     {}
func (*CharacteristicWritten) event()  {}
func (*CharacteristicRead) event()     {}
func (connectRequested) event()        {}
func (scanDeadline) event()            {}
func (connectionDeadline) event()      {}
func (sessionEvent) event()            {}
