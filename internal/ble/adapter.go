// Package ble drives the Throne beacon connect-and-authenticate exchange:
// scan for the beacon family, connect, discover the Throne service, write the
// auth payload to each characteristic and read back the response.
package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Throne beacon identifiers.
const (
	// ThroneScanServiceUUID is the 16-bit service UUID the beacons advertise.
	ThroneScanServiceUUID = "88FE"
	// ThroneServiceUUID is the GATT service holding the auth characteristics.
	ThroneServiceUUID = "20E28DFB-E639-4D07-9DFB-6C4C3164331C"
	// ThroneDeviceID identifies this client in every auth request.
	ThroneDeviceID = "19FE8314-DF24-748E-2010-A3FF4F5B919E"
)

// GATT status codes reported by drivers. Anything non-zero is a failure.
const (
	StatusSuccess = 0
	StatusFailure = 0x101
)

// ScanMode selects the radio duty cycle for a scan.
type ScanMode int

const (
	ScanModeLowPower ScanMode = iota
	ScanModeBalanced
	ScanModeLowLatency
)

// ScanFilter restricts a scan to devices advertising ServiceUUID.
type ScanFilter struct {
	ServiceUUID string
	Mode        ScanMode
}

// Service is one discovered GATT service and its characteristic UUIDs.
type Service struct {
	UUID            string
	Characteristics []string
}

// EventSink receives driver callbacks. Drivers may call it from any goroutine.
type EventSink func(Event)

// Transport is an open GATT connection to one device. Results of
// DiscoverServices, WriteCharacteristic and ReadCharacteristic arrive later
// through the EventSink passed to Driver.Connect.
type Transport interface {
	// Address returns the remote device address.
	Address() string
	DiscoverServices() error
	WriteCharacteristic(serviceUUID, charUUID string, value []byte) error
	ReadCharacteristic(serviceUUID, charUUID string) error
	// Disconnect requests link teardown. It is safe to call more than once.
	Disconnect() error
	// Close releases the local handle.
	Close() error
}

// Driver abstracts the platform BLE stack for testing.
type Driver interface {
	// Enabled reports whether the radio is powered on.
	Enabled() bool
	// StartScan begins a filtered scan. Results and failures are delivered
	// as *ScanResult and *ScanFailed events.
	StartScan(filter ScanFilter, sink EventSink) error
	// StopScan stops any scan started by StartScan.
	StopScan() error
	// Connect opens a transport to address. Connection state changes are
	// delivered as *ConnectionStateChanged events.
	Connect(address string, sink EventSink) (Transport, error)
}

// Capabilities reports whether the runtime permissions needed to scan and
// connect (location plus BLE scan/connect) are currently granted.
type Capabilities interface {
	Granted() bool
}

// CapabilitiesFunc adapts a function to Capabilities.
type CapabilitiesFunc func() bool

func (f CapabilitiesFunc) Granted() bool { return f() }

// AlwaysGranted is used on platforms without runtime permissions.
var AlwaysGranted Capabilities = CapabilitiesFunc(func() bool { return true })

// ExpandUUID turns a 16- or 32-bit Bluetooth SIG short UUID into its 128-bit
// form on the Bluetooth base UUID. Full UUIDs are normalized to upper case.
func ExpandUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 4:
		s = "0000" + s + "-0000-1000-8000-00805F9B34FB"
	case 8:
		s = s + "-0000-1000-8000-00805F9B34FB"
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("ble: parse UUID %q: %w", s, err)
	}
	return strings.ToUpper(u.String()), nil
}

// SameUUID reports whether two UUID strings name the same UUID, accepting
// short forms.
func SameUUID(a, b string) bool {
	ea, err := ExpandUUID(a)
	if err != nil {
		return false
	}
	eb, err := ExpandUUID(b)
	if err != nil {
		return false
	}
	return ea == eb
}
