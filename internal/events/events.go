// Package events carries host-facing notifications from the radar core to a
// single consumer over a buffered channel.
package events

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/chaz8081/beacon-radar/internal/beacon"
	"github.com/chaz8081/beacon-radar/internal/metrics"
)

// Type is the host-facing event name.
type Type string

const (
	TypeRegionEntered   Type = "didEnterRegion"
	TypeRegionExited    Type = "didExitRegion"
	TypeBeaconsDetected Type = "onBeaconsDetected"
)

// Event is implemented by RegionEntered, RegionExited and BeaconsDetected.
type Event interface {
	Type() Type
}

// RegionInfo is the region identity carried by enter/exit events.
type RegionInfo struct {
	Identifier string `json:"identifier"`
	UUID       string `json:"uuid"`
	Major      string `json:"major"`
	Minor      string `json:"minor"`
}

// NewRegionInfo flattens r into event fields.
func NewRegionInfo(r beacon.Region) RegionInfo {
	return RegionInfo{
		Identifier: r.ID,
		UUID:       r.UUID,
		Major:      r.MajorString(),
		Minor:      r.MinorString(),
	}
}

type RegionEntered struct {
	RegionInfo
}

type RegionExited struct {
	RegionInfo
}

// BeaconRecord is one observation as reported to the host.
type BeaconRecord struct {
	UUID             string  `json:"uuid"`
	Major            string  `json:"major"`
	Minor            string  `json:"minor"`
	Distance         float64 `json:"distance"`
	RSSI             int     `json:"rssi"`
	TxPower          int     `json:"txPower"`
	BluetoothName    string  `json:"bluetoothName"`
	BluetoothAddress string  `json:"bluetoothAddress"`
	Manufacturer     int     `json:"manufacturer"`
	Timestamp        float64 `json:"timestamp"` // epoch milliseconds
}

// NewBeaconRecord converts an observation with its resolved distance.
func NewBeaconRecord(o beacon.Observation) BeaconRecord {
	return BeaconRecord{
		UUID:             o.UUID,
		Major:            strconv.Itoa(int(o.Major)),
		Minor:            strconv.Itoa(int(o.Minor)),
		Distance:         o.Distance,
		RSSI:             o.RSSI,
		TxPower:          o.TxPower,
		BluetoothName:    o.Name,
		BluetoothAddress: o.Address,
		Manufacturer:     o.Manufacturer,
		Timestamp:        float64(o.Timestamp.UnixMilli()),
	}
}

// BeaconsDetected carries every fresh observation of one ranging cycle.
type BeaconsDetected struct {
	Region  string         `json:"region"`
	Beacons []BeaconRecord `json:"beacons"`
}

func (RegionEntered) Type() Type   { return TypeRegionEntered }
func (RegionExited) Type() Type    { return TypeRegionExited }
func (BeaconsDetected) Type() Type { return TypeBeaconsDetected }

// DefaultBufferSize is used when NewBus is given a non-positive size.
const DefaultBufferSize = 64

// Bus is a buffered single-consumer event channel. Publish never blocks:
// when the buffer is full the event is dropped.
type Bus struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus{ch: make(chan Event, size)}
}

// Publish queues ev and reports whether it was accepted.
func (b *Bus) Publish(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- ev:
		metrics.IncEventPublished(string(ev.Type()))
		return true
	default:
		slog.Warn("[EVENTS] channel full, dropping event", "type", ev.Type())
		metrics.IncEventDropped(string(ev.Type()))
		return false
	}
}

// Events returns the receive side. It is closed by Close.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close stops accepting events and closes the channel. Safe to call twice.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
