// Package beacon defines the beacon observation and region types shared by
// the ranging, monitoring and proximity packages.
package beacon

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnknownDistance marks a distance the platform did not or could not supply.
const UnknownDistance = -1.0

// AllBeaconsID is the identifier of the wildcard region.
const AllBeaconsID = "all-beacons"

// Observation is one beacon detection from a ranging cycle. It is never
// mutated after construction; processing produces copies.
type Observation struct {
	UUID         string
	Major        uint16
	Minor        uint16
	RSSI         int     // measured signal strength, dBm
	TxPower      int     // calibrated signal strength at 1 m, dBm
	Distance     float64 // meters, or UnknownDistance
	Address      string
	Name         string
	Manufacturer int // Bluetooth SIG company identifier
	Timestamp    time.Time
}

// Age returns how long before now the observation was made.
func (o Observation) Age(now time.Time) time.Duration {
	return now.Sub(o.Timestamp)
}

// Key identifies a physical beacon within a ranging cycle.
func (o Observation) Key() string {
	return fmt.Sprintf("%s/%d/%d", o.UUID, o.Major, o.Minor)
}

// RegionState is the monitoring state of a region.
type RegionState int

const (
	StateUnknown RegionState = iota
	StateOutside
	StateInside
)

func (s RegionState) String() string {
	switch s {
	case StateInside:
		return "INSIDE"
	case StateOutside:
		return "OUTSIDE"
	default:
		return "UNKNOWN"
	}
}

// Region is a named filter over beacon identity. Nil or empty fields match
// anything.
type Region struct {
	ID    string
	UUID  string // upper-case canonical form, "" for any
	Major *uint16
	Minor *uint16
}

// AllBeacons returns the wildcard region.
func AllBeacons() Region {
	return Region{ID: AllBeaconsID}
}

// NewRegion builds the region for a caller-supplied proximity UUID. An empty
// string yields the wildcard region.
func NewRegion(proximityUUID string) (Region, error) {
	proximityUUID = strings.TrimSpace(proximityUUID)
	if proximityUUID == "" {
		return AllBeacons(), nil
	}
	u, err := uuid.Parse(proximityUUID)
	if err != nil {
		return Region{}, fmt.Errorf("beacon: parse region uuid %q: %w", proximityUUID, err)
	}
	canonical := strings.ToUpper(u.String())
	return Region{ID: "beacons-" + strings.ToLower(canonical), UUID: canonical}, nil
}

// Matches reports whether o falls inside the region's filter.
func (r Region) Matches(o Observation) bool {
	if r.UUID != "" && !strings.EqualFold(r.UUID, o.UUID) {
		return false
	}
	if r.Major != nil && *r.Major != o.Major {
		return false
	}
	if r.Minor != nil && *r.Minor != o.Minor {
		return false
	}
	return true
}

// MajorString returns the major filter as text, "" when unset.
func (r Region) MajorString() string { return optString(r.Major) }

// MinorString returns the minor filter as text, "" when unset.
func (r Region) MinorString() string { return optString(r.Minor) }

func (r Region) String() string {
	return fmt.Sprintf("%s[uuid=%s major=%s minor=%s]", r.ID, orAny(r.UUID), orAny(r.MajorString()), orAny(r.MinorString()))
}

func optString(v *uint16) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(int(*v))
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
