// Package notify delivers user-facing beacon alerts and brings the host
// application to the foreground before an alert is shown.
package notify

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/beacon-radar/internal/beacon"
)

// AlertTitle is the title of every beacon alert.
const AlertTitle = "Beacon Detected"

// Alert is one user-facing notification for the nearest beacon.
type Alert struct {
	Title  string
	Body   string
	Beacon beacon.Observation
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(a Alert) error
}

// Promoter brings the host application to the foreground so an alert can
// be delivered reliably.
type Promoter interface {
	Promote() error
}

// DistanceText buckets a distance for display.
func DistanceText(meters float64) string {
	switch {
	case meters < 1.0:
		return fmt.Sprintf("Very close (%.2fm)", meters)
	case meters < 3.0:
		return fmt.Sprintf("Near (%.2fm)", meters)
	default:
		return fmt.Sprintf("Far (%.2fm)", meters)
	}
}

// NewAlert builds the alert for o.
func NewAlert(o beacon.Observation) Alert {
	return Alert{
		Title:  AlertTitle,
		Body:   fmt.Sprintf("Beacon detected: %s\nDistance: %s\nRSSI: %d", o.UUID, DistanceText(o.Distance), o.RSSI),
		Beacon: o,
	}
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

// Compile-time interface satisfaction check.
var _ Notifier = LogNotifier{}

func (LogNotifier) Notify(a Alert) error {
	slog.Info("[NOTIFY] "+a.Title, "body", a.Body, "address", a.Beacon.Address)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

var _ Notifier = Multi(nil)

func (m Multi) Notify(a Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopPromoter does nothing. Used when no launch command is configured.
type NopPromoter struct{}

var _ Promoter = NopPromoter{}

func (NopPromoter) Promote() error { return nil }
