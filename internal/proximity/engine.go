// Package proximity turns ranging snapshots into host events and alerts:
// drop stale observations, fill in missing distances, pick the nearest
// beacon, and alert when the host application is in the background.
package proximity

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/chaz8081/beacon-radar/internal/beacon"
	"github.com/chaz8081/beacon-radar/internal/events"
	"github.com/chaz8081/beacon-radar/internal/metrics"
	"github.com/chaz8081/beacon-radar/internal/notify"
)

// Defaults.
const (
	DefaultStaleAfter     = 10 * time.Second
	DefaultMaxDistance    = 4.0
	DefaultNotifyInterval = 30 * time.Second
)

// ErrInvalidDistance is returned for a threshold that is not a positive,
// finite number of meters.
var ErrInvalidDistance = errors.New("proximity: max distance must be a positive finite number")

// Decision is what one Process call did.
type Decision string

const (
	DecisionEmpty       Decision = "empty"        // nothing fresh
	DecisionTooFar      Decision = "too_far"      // nearest beyond threshold, nothing emitted
	DecisionReported    Decision = "reported"     // event emitted, no alert
	DecisionAlerted     Decision = "alerted"      // event emitted and alert delivered
	DecisionRateLimited Decision = "rate_limited" // alert held back by the notify interval
)

// Publisher receives host events. *events.Bus implements it.
type Publisher interface {
	Publish(ev events.Event) bool
}

// Options configures an Engine.
type Options struct {
	StaleAfter     time.Duration
	MaxDistance    float64
	NotifyInterval time.Duration // 0 disables rate limiting
	Now            func() time.Time
	// InForeground reports whether the host application is active. Alerts
	// are only raised when it returns false. Nil means always background.
	InForeground func() bool
}

// DefaultOptions returns the standard engine settings.
func DefaultOptions() Options {
	return Options{
		StaleAfter:     DefaultStaleAfter,
		MaxDistance:    DefaultMaxDistance,
		NotifyInterval: DefaultNotifyInterval,
		Now:            time.Now,
	}
}

// Result summarises one Process call.
type Result struct {
	Decision Decision
	Fresh    []beacon.Observation // fresh observations with resolved distances
	Nearest  *beacon.Observation
}

// Engine holds the proximity state. Process must only be called from one
// goroutine at a time; SetMaxDistance may be called from anywhere.
type Engine struct {
	opts      Options
	publisher Publisher
	notifier  notify.Notifier
	promoter  notify.Promoter

	maxDistance atomic.Uint64 // math.Float64bits

	nearest      *beacon.Observation
	lastNotified time.Time
}

// NewEngine creates an Engine. notifier and promoter may be nil.
func NewEngine(publisher Publisher, notifier notify.Notifier, promoter notify.Promoter, opts Options) *Engine {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if !validDistance(opts.MaxDistance) {
		opts.MaxDistance = DefaultMaxDistance
	}
	if opts.NotifyInterval < 0 {
		opts.NotifyInterval = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InForeground == nil {
		opts.InForeground = func() bool { return false }
	}
	if promoter == nil {
		promoter = notify.NopPromoter{}
	}
	e := &Engine{opts: opts, publisher: publisher, notifier: notifier, promoter: promoter}
	e.maxDistance.Store(math.Float64bits(opts.MaxDistance))
	return e
}

// SetMaxDistance sets the threshold in meters used by both the report and
// alert checks. It takes effect on the next Process call. NaN, infinite and
// non-positive values are rejected and leave the threshold unchanged.
func (e *Engine) SetMaxDistance(meters float64) error {
	if !validDistance(meters) {
		return fmt.Errorf("%w: %v", ErrInvalidDistance, meters)
	}
	e.maxDistance.Store(math.Float64bits(meters))
	return nil
}

func validDistance(meters float64) bool {
	return meters > 0 && !math.IsInf(meters, 1)
}

func (e *Engine) MaxDistance() float64 {
	return math.Float64frombits(e.maxDistance.Load())
}

// Nearest returns the nearest beacon of the last reported cycle.
func (e *Engine) Nearest() (beacon.Observation, bool) {
	if e.nearest == nil {
		return beacon.Observation{}, false
	}
	return *e.nearest, true
}

// LastNotified returns when the last alert was delivered.
func (e *Engine) LastNotified() time.Time {
	return e.lastNotified
}

// Process handles one ranging snapshot for region.
func (e *Engine) Process(region beacon.Region, observations []beacon.Observation) Result {
	now := e.opts.Now()
	threshold := e.MaxDistance()

	fresh := make([]beacon.Observation, 0, len(observations))
	original := make([]float64, 0, len(observations))
	for _, o := range observations {
		if o.Age(now) >= e.opts.StaleAfter {
			continue
		}
		original = append(original, o.Distance)
		fresh = append(fresh, resolveDistance(o))
	}
	metrics.AddStaleObservations(len(observations) - len(fresh))
	metrics.ObserveRangingCycle(region.ID, len(fresh))
	slog.Debug("[PROXIMITY] snapshot", "region", region.ID, "total", len(observations), "fresh", len(fresh))

	if len(fresh) == 0 {
		return e.decide(Result{Decision: DecisionEmpty})
	}

	idx := 0
	for i := 1; i < len(fresh); i++ {
		if fresh[i].Distance < fresh[idx].Distance {
			idx = i
		}
	}
	nearest := fresh[idx]
	res := Result{Fresh: fresh, Nearest: &nearest}
	metrics.SetNearestDistance(region.ID, nearest.Distance)

	if nearest.Distance > threshold {
		slog.Debug("[PROXIMITY] nearest beacon beyond threshold", "distance", nearest.Distance, "max", threshold)
		res.Decision = DecisionTooFar
		return e.decide(res)
	}

	e.nearest = &nearest
	e.publish(region, fresh)
	res.Decision = DecisionReported

	if e.opts.InForeground() {
		return e.decide(res)
	}
	// The alert check uses the distance as reported, before any estimate
	// was filled in.
	if original[idx] > threshold {
		return e.decide(res)
	}
	if e.opts.NotifyInterval > 0 && !e.lastNotified.IsZero() && now.Sub(e.lastNotified) < e.opts.NotifyInterval {
		res.Decision = DecisionRateLimited
		return e.decide(res)
	}

	if e.alert(nearest) {
		e.lastNotified = now
		res.Decision = DecisionAlerted
	}
	return e.decide(res)
}

func (e *Engine) publish(region beacon.Region, fresh []beacon.Observation) {
	if e.publisher == nil {
		return
	}
	records := make([]events.BeaconRecord, len(fresh))
	for i, o := range fresh {
		records[i] = events.NewBeaconRecord(o)
	}
	e.publisher.Publish(events.BeaconsDetected{Region: region.ID, Beacons: records})
}

// alert promotes the host and delivers the notification. Promotion failure
// does not block the alert.
func (e *Engine) alert(o beacon.Observation) bool {
	if e.notifier == nil {
		return false
	}
	slog.Info("[PROXIMITY] app in background, sending notification for nearest beacon", "uuid", o.UUID, "distance", o.Distance)
	if err := e.promoter.Promote(); err != nil {
		slog.Warn("[PROXIMITY] promote host application", "error", err)
	}
	if err := e.notifier.Notify(notify.NewAlert(o)); err != nil {
		slog.Error("[PROXIMITY] deliver alert", "error", err)
		return false
	}
	return true
}

func (e *Engine) decide(r Result) Result {
	metrics.IncProximityDecision(string(r.Decision))
	return r
}
