package proximity

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/beacon-radar/internal/beacon"
	"github.com/chaz8081/beacon-radar/internal/events"
	"github.com/chaz8081/beacon-radar/internal/notify"
)

var testNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) bool {
	p.events = append(p.events, ev)
	return true
}

type recordingNotifier struct {
	alerts []notify.Alert
	err    error
}

func (n *recordingNotifier) Notify(a notify.Alert) error {
	n.alerts = append(n.alerts, a)
	return n.err
}

type countingPromoter struct {
	calls int
	err   error
}

func (p *countingPromoter) Promote() error {
	p.calls++
	return p.err
}

type engineFixture struct {
	pub      *recordingPublisher
	notifier *recordingNotifier
	promoter *countingPromoter
	now      time.Time
	fg       bool
	engine   *Engine
}

func newEngineFixture(opts Options) *engineFixture {
	f := &engineFixture{
		pub:      &recordingPublisher{},
		notifier: &recordingNotifier{},
		promoter: &countingPromoter{},
		now:      testNow,
	}
	opts.Now = func() time.Time { return f.now }
	opts.InForeground = func() bool { return f.fg }
	f.engine = NewEngine(f.pub, f.notifier, f.promoter, opts)
	return f
}

func obs(uuid string, age time.Duration, rssi, tx int, distance float64) beacon.Observation {
	return beacon.Observation{
		UUID:      uuid,
		Major:     1,
		Minor:     2,
		RSSI:      rssi,
		TxPower:   tx,
		Distance:  distance,
		Address:   "AA:BB:CC:DD:EE:01",
		Timestamp: testNow.Add(-age),
	}
}

func TestEstimateDistance(t *testing.T) {
	got := EstimateDistance(-70, -59)
	assert.InDelta(t, math.Pow(10, 0.55), got, 1e-9)
	assert.InDelta(t, 3.548, got, 0.001)

	assert.Equal(t, 1.0, EstimateDistance(-59, -59))
	assert.Equal(t, beacon.UnknownDistance, EstimateDistance(0, -59))
}

func TestResolveDistance(t *testing.T) {
	supplied := resolveDistance(obs("a", 0, -70, -59, 2.0))
	assert.Equal(t, 2.0, supplied.Distance, "non-negative supplied distance is kept")

	computed := resolveDistance(obs("a", 0, -70, -59, -1))
	assert.InDelta(t, 3.548, computed.Distance, 0.001)

	unknown := resolveDistance(obs("a", 0, 0, -59, -1))
	assert.Equal(t, beacon.UnknownDistance, unknown.Distance)
}

func TestProcessStalenessFilter(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	f.fg = true

	res := f.engine.Process(beacon.AllBeacons(), []beacon.Observation{
		obs("two", 2*time.Second, -60, -59, 1.0),
		obs("nine", 9*time.Second, -60, -59, 1.5),
		obs("eleven", 11*time.Second, -60, -59, 0.5),
		obs("twenty", 20*time.Second, -60, -59, 0.2),
	})

	require.Equal(t, DecisionReported, res.Decision)
	var got []string
	for _, o := range res.Fresh {
		got = append(got, o.UUID)
	}
	if diff := cmp.Diff([]string{"two", "nine"}, got); diff != "" {
		t.Errorf("fresh observations mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, res.Nearest)
	assert.Equal(t, "two", res.Nearest.UUID)
}

func TestProcessExactlyTenSecondsIsStale(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	res := f.engine.Process(beacon.AllBeacons(), []beacon.Observation{
		obs("edge", 10*time.Second, -60, -59, 1.0),
	})
	assert.Equal(t, DecisionEmpty, res.Decision)
	assert.Empty(t, f.pub.events)
	assert.Empty(t, f.notifier.alerts)
}

func TestProcessEmptySnapshot(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	res := f.engine.Process(beacon.AllBeacons(), nil)
	assert.Equal(t, DecisionEmpty, res.Decision)
	assert.Nil(t, res.Nearest)
	assert.Empty(t, f.pub.events)
}

func TestProcessNearestTieKeepsInputOrder(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	f.fg = true
	res := f.engine.Process(beacon.AllBeacons(), []beacon.Observation{
		obs("far", time.Second, -80, -59, 3.0),
		obs("first", time.Second, -60, -59, 1.0),
		obs("second", time.Second, -60, -59, 1.0),
	})
	require.NotNil(t, res.Nearest)
	assert.Equal(t, "first", res.Nearest.UUID)
}

func TestProcessUnknownDistanceWinsNearest(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	f.fg = true
	res := f.engine.Process(beacon.AllBeacons(), []beacon.Observation{
		obs("measured", time.Second, -60, -59, -1),
		obs("no-rssi", time.Second, 0, -59, -1),
	})
	require.NotNil(t, res.Nearest)
	assert.Equal(t, "no-rssi", res.Nearest.UUID)
	assert.Equal(t, beacon.UnknownDistance, res.Nearest.Distance)
}

func TestProcessNearestTooFarSuppressesEverything(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxDistance = 4.0
	f := newEngineFixture(opts)

	res := f.engine.Process(beacon.AllBeacons(), []beacon.Observation{
		{UUID: "a", RSSI: -73, TxPower: -59, Distance: 5.2, Timestamp: testNow},
		{UUID: "b", RSSI: -80, TxPower: -59, Distance: 9.0, Timestamp: testNow},
	})

	assert.Equal(t, DecisionTooFar, res.Decision)
	assert.Empty(t, f.pub.events, "no observations-updated event")
	assert.Empty(t, f.notifier.alerts, "no alert")
	assert.Zero(t, f.promoter.calls)
	_, ok := f.engine.Nearest()
	assert.False(t, ok)
}

func TestProcessEmitsFullFilteredSet(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	f.fg = true

	f.engine.Process(beacon.AllBeacons(), []beacon.Observation{
		obs("near", time.Second, -70, -59, -1),
		obs("far", time.Second, -90, -59, 30.0),
		obs("stale", time.Minute, -50, -59, 0.1),
	})

	require.Len(t, f.pub.events, 1)
	ev, ok := f.pub.events[0].(events.BeaconsDetected)
	require.True(t, ok, "event type = %T", f.pub.events[0])
	assert.Equal(t, "all-beacons", ev.Region)
	require.Len(t, ev.Beacons, 2)
	assert.Equal(t, "near", ev.Beacons[0].UUID)
	assert.InDelta(t, 3.548, ev.Beacons[0].Distance, 0.001)
	assert.Equal(t, 30.0, ev.Beacons[1].Distance)
	assert.Empty(t, f.notifier.alerts, "foreground: no alert")
}

func TestProcessBackgroundAlert(t *testing.T) {
	f := newEngineFixture(DefaultOptions())

	res := f.engine.Process(beacon.AllBeacons(), []beacon.Observation{
		obs("E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", time.Second, -62, -59, 0.8),
	})

	assert.Equal(t, DecisionAlerted, res.Decision)
	assert.Equal(t, 1, f.promoter.calls)
	require.Len(t, f.notifier.alerts, 1)
	assert.Equal(t, "Beacon detected: E2C56DB5-DFFB-48D2-B060-D0F5A71096E0\nDistance: Very close (0.80m)\nRSSI: -62", f.notifier.alerts[0].Body)
	assert.Equal(t, testNow, f.engine.LastNotified())
}

func TestProcessAlertUsesReportedDistance(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxDistance = 2.0
	f := newEngineFixture(opts)

	// Reported 1.5 m passes both checks.
	f.engine.Process(beacon.AllBeacons(), []beacon.Observation{obs("a", time.Second, -90, -59, 1.5)})
	assert.Len(t, f.notifier.alerts, 1)

	// Computed 1.12 m passes the report check; the reported -1 passes the
	// alert check.
	f.now = f.now.Add(time.Minute)
	res := f.engine.Process(beacon.AllBeacons(), []beacon.Observation{
		{UUID: "b", RSSI: -60, TxPower: -59, Distance: -1, Timestamp: f.now},
	})
	assert.Equal(t, DecisionAlerted, res.Decision)
	assert.Len(t, f.notifier.alerts, 2)
}

func TestProcessNotifyIntervalGate(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	snapshot := func() []beacon.Observation {
		return []beacon.Observation{{UUID: "a", RSSI: -60, TxPower: -59, Distance: 1.0, Timestamp: f.now}}
	}

	assert.Equal(t, DecisionAlerted, f.engine.Process(beacon.AllBeacons(), snapshot()).Decision)

	f.now = f.now.Add(10 * time.Second)
	assert.Equal(t, DecisionRateLimited, f.engine.Process(beacon.AllBeacons(), snapshot()).Decision)
	assert.Len(t, f.pub.events, 2, "event still emitted while rate limited")

	f.now = f.now.Add(20 * time.Second)
	assert.Equal(t, DecisionAlerted, f.engine.Process(beacon.AllBeacons(), snapshot()).Decision)
	assert.Len(t, f.notifier.alerts, 2)
}

func TestProcessNotifyIntervalDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.NotifyInterval = 0
	f := newEngineFixture(opts)

	for i := 0; i < 3; i++ {
		f.engine.Process(beacon.AllBeacons(), []beacon.Observation{
			{UUID: "a", RSSI: -60, TxPower: -59, Distance: 1.0, Timestamp: f.now},
		})
		f.now = f.now.Add(time.Second)
	}
	assert.Len(t, f.notifier.alerts, 3)
}

func TestProcessNotifierFailure(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	f.notifier.err = errors.New("unavailable")
	f.promoter.err = errors.New("no launcher")

	res := f.engine.Process(beacon.AllBeacons(), []beacon.Observation{obs("a", time.Second, -60, -59, 1.0)})
	assert.Equal(t, DecisionReported, res.Decision)
	assert.True(t, f.engine.LastNotified().IsZero(), "failed alert must not start the interval")
}

func TestSetMaxDistanceTakesEffectNextPass(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	f.fg = true
	snapshot := []beacon.Observation{obs("a", time.Second, -60, -59, 3.0)}

	assert.Equal(t, 4.0, f.engine.MaxDistance())
	assert.Equal(t, DecisionReported, f.engine.Process(beacon.AllBeacons(), snapshot).Decision)

	require.NoError(t, f.engine.SetMaxDistance(2.5))
	assert.Equal(t, 2.5, f.engine.MaxDistance())
	assert.Equal(t, DecisionTooFar, f.engine.Process(beacon.AllBeacons(), snapshot).Decision)
}

func TestSetMaxDistanceRejectsInvalid(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	snapshot := []beacon.Observation{obs("a", time.Second, -60, -59, 6.0)}

	for _, m := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0, -1} {
		err := f.engine.SetMaxDistance(m)
		assert.ErrorIs(t, err, ErrInvalidDistance, "SetMaxDistance(%v)", m)
	}
	assert.Equal(t, DefaultMaxDistance, f.engine.MaxDistance())
	assert.Equal(t, DecisionTooFar, f.engine.Process(beacon.AllBeacons(), snapshot).Decision)

	opts := DefaultOptions()
	opts.MaxDistance = math.NaN()
	assert.Equal(t, DefaultMaxDistance, NewEngine(nil, nil, nil, opts).MaxDistance())
}

func TestSetMaxDistanceConcurrent(t *testing.T) {
	f := newEngineFixture(DefaultOptions())
	f.fg = true
	snapshot := []beacon.Observation{obs("a", time.Second, -60, -59, 1.0)}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = f.engine.SetMaxDistance(float64(i%5) + 1)
		}
	}()
	for i := 0; i < 100; i++ {
		f.engine.Process(beacon.AllBeacons(), snapshot)
	}
	wg.Wait()
}

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(nil, nil, nil, Options{})
	assert.Equal(t, DefaultMaxDistance, e.MaxDistance())

	// No publisher or notifier: Process still runs.
	res := e.Process(beacon.AllBeacons(), []beacon.Observation{
		{UUID: "a", RSSI: -60, TxPower: -59, Distance: 1.0, Timestamp: time.Now()},
	})
	assert.Equal(t, DecisionReported, res.Decision)
}
