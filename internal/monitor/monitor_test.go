package monitor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/beacon-radar/internal/beacon"
	"github.com/chaz8081/beacon-radar/internal/events"
)

// mockRanger records start/stop calls and tracks which regions are ranging.
type mockRanger struct {
	starts  []string
	stops   []string
	ranging map[string]bool
	err     error
}

func newMockRanger() *mockRanger {
	return &mockRanger{ranging: make(map[string]bool)}
}

func (m *mockRanger) StartRanging(r beacon.Region) error {
	m.starts = append(m.starts, r.ID)
	if m.err != nil {
		return m.err
	}
	m.ranging[r.ID] = true
	return nil
}

func (m *mockRanger) StopRanging(r beacon.Region) error {
	m.stops = append(m.stops, r.ID)
	delete(m.ranging, r.ID)
	return nil
}

func (m *mockRanger) IsRanging(r beacon.Region) bool { return m.ranging[r.ID] }

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) bool {
	p.events = append(p.events, ev)
	return true
}

func TestEnterStartsRangingAndEmits(t *testing.T) {
	ranger := newMockRanger()
	pub := &recordingPublisher{}
	m := New(ranger, pub)
	region, err := beacon.NewRegion("e2c56db5-dffb-48d2-b060-d0f5a71096e0")
	require.NoError(t, err)

	m.DidEnterRegion(region)

	assert.Equal(t, []string{region.ID}, ranger.starts)
	assert.Equal(t, beacon.StateInside, m.State(region.ID))
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.RegionEntered{RegionInfo: events.RegionInfo{
		Identifier: region.ID,
		UUID:       "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0",
	}}, pub.events[0])
}

func TestExitStopsRangingAndEmits(t *testing.T) {
	ranger := newMockRanger()
	pub := &recordingPublisher{}
	m := New(ranger, pub)
	region := beacon.AllBeacons()

	m.DidEnterRegion(region)
	m.DidExitRegion(region)

	assert.Equal(t, []string{"all-beacons"}, ranger.stops)
	assert.False(t, ranger.IsRanging(region))
	assert.Equal(t, beacon.StateOutside, m.State(region.ID))
	require.Len(t, pub.events, 2)
	assert.Equal(t, events.TypeRegionExited, pub.events[1].Type())
}

func TestDetermineInsideWhileRangingIsIdempotent(t *testing.T) {
	ranger := newMockRanger()
	m := New(ranger, nil)
	region := beacon.AllBeacons()

	m.DidDetermineStateForRegion(beacon.StateInside, region)
	m.DidDetermineStateForRegion(beacon.StateInside, region)
	m.DidEnterRegion(region)

	assert.Len(t, ranger.starts, 1, "ranging must start only once")
}

func TestDetermineOutsideDoesNotRange(t *testing.T) {
	ranger := newMockRanger()
	pub := &recordingPublisher{}
	m := New(ranger, pub)

	m.DidDetermineStateForRegion(beacon.StateOutside, beacon.AllBeacons())

	assert.Empty(t, ranger.starts)
	assert.Empty(t, pub.events)
	assert.Equal(t, beacon.StateOutside, m.State("all-beacons"))
}

func TestStartRangingErrorIsLogged(t *testing.T) {
	ranger := newMockRanger()
	ranger.err = errors.New("scanner busy")
	m := New(ranger, nil)

	m.DidEnterRegion(beacon.AllBeacons())
	m.DidDetermineStateForRegion(beacon.StateInside, beacon.AllBeacons())

	// Not marked ranging, so the second call retries.
	assert.Len(t, ranger.starts, 2)
}

func TestUnknownRegionState(t *testing.T) {
	m := New(newMockRanger(), nil)
	assert.Equal(t, beacon.StateUnknown, m.State("missing"))
	assert.Equal(t, "UNKNOWN", m.State("missing").String())
}
