package geofilter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakshanet/beacon/internal/geofilter"
)

// fakeClock advances only when told to.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFilter(t *testing.T) (*geofilter.Filter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := geofilter.New(geofilter.Config{})
	f.SetClock(clock.now)
	return f, clock
}

func TestDecide_HardAccuracyRejectedWithoutStateChange(t *testing.T) {
	f, _ := newFilter(t)

	_, ok := f.Decide(12.97, 77.59, 6000)
	assert.False(t, ok)

	// State untouched: the next plausible fix still bootstraps as the
	// first ever accepted.
	pos, ok := f.Decide(12.97, 77.59, 10)
	require.True(t, ok)
	assert.InDelta(t, 12.97, pos.Latitude, 1e-9)
}

func TestDecide_BootstrapAcceptsUnconditionally(t *testing.T) {
	f, _ := newFilter(t)
	_, ok := f.Decide(12.97, 77.59, 4999)
	assert.True(t, ok)
}

func TestDecide_NoMovementSuppression(t *testing.T) {
	f, _ := newFilter(t)

	_, ok := f.Decide(12.97, 77.59, 20)
	require.True(t, ok)
	_, ok = f.Decide(12.97, 77.59, 20)
	assert.False(t, ok)
}

func TestDecide_StationaryAccuracyImprovementAccepted(t *testing.T) {
	f, _ := newFilter(t)

	_, ok := f.Decide(12.97, 77.59, 50)
	require.True(t, ok)

	// 50 -> 40 is a >=5m improvement; the precise fix goes through.
	_, ok = f.Decide(12.97, 77.59, 40)
	assert.True(t, ok)

	// 40 -> 38 is not.
	_, ok = f.Decide(12.97, 77.59, 38)
	assert.False(t, ok)
}

func TestDecide_ImpossibleSpeedRejected(t *testing.T) {
	f, clock := newFilter(t)

	_, ok := f.Decide(12.0, 77.0, 10)
	require.True(t, ok)

	// ~10km north in one second.
	clock.advance(time.Second)
	_, ok = f.Decide(12.09, 77.0, 10)
	assert.False(t, ok)

	// The same jump over 1000 seconds is a plausible 10 m/s.
	clock.advance(1000 * time.Second)
	_, ok = f.Decide(12.09, 77.0, 10)
	assert.True(t, ok)
}

func TestDecide_BigJumpWithPoorAccuracyRejected(t *testing.T) {
	f, clock := newFilter(t)

	_, ok := f.Decide(12.0, 77.0, 10)
	require.True(t, ok)

	// ~2km in a minute is under the speed limit, but accuracy 300m is
	// past the poor-accuracy threshold.
	clock.advance(time.Minute)
	_, ok = f.Decide(12.018, 77.0, 300)
	assert.False(t, ok)

	// The same move with good accuracy is accepted.
	_, ok = f.Decide(12.018, 77.0, 20)
	assert.True(t, ok)
}

func TestDecide_BigJumpTooSoonRejected(t *testing.T) {
	f, clock := newFilter(t)

	_, ok := f.Decide(12.0, 77.0, 10)
	require.True(t, ok)

	// ~2km after only 2 seconds would be ~1000 m/s; the speed rule
	// already rejects it, so use a slower but still too-soon window by
	// tightening via a 35s gap and a custom filter below.
	clock.advance(35 * time.Second)
	_, ok = f.Decide(12.018, 77.0, 20)
	assert.True(t, ok)

	f2 := geofilter.New(geofilter.Config{MaxSpeed: 100000, MinBigMoveInterval: 4 * time.Second})
	clock2 := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f2.SetClock(clock2.now)
	_, ok = f2.Decide(12.0, 77.0, 10)
	require.True(t, ok)
	clock2.advance(2 * time.Second)
	_, ok = f2.Decide(12.018, 77.0, 20)
	assert.False(t, ok)
}

func TestDecide_SmoothedOutputIsRingAverage(t *testing.T) {
	f, clock := newFilter(t)

	_, ok := f.Decide(10.0, 20.0, 10)
	require.True(t, ok)

	clock.advance(10 * time.Second)
	pos, ok := f.Decide(10.001, 20.001, 10)
	require.True(t, ok)

	assert.InDelta(t, 10.0005, pos.Latitude, 1e-9)
	assert.InDelta(t, 20.0005, pos.Longitude, 1e-9)
}

// Rejection decisions run against the raw trail: after several smoothed
// outputs the last-accepted point is the raw one, so a fix 2m from the
// previous raw fix is suppressed even if it is further from the smoothed
// average.
func TestDecide_RawTrailDrivesDecisions(t *testing.T) {
	f, clock := newFilter(t)

	_, ok := f.Decide(10.0, 20.0, 10)
	require.True(t, ok)
	clock.advance(10 * time.Second)
	_, ok = f.Decide(10.004, 20.0, 10)
	require.True(t, ok)

	clock.advance(10 * time.Second)
	_, ok = f.Decide(10.004, 20.0, 10)
	assert.False(t, ok)
}

func TestHaversineMeters(t *testing.T) {
	// One degree of latitude is ~111.2 km.
	d := geofilter.HaversineMeters(12.0, 77.0, 13.0, 77.0)
	assert.InDelta(t, 111195, d, 200)

	assert.InDelta(t, 0, geofilter.HaversineMeters(12.0, 77.0, 12.0, 77.0), 1e-9)
}
