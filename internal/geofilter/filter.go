// Package geofilter rejects implausible raw position fixes and produces a
// moving-average smoothed position for the rest of the pipeline. Consumer
// GPS and network fixes are noisy and occasionally report kilometers-off
// glitches; forwarding them unfiltered corrupts the safety pipeline.
package geofilter

import (
	"math"
	"time"

	"github.com/rakshanet/beacon/internal/models"
)

// Config holds the plausibility thresholds. Zero values are replaced by
// the defaults below.
type Config struct {
	// HardAccuracyLimit discards any fix whose reported accuracy is
	// worse than this many meters.
	HardAccuracyLimit float64
	// MinMovement is the distance below which a fix is treated as noise.
	MinMovement float64
	// AccuracyImprovement is the accuracy gain (meters) that lets a
	// stationary fix through anyway.
	AccuracyImprovement float64
	// MaxSpeed is the maximum plausible instantaneous speed in m/s.
	MaxSpeed float64
	// MaxJump is the largest single move allowed without good accuracy
	// and a reasonable time delta.
	MaxJump float64
	// PoorAccuracy marks a fix untrustworthy for large moves.
	PoorAccuracy float64
	// MinBigMoveInterval is the minimum elapsed time before a large
	// move is considered at all.
	MinBigMoveInterval time.Duration
	// SmoothingWindow is the ring buffer size for the moving average.
	SmoothingWindow int
}

func (c Config) withDefaults() Config {
	if c.HardAccuracyLimit == 0 {
		c.HardAccuracyLimit = 5000
	}
	if c.MinMovement == 0 {
		c.MinMovement = 3
	}
	if c.AccuracyImprovement == 0 {
		c.AccuracyImprovement = 5
	}
	if c.MaxSpeed == 0 {
		c.MaxSpeed = 60
	}
	if c.MaxJump == 0 {
		c.MaxJump = 1200
	}
	if c.PoorAccuracy == 0 {
		c.PoorAccuracy = 150
	}
	if c.MinBigMoveInterval == 0 {
		c.MinBigMoveInterval = 4 * time.Second
	}
	if c.SmoothingWindow == 0 {
		c.SmoothingWindow = 5
	}
	return c
}

type point struct {
	lat, lon float64
}

type accepted struct {
	lat, lon, accuracy float64
	at                 time.Time
}

// Filter is not safe for concurrent use; the tracker owns one per watch
// session and feeds it from a single goroutine.
type Filter struct {
	cfg  Config
	last *accepted
	ring []point
	now  func() time.Time
}

// New returns a Filter with the given thresholds.
func New(cfg Config) *Filter {
	return &Filter{cfg: cfg.withDefaults(), now: time.Now}
}

// SetClock overrides the time source, for tests.
func (f *Filter) SetClock(now func() time.Time) { f.now = now }

// Decide evaluates one raw fix. On acceptance it updates internal state
// and returns the smoothed position; on rejection state is untouched.
// An accuracy <= 0 means the sensor did not report one.
func (f *Filter) Decide(lat, lon, accuracy float64) (models.AcceptedPosition, bool) {
	if accuracy > 0 && accuracy > f.cfg.HardAccuracyLimit {
		return models.AcceptedPosition{}, false
	}

	if f.last == nil {
		return f.accept(lat, lon, accuracy), true
	}

	now := f.now()
	elapsed := now.Sub(f.last.at)
	dist := HaversineMeters(f.last.lat, f.last.lon, lat, lon)

	// Trivial movement is noise, unless accuracy improved enough that a
	// stationary device still deserves the more precise fix.
	if dist < f.cfg.MinMovement {
		if accuracy > 0 && f.last.accuracy > 0 && accuracy+f.cfg.AccuracyImprovement < f.last.accuracy {
			return f.accept(lat, lon, accuracy), true
		}
		return models.AcceptedPosition{}, false
	}

	if elapsed > 0 {
		speed := dist / elapsed.Seconds()
		if speed > f.cfg.MaxSpeed {
			return models.AcceptedPosition{}, false
		}
	}

	if dist > f.cfg.MaxJump {
		if (accuracy > 0 && accuracy > f.cfg.PoorAccuracy) || elapsed < f.cfg.MinBigMoveInterval {
			return models.AcceptedPosition{}, false
		}
	}

	return f.accept(lat, lon, accuracy), true
}

// accept pushes the raw point into the smoothing ring and records it as
// the last accepted fix. Jump and speed decisions always run against the
// raw trail, never the smoothed one, so smoothing cannot reinforce drift.
func (f *Filter) accept(lat, lon, accuracy float64) models.AcceptedPosition {
	f.ring = append(f.ring, point{lat: lat, lon: lon})
	if len(f.ring) > f.cfg.SmoothingWindow {
		f.ring = f.ring[1:]
	}

	var sumLat, sumLon float64
	for _, p := range f.ring {
		sumLat += p.lat
		sumLon += p.lon
	}
	n := float64(len(f.ring))

	at := f.now()
	f.last = &accepted{lat: lat, lon: lon, accuracy: accuracy, at: at}

	return models.AcceptedPosition{
		Latitude:   sumLat / n,
		Longitude:  sumLon / n,
		Accuracy:   accuracy,
		AcceptedAt: at,
	}
}

const earthRadiusMeters = 6371000

// HaversineMeters returns the great-circle distance between two points on
// a spherical-earth approximation.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Pow(math.Sin(dLon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
