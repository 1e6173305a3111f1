// Package cadence estimates the frame rate of a live source from the wall-clock
// spacing of refresh ticks and snaps it to the nearest standard broadcast or
// cinema rate.
//
// Usage:
//
//	d := cadence.NewDetector(clock.Now())
//	for each tick {
//	    d.Observe(clock.Now())
//	    interval := d.FrameInterval() // 1000/60 ms until converged
//	}
//
// A Detector runs once per session and never resets mid-session.
package cadence

import (
	"log/slog"
	"math"
	"time"
)

// SampleWindow is the number of positive deltas averaged before snapping.
const SampleWindow = 60

// DefaultRate is reported until the sampling window completes.
const DefaultRate = 60.0

// StandardRates lists the rates a measurement snaps to, in tie-break order.
var StandardRates = []float64{23.976, 24, 25, 29.97, 30, 50, 59.94, 60}

// Detector samples per-tick delivery intervals and converges to a standard rate.
//
// Not safe for concurrent use: it is driven by the playback tick goroutine.
type Detector struct {
	last    time.Time
	samples []time.Duration

	rate     float64
	interval time.Duration
	done     bool
	stats    Stats
}

// NewDetector creates a detector whose first delta is measured from start.
func NewDetector(start time.Time) *Detector {
	return &Detector{
		last:     start,
		samples:  make([]time.Duration, 0, SampleWindow),
		interval: IntervalFor(DefaultRate),
	}
}

// Observe records the delta between now and the previous observation.
//
// Non-positive deltas are discarded and do not count toward the window.
// Returns true on the call that completes sampling.
func (d *Detector) Observe(now time.Time) bool {
	if d.done {
		return false
	}

	delta := now.Sub(d.last)
	d.last = now
	if delta <= 0 {
		return false
	}

	d.samples = append(d.samples, delta)
	if len(d.samples) < SampleWindow {
		return false
	}

	d.stats = Summarize(d.samples)
	d.rate = Snap(d.stats.MeasuredFPS)
	d.interval = IntervalFor(d.rate)
	d.done = true

	slog.Info("cadence: frame rate detected",
		"measured_fps", math.Round(d.stats.MeasuredFPS*1000)/1000,
		"rate", d.rate,
		"interval", d.interval,
		"stable", d.stats.IsStable,
	)

	return true
}

// FrameInterval returns the capture pacing interval.
func (d *Detector) FrameInterval() time.Duration {
	return d.interval
}

// Rate returns the snapped rate, or 0 before convergence.
func (d *Detector) Rate() float64 {
	return d.rate
}

// Done reports whether the sampling window has completed.
func (d *Detector) Done() bool {
	return d.done
}

// Samples returns the number of accepted deltas so far.
func (d *Detector) Samples() int {
	return len(d.samples)
}

// Stats returns the sampling statistics (zero before convergence).
func (d *Detector) Stats() Stats {
	return d.stats
}

// Snap maps a measured rate to the closest entry of StandardRates.
// Ties resolve to the earlier entry.
func Snap(fps float64) float64 {
	closest := StandardRates[0]
	for _, r := range StandardRates[1:] {
		if math.Abs(r-fps) < math.Abs(closest-fps) {
			closest = r
		}
	}
	return closest
}

// IntervalFor converts a rate in frames per second to a frame interval.
func IntervalFor(rate float64) time.Duration {
	if rate <= 0 {
		rate = DefaultRate
	}
	return time.Duration(float64(time.Second) / rate)
}
