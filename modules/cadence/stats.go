package cadence

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum allowed FPS standard deviation as a fraction of mean FPS.
	// Example: 60 FPS mean → stable if stddev < 9 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a fraction of the mean delta.
	// Example: 16.7ms mean delta → stable if mean jitter < 3.3ms
	jitterStabilityThreshold = 0.20
)

// Stats describes a completed sampling window.
type Stats struct {
	// Samples is the number of positive deltas in the window
	Samples int
	// MeanDelta is the arithmetic mean of the deltas
	MeanDelta time.Duration
	// MeasuredFPS is 1s / MeanDelta (the value that gets snapped)
	MeasuredFPS float64
	// FPSStdDev is the standard deviation of instantaneous FPS around MeasuredFPS
	FPSStdDev float64
	// FPSMin is the minimum instantaneous FPS
	FPSMin float64
	// FPSMax is the maximum instantaneous FPS
	FPSMax float64
	// JitterMean is the mean absolute deviation of deltas from MeanDelta
	JitterMean time.Duration
	// JitterMax is the largest absolute deviation of a delta from MeanDelta
	JitterMax time.Duration
	// IsStable is true if stddev < 15% of mean FPS AND mean jitter < 20% of MeanDelta
	IsStable bool
}

// Summarize computes window statistics from tick deltas.
//
// Non-positive deltas are ignored. The mean FPS is derived from the mean
// delta rather than averaged per tick, so a single long stall moves the
// estimate the same way it moves wall time.
func Summarize(deltas []time.Duration) Stats {
	var sum time.Duration
	valid := make([]time.Duration, 0, len(deltas))
	for _, d := range deltas {
		if d > 0 {
			valid = append(valid, d)
			sum += d
		}
	}

	n := len(valid)
	if n == 0 {
		return Stats{}
	}

	meanSeconds := sum.Seconds() / float64(n)
	fpsMean := 1.0 / meanSeconds

	fpsMin := math.Inf(1)
	fpsMax := 0.0
	var sumSquares, jitterSum, jitterMax float64
	for _, d := range valid {
		fps := 1.0 / d.Seconds()
		if fps < fpsMin {
			fpsMin = fps
		}
		if fps > fpsMax {
			fpsMax = fps
		}
		diff := fps - fpsMean
		sumSquares += diff * diff

		jitter := math.Abs(d.Seconds() - meanSeconds)
		jitterSum += jitter
		if jitter > jitterMax {
			jitterMax = jitter
		}
	}

	fpsStdDev := math.Sqrt(sumSquares / float64(n))
	jitterMean := jitterSum / float64(n)

	fpsStable := fpsStdDev < fpsMean*fpsStabilityThreshold
	jitterStable := jitterMean < meanSeconds*jitterStabilityThreshold

	return Stats{
		Samples:     n,
		MeanDelta:   time.Duration(meanSeconds * float64(time.Second)),
		MeasuredFPS: fpsMean,
		FPSStdDev:   fpsStdDev,
		FPSMin:      fpsMin,
		FPSMax:      fpsMax,
		JitterMean:  time.Duration(jitterMean * float64(time.Second)),
		JitterMax:   time.Duration(jitterMax * float64(time.Second)),
		IsStable:    fpsStable && jitterStable,
	}
}
