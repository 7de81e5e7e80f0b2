package audioproc

import (
	"log/slog"
	"math"
)

const (
	// TargetPeak is the normalization target, about -3dBFS.
	TargetPeak = 0.708

	// minRMS is the silence floor: signals quieter than this are passed
	// through unscaled rather than amplified into audible noise.
	minRMS = 0.001

	// softLimitKnee is where the soft limiter starts bending.
	softLimitKnee = 0.98

	// maxGain bounds amplification of very quiet but non-silent input.
	maxGain = 20.0
)

// RMS returns the root-mean-square level of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Normalize scales samples so the peak reaches TargetPeak, bypassing
// signals whose RMS is under the silence floor. Any sample that would
// exceed softLimitKnee after scaling is bent through a tanh knee instead
// of hard-clipping. Returns the scaled samples and the gain applied.
func Normalize(samples []float32) ([]float32, float64) {
	rms := RMS(samples)
	if rms < minRMS {
		slog.Debug("normalize bypassed", "rms", rms, "floor", minRMS)
		return samples, 1.0
	}

	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return samples, 1.0
	}

	gain := TargetPeak / peak
	if gain > maxGain {
		gain = maxGain
	}

	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = softLimit(float64(s) * gain)
	}

	slog.Debug("normalized", "rms", rms, "peak", peak, "gain", gain)
	return out, gain
}

// softLimit passes values under the knee through unchanged and maps the
// excess through tanh so the output stays inside (-1, 1).
func softLimit(v float64) float32 {
	a := math.Abs(v)
	if a <= softLimitKnee {
		return float32(v)
	}
	headroom := 1.0 - softLimitKnee
	limited := float32(softLimitKnee + headroom*math.Tanh((a-softLimitKnee)/headroom))
	if limited >= 1 {
		// tanh rounds to 1 for large excess; keep the bound strict.
		limited = math.Nextafter32(1, 0)
	}
	return float32(math.Copysign(float64(limited), v))
}
