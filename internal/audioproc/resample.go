// Package audioproc converts arbitrary-rate, arbitrary-channel input audio
// into the 16kHz mono float stream the inference pipeline consumes, and
// normalizes its level.
package audioproc

import (
	"fmt"
	"math"
)

// TargetRate is the pipeline sample rate.
const TargetRate = 16000

const (
	minSourceRate = 8000
	maxSourceRate = 192000

	// sincTaps is the half-width of the windowed-sinc interpolation kernel.
	sincTaps = 16
)

// Downmix averages interleaved multi-channel frames into mono.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// Resample converts mono samples from sourceRate to TargetRate using
// windowed-sinc interpolation. When downsampling, the kernel cutoff is
// lowered to the output Nyquist so aliasing stays below the window's
// sidelobe floor.
func Resample(samples []float32, sourceRate int) ([]float32, error) {
	if sourceRate < minSourceRate || sourceRate > maxSourceRate {
		return nil, fmt.Errorf("audioproc: source rate %d outside %d..%d", sourceRate, minSourceRate, maxSourceRate)
	}
	if sourceRate == TargetRate {
		return samples, nil
	}
	if len(samples) == 0 {
		return nil, nil
	}

	ratio := float64(TargetRate) / float64(sourceRate)
	outLen := len(samples) * TargetRate / sourceRate
	out := make([]float32, outLen)

	// Cutoff relative to the source Nyquist. <1 when downsampling.
	cutoff := ratio
	if cutoff > 1 {
		cutoff = 1
	}
	// Widen the kernel when downsampling so the transition band scales
	// with the cutoff.
	taps := sincTaps
	if cutoff < 1 {
		taps = int(float64(sincTaps) / cutoff)
	}

	for i := range out {
		srcPos := float64(i) / ratio
		center := int(math.Floor(srcPos))

		var acc, norm float64
		for j := center - taps; j <= center+taps+1; j++ {
			if j < 0 || j >= len(samples) {
				continue
			}
			x := (srcPos - float64(j)) * cutoff
			w := sinc(x) * hannAt(srcPos-float64(j), float64(taps)+1)
			acc += w * float64(samples[j])
			norm += w
		}
		if norm != 0 {
			out[i] = float32(acc / norm)
		}
	}

	return out, nil
}

// ToPipelineRate downmixes and resamples in one call.
func ToPipelineRate(samples []float32, sourceRate, channels int) ([]float32, error) {
	return Resample(Downmix(samples, channels), sourceRate)
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// hannAt evaluates a Hann window of half-width halfWidth at offset x,
// zero outside the window.
func hannAt(x, halfWidth float64) float64 {
	if x <= -halfWidth || x >= halfWidth {
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*x/halfWidth))
}
