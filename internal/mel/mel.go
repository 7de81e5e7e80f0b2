// Package mel computes 128-bin log-mel spectrograms from 16kHz mono PCM.
//
// This is the internal DSP front-end used by backends that do not ship a
// preprocessor model graph of their own. The layout matches what the
// Parakeet TDT encoder expects: 512-point centered STFT, hop 160 (10ms),
// 128 triangular HTK-style mel filters over 0-8000Hz, natural-log scaled.
package mel

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// SampleRate is the only input rate the front-end accepts.
	SampleRate = 16000
	// NumBins is the number of mel filters per frame.
	NumBins = 128
	// FFTSize is the STFT window length.
	FFTSize = 512
	// HopLength is the STFT hop in samples (10ms at 16kHz).
	HopLength = 160
	// MaxSamples caps single-chunk input at 15s of 16kHz audio.
	MaxSamples = 240000
	// MaxFrames is the frame cap implied by MaxSamples (240000/160 + 1).
	MaxFrames = 1501

	fMin = 0.0
	fMax = 8000.0

	// logFloor keeps log() away from -Inf on silent bins.
	logFloor = 1e-10
)

// Extractor holds the precomputed FFT plan, Hann window and mel filterbank.
// It is safe for sequential reuse across chunks; it is not safe for
// concurrent use (the orchestrator serializes requests anyway).
type Extractor struct {
	fft        *fourier.FFT
	window     []float64
	filterbank [][]float64 // [NumBins][FFTSize/2+1]
}

// NewExtractor precomputes the window and filterbank.
func NewExtractor() *Extractor {
	window := make([]float64, FFTSize)
	for i := range window {
		window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(FFTSize)))
	}

	return &Extractor{
		fft:        fourier.NewFFT(FFTSize),
		window:     window,
		filterbank: melFilterbank(),
	}
}

// Features is one chunk's mel feature block: Data[b][t] is mel bin b at
// frame t. NumFrames counts the valid frames derived from the input length;
// Data always has exactly NumFrames columns.
type Features struct {
	Data      [][]float32 // [NumBins][NumFrames]
	NumFrames int
}

// Extract computes the log-mel block for up to MaxSamples of 16kHz mono PCM.
func (e *Extractor) Extract(samples []float32) (*Features, error) {
	if len(samples) > MaxSamples {
		return nil, fmt.Errorf("mel: input %d samples exceeds %d", len(samples), MaxSamples)
	}
	if len(samples) == 0 {
		return &Features{Data: make([][]float32, NumBins)}, nil
	}

	// Centered STFT: pad FFTSize/2 of zeros on both ends.
	pad := FFTSize / 2
	padded := make([]float64, pad+len(samples)+pad)
	for i, s := range samples {
		padded[pad+i] = float64(s)
	}

	numFrames := (len(padded)-FFTSize)/HopLength + 1
	if numFrames > MaxFrames {
		numFrames = MaxFrames
	}

	numFreqs := FFTSize/2 + 1
	data := make([][]float32, NumBins)
	for b := range data {
		data[b] = make([]float32, numFrames)
	}

	frame := make([]float64, FFTSize)
	power := make([]float64, numFreqs)
	coeffs := make([]complex128, numFreqs)

	for t := 0; t < numFrames; t++ {
		start := t * HopLength
		for i := 0; i < FFTSize; i++ {
			frame[i] = padded[start+i] * e.window[i]
		}

		coeffs = e.fft.Coefficients(coeffs, frame)
		for i, c := range coeffs {
			m := cmplx.Abs(c)
			power[i] = m * m
		}

		for b := 0; b < NumBins; b++ {
			var acc float64
			for k, w := range e.filterbank[b] {
				if w != 0 {
					acc += w * power[k]
				}
			}
			data[b][t] = float32(math.Log(acc + logFloor))
		}
	}

	return &Features{Data: data, NumFrames: numFrames}, nil
}

// Flatten returns the features in [bins*frames] row-major order ([b][t]),
// the layout backend mel-input tensors use.
func (f *Features) Flatten() []float32 {
	out := make([]float32, NumBins*f.NumFrames)
	for b, row := range f.Data {
		copy(out[b*f.NumFrames:], row)
	}
	return out
}

// NumFramesFor returns the valid-frame count for an input of sampleCount
// samples, capped at MaxFrames.
func NumFramesFor(sampleCount int) int {
	if sampleCount <= 0 {
		return 0
	}
	n := sampleCount/HopLength + 1
	if n > MaxFrames {
		n = MaxFrames
	}
	return n
}

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// melFilterbank builds NumBins triangular filters over [fMin, fMax].
func melFilterbank() [][]float64 {
	numFreqs := FFTSize/2 + 1

	melMin := hzToMel(fMin)
	melMax := hzToMel(fMax)

	binPoints := make([]int, NumBins+2)
	for i := range binPoints {
		m := melMin + (melMax-melMin)*float64(i)/float64(NumBins+1)
		hz := melToHz(m)
		binPoints[i] = int(math.Floor(float64(FFTSize+1) * hz / float64(SampleRate)))
	}

	fb := make([][]float64, NumBins)
	for b := 0; b < NumBins; b++ {
		fb[b] = make([]float64, numFreqs)
		lo, mid, hi := binPoints[b], binPoints[b+1], binPoints[b+2]

		for k := lo; k < mid && k < numFreqs; k++ {
			fb[b][k] = float64(k-lo) / float64(maxInt(mid-lo, 1))
		}
		for k := mid; k < hi && k < numFreqs; k++ {
			fb[b][k] = float64(hi-k) / float64(maxInt(hi-mid, 1))
		}
	}
	return fb
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
