package backend

import (
	"github.com/herve-wq/mvpwakascribe/internal/errs"
	"github.com/herve-wq/mvpwakascribe/internal/mel"
)

const (
	melBins       = 128
	decoderHidden = 640
	lstmLayers    = 2
)

// padPCM pads or truncates pcm to exactly MaxAudioSamples and returns the
// true (pre-padding) length for the audio_length side-input.
func padPCM(pcm []float32) ([]float32, int) {
	if len(pcm) >= MaxAudioSamples {
		return pcm[:MaxAudioSamples], MaxAudioSamples
	}
	padded := make([]float32, MaxAudioSamples)
	copy(padded, pcm)
	return padded, len(pcm)
}

// dspFrontend is the shared internal mel path for backends whose model
// bundle ships no preprocessor graph.
type dspFrontend struct {
	extractor *mel.Extractor
}

func newDSPFrontend() *dspFrontend {
	return &dspFrontend{extractor: mel.NewExtractor()}
}

// preprocess computes mel features over the full padded buffer and reports
// the frame count that corresponds to the true audio length, so the
// encoder masks out the zero-padded tail.
func (d *dspFrontend) preprocess(padded []float32, audioLen int) ([]float32, int, error) {
	feats, err := d.extractor.Extract(padded)
	if err != nil {
		return nil, 0, errs.Wrap(errs.InferenceFailed, "mel extraction", err)
	}

	melLength := audioLen / mel.HopLength
	if melLength > feats.NumFrames {
		melLength = feats.NumFrames
	}
	return feats.Flatten(), melLength, nil
}

// transposeEncoderOutput turns the runtime's [1, hidden, T] row-major
// buffer into per-frame feature slices, keeping only the first encLength
// frames.
func transposeEncoderOutput(data []float32, totalFrames, encLength int) [][]float32 {
	if encLength > totalFrames {
		encLength = totalFrames
	}
	frames := make([][]float32, encLength)
	for t := 0; t < encLength; t++ {
		frame := make([]float32, EncoderHidden)
		for h := 0; h < EncoderHidden; h++ {
			frame[h] = data[h*totalFrames+t]
		}
		frames[t] = frame
	}
	return frames
}
