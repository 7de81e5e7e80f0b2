package chunk

import (
	"log/slog"
	"math"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// VADConfig drives the silence-seeking splitter.
type VADConfig struct {
	// MinChunkSeconds..MaxChunkSeconds is the window searched for a cut.
	MinChunkSeconds float64
	MaxChunkSeconds float64
	// OverlapSeconds is added after a cut that did not land in silence.
	OverlapSeconds float64
	// SilenceRMS is the energy floor under which a cut counts as true
	// silence and the overlap is suppressed.
	SilenceRMS float64
	// Aggressiveness is the WebRTC VAD mode, 0 (least) to 3 (most).
	Aggressiveness int
}

// DefaultVADConfig searches 8-14s windows, 2s overlap on non-silent cuts.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		MinChunkSeconds: 8.0,
		MaxChunkSeconds: 14.0,
		OverlapSeconds:  DefaultOverlapSeconds,
		SilenceRMS:      0.01,
		Aggressiveness:  2,
	}
}

const (
	// vadFrameSamples is 10ms at 16kHz, the smallest frame WebRTC VAD accepts.
	vadFrameSamples = 160
	// cutWindowSamples is the 100ms sub-window scored by RMS.
	cutWindowSamples = 1600
	// cutStepSamples is the 50ms stride between scored sub-windows.
	cutStepSamples = 800
)

// splitAtSilence cuts each chunk at the quietest point inside the
// [MinChunkSeconds, MaxChunkSeconds] search window. Candidate positions are
// the sub-windows the WebRTC VAD classifies as non-speech, plus any
// sub-window whose RMS is under the silence floor; among those the
// lowest-RMS 100ms sub-window wins. When no non-speech candidate exists the
// lowest-RMS sub-window overall is used. Overlap is appended only when the
// chosen cut was not true silence.
func splitAtSilence(samples []float32, cfg Config) []Chunk {
	v := cfg.VAD
	minSamples := int(v.MinChunkSeconds * SampleRate)
	maxSamples := int(v.MaxChunkSeconds * SampleRate)
	if maxSamples > MaxChunkSamples {
		maxSamples = MaxChunkSamples
	}
	overlapSamples := int(v.OverlapSeconds * SampleRate)

	det := newSilenceDetector(v.Aggressiveness)

	var chunks []Chunk
	start := 0
	prevOverlapped := false

	for start < len(samples) {
		remaining := len(samples) - start

		if remaining <= maxSamples {
			if remaining >= minChunkSamples {
				chunks = append(chunks, Chunk{
					Samples:    samples[start:],
					StartMS:    samplesToMS(start),
					EndMS:      samplesToMS(len(samples)),
					Index:      len(chunks),
					Overlapped: prevOverlapped,
				})
			}
			break
		}

		cut, rms, isSilence := det.bestCutPoint(samples, start+minSamples, start+maxSamples, v.SilenceRMS)

		overlap := 0
		if !isSilence {
			overlap = overlapSamples
		}

		end := cut + overlap
		if end > start+MaxChunkSamples {
			// The overlap must not push the chunk past the encoder cap.
			end = start + MaxChunkSamples
		}
		if end > len(samples) {
			end = len(samples)
		}

		slog.Debug("vad cut",
			"chunk", len(chunks),
			"cutMS", samplesToMS(cut),
			"rms", rms,
			"silence", isSilence,
			"overlapMS", samplesToMS(overlap))

		chunks = append(chunks, Chunk{
			Samples:    samples[start:end],
			StartMS:    samplesToMS(start),
			EndMS:      samplesToMS(end),
			Index:      len(chunks),
			Overlapped: prevOverlapped,
		})

		prevOverlapped = overlap > 0
		start = cut
	}

	return chunks
}

// silenceDetector wraps the WebRTC VAD with an RMS fallback so chunking
// still works if the native VAD cannot be constructed.
type silenceDetector struct {
	vad *webrtcvad.VAD
}

func newSilenceDetector(mode int) *silenceDetector {
	v, err := webrtcvad.New()
	if err != nil {
		slog.Warn("webrtc vad unavailable, falling back to RMS only", "err", err)
		return &silenceDetector{}
	}
	if mode < 0 {
		mode = 0
	}
	if mode > 3 {
		mode = 3
	}
	if err := v.SetMode(mode); err != nil {
		slog.Warn("webrtc vad mode rejected, falling back to RMS only", "mode", mode, "err", err)
		return &silenceDetector{}
	}
	return &silenceDetector{vad: v}
}

// bestCutPoint scans [searchStart, searchEnd) in 100ms sub-windows and
// returns the center of the quietest one, preferring sub-windows the VAD
// marks as non-speech or whose RMS is under silenceRMS. The bool reports whether the winner's RMS is under
// silenceRMS (true silence, no overlap needed).
func (d *silenceDetector) bestCutPoint(samples []float32, searchStart, searchEnd int, silenceRMS float64) (int, float64, bool) {
	if searchStart > len(samples) {
		searchStart = len(samples)
	}
	if searchEnd > len(samples) {
		searchEnd = len(samples)
	}
	if searchStart >= searchEnd {
		return searchStart, 0, true
	}

	bestPos := searchStart
	bestRMS := math.MaxFloat64
	foundNonSpeech := false

	for pos := searchStart; pos+cutWindowSamples <= searchEnd; pos += cutStepSamples {
		window := samples[pos : pos+cutWindowSamples]
		rms := windowRMS(window)
		nonSpeech := rms < silenceRMS || !d.hasSpeech(window)

		switch {
		case nonSpeech && !foundNonSpeech:
			// First non-speech candidate beats any speech candidate.
			bestPos, bestRMS, foundNonSpeech = pos+cutWindowSamples/2, rms, true
		case nonSpeech == foundNonSpeech && rms < bestRMS:
			bestPos, bestRMS = pos+cutWindowSamples/2, rms
		}
	}

	return bestPos, bestRMS, bestRMS < silenceRMS
}

// hasSpeech runs the WebRTC VAD over 10ms frames; any speech frame counts.
// Without a native VAD everything is treated as speech, leaving the pure
// RMS ranking in charge.
func (d *silenceDetector) hasSpeech(window []float32) bool {
	if d.vad == nil {
		return true
	}

	frame := make([]byte, vadFrameSamples*2)
	for pos := 0; pos+vadFrameSamples <= len(window); pos += vadFrameSamples {
		for i := 0; i < vadFrameSamples; i++ {
			s := window[pos+i]
			if s > 1.0 {
				s = 1.0
			}
			if s < -1.0 {
				s = -1.0
			}
			v := int16(s * 32767)
			frame[i*2] = byte(v)
			frame[i*2+1] = byte(v >> 8)
		}
		active, err := d.vad.Process(SampleRate, frame)
		if err != nil {
			return true
		}
		if active {
			return true
		}
	}
	return false
}

func windowRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
