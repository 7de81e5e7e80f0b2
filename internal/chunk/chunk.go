// Package chunk splits long audio into encoder-sized windows.
//
// Audio at or under the single-chunk cap passes through untouched. Longer
// audio is split either at fixed 10s/2s-overlap boundaries (the default),
// or, behind a config flag, at detected silence points so words are never
// cut in half.
package chunk

import (
	"log/slog"
)

// SampleRate is the pipeline rate all chunking math assumes.
const SampleRate = 16000

const (
	// MaxChunkSamples is the encoder's single-pass cap: 15s at 16kHz.
	MaxChunkSamples = 240000

	// DefaultChunkSeconds and DefaultOverlapSeconds drive the fixed splitter.
	DefaultChunkSeconds   = 10.0
	DefaultOverlapSeconds = 2.0

	// minChunkSamples discards tail fragments too short for the encoder
	// to produce a useful frame sequence (100ms).
	minChunkSamples = 1600
)

// Chunk is one encoder-sized window of the source audio.
type Chunk struct {
	Samples []float32
	StartMS int64
	EndMS   int64
	Index   int
	// Overlapped is true when this chunk shares samples with its
	// predecessor; the merger de-duplicates only in that case.
	Overlapped bool
}

// Config selects the chunking strategy.
type Config struct {
	ChunkSeconds   float64
	OverlapSeconds float64
	// VADCuts enables the silence-seeking splitter.
	VADCuts bool
	VAD     VADConfig
}

// DefaultConfig returns the fixed 10s/2s-overlap strategy.
func DefaultConfig() Config {
	return Config{
		ChunkSeconds:   DefaultChunkSeconds,
		OverlapSeconds: DefaultOverlapSeconds,
		VAD:            DefaultVADConfig(),
	}
}

// Split divides samples into chunks per cfg. Audio at or under
// MaxChunkSamples always returns a single chunk regardless of strategy.
func Split(samples []float32, cfg Config) []Chunk {
	if len(samples) <= MaxChunkSamples {
		return []Chunk{{
			Samples: samples,
			StartMS: 0,
			EndMS:   samplesToMS(len(samples)),
		}}
	}
	if cfg.VADCuts {
		return splitAtSilence(samples, cfg)
	}
	return splitFixed(samples, cfg)
}

// splitFixed cuts every step = chunk - overlap samples. Every chunk after
// the first carries the overlap region from its predecessor.
func splitFixed(samples []float32, cfg Config) []Chunk {
	chunkSamples := int(cfg.ChunkSeconds * SampleRate)
	overlapSamples := int(cfg.OverlapSeconds * SampleRate)
	step := chunkSamples - overlapSamples
	if step <= 0 {
		step = chunkSamples
		overlapSamples = 0
	}

	var chunks []Chunk
	for start := 0; start < len(samples); start += step {
		end := start + chunkSamples
		if end > len(samples) {
			end = len(samples)
		}

		if end-start < minChunkSamples {
			slog.Debug("discarding tail fragment", "samples", end-start)
			break
		}

		chunks = append(chunks, Chunk{
			Samples:    samples[start:end],
			StartMS:    samplesToMS(start),
			EndMS:      samplesToMS(end),
			Index:      len(chunks),
			Overlapped: start > 0 && overlapSamples > 0,
		})

		if end >= len(samples) {
			break
		}
	}

	slog.Debug("fixed split",
		"totalSamples", len(samples),
		"chunks", len(chunks),
		"chunkSeconds", cfg.ChunkSeconds,
		"overlapSeconds", cfg.OverlapSeconds)

	return chunks
}

func samplesToMS(n int) int64 {
	return int64(n) * 1000 / SampleRate
}
