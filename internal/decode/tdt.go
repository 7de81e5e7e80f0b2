// Package decode implements the Token-and-Duration-Transducer greedy and
// beam decoders shared by every backend adapter. Each step runs one
// decoder and one joint evaluation, picks a token and a duration, and
// advances the encoder cursor by that duration.
package decode

import (
	"fmt"
	"math"
)

const (
	// BlankID is the TDT blank token: it advances time without emitting.
	BlankID = 8192
	// VocabSize is the number of token logits the joint network emits,
	// ids {0,...,8191} plus the blank at 8192.
	VocabSize = 8193
	// NumDurationBins is the number of duration-advance classes; bin i
	// advances i+1 encoder frames.
	NumDurationBins = 5

	decoderHidden = 640
	lstmLayers    = 2

	// antiRunawayFactor bounds total iterations at 10x encoder length.
	antiRunawayFactor = 10
)

// DecoderRunner executes one LSTM decoder step.
type DecoderRunner interface {
	RunDecoder(targetID int32, hIn, cIn []float32) (decoderOut, hOut, cOut []float32, err error)
}

// JointRunner executes the joint network for one (encoder, decoder) pair
// and returns the raw logits: VocabSize token logits followed by
// NumDurationBins duration logits.
type JointRunner interface {
	RunJoint(encoderFrame, decoderOut []float32) (logits []float32, err error)
}

// ZeroState returns a fresh (h, c) LSTM state pair.
func ZeroState() (h, c []float32) {
	size := lstmLayers * decoderHidden
	return make([]float32, size), make([]float32, size)
}

// Result is the outcome of a greedy decode over one chunk's encoder output.
type Result struct {
	Tokens     []int32
	Confidence float64
}

// primeLanguage runs the [4, 23, L] decoder priming sequence and returns the resulting LSTM state. Its outputs are discarded; only the
// state carries the language conditioning forward.
func primeLanguage(dec DecoderRunner, lang Language) (h, c []float32, err error) {
	h, c = ZeroState()
	if lang == LanguageAuto {
		return h, c, nil
	}

	langTok := int32(71)
	if lang == LanguageEnglish {
		langTok = 64
	}

	for _, tok := range []int32{4, 23, langTok} {
		_, h, c, err = dec.RunDecoder(tok, h, c)
		if err != nil {
			return nil, nil, fmt.Errorf("decode: priming with token %d: %w", tok, err)
		}
	}
	return h, c, nil
}

// Greedy runs the TDT greedy decode over encFrames, one
// []float32 per encoder time step. encLength is the number of valid frames
// (encFrames may be longer; only the first encLength are consulted).
func Greedy(encFrames [][]float32, encLength int, dec DecoderRunner, joint JointRunner, cfg Config) (Result, error) {
	if encLength == 0 {
		return Result{Confidence: 1.0}, nil
	}

	h, c, err := primeLanguage(dec, cfg.Language)
	if err != nil {
		return Result{}, err
	}
	lastTok := int32(BlankID)

	var tokens []int32
	var confSum float64
	var confCount int

	maxIterations := antiRunawayFactor * encLength
	t := 0
	iterations := 0

	for t < encLength && iterations < maxIterations {
		iterations++

		decOut, hNext, cNext, err := dec.RunDecoder(lastTok, h, c)
		if err != nil {
			return Result{}, fmt.Errorf("decode: decoder step at t=%d: %w", t, err)
		}

		rawLogits, err := joint.RunJoint(encFrames[t], decOut)
		if err != nil {
			return Result{}, fmt.Errorf("decode: joint step at t=%d: %w", t, err)
		}

		logits := adjustLogits(rawLogits, cfg.Temperature, cfg.BlankPenalty)
		tok, durIdx := argmaxStep(logits)
		dur := durIdx + 1

		if tok == BlankID {
			t += max(1, dur)
			continue
		}

		tokens = append(tokens, int32(tok))
		lastTok = int32(tok)
		h, c = hNext, cNext

		confSum += softmaxMax(logits[:VocabSize])
		confCount++

		t += max(1, dur)
	}

	confidence := 0.95
	if confCount > 0 {
		confidence = confSum / float64(confCount)
	}

	return Result{Tokens: tokens, Confidence: confidence}, nil
}

// adjustLogits divides by temperature and subtracts blankPenalty from the
// blank logit. A copy is returned; the raw slice from the backend is left
// untouched.
func adjustLogits(raw []float32, temperature, blankPenalty float64) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v) / temperature
	}
	if len(out) > BlankID {
		out[BlankID] -= blankPenalty
	}
	return out
}

// argmaxStep returns (token id, duration bin index) from adjusted logits.
func argmaxStep(logits []float64) (tok, durIdx int) {
	tokenLogits := logits[:VocabSize]
	tok = 0
	best := tokenLogits[0]
	for i, v := range tokenLogits {
		if v > best {
			best = v
			tok = i
		}
	}

	durLogits := logits[VocabSize : VocabSize+NumDurationBins]
	durIdx = 0
	bestDur := durLogits[0]
	for i, v := range durLogits {
		if v > bestDur {
			bestDur = v
			durIdx = i
		}
	}
	return tok, durIdx
}

// softmaxMax returns the maximum softmax probability over tokenLogits.
func softmaxMax(tokenLogits []float64) float64 {
	maxLogit := tokenLogits[0]
	for _, v := range tokenLogits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float64
	for _, v := range tokenLogits {
		sum += math.Exp(v - maxLogit)
	}
	if sum == 0 {
		return 0
	}
	return 1 / sum // exp(maxLogit-maxLogit)/sum == max probability
}
