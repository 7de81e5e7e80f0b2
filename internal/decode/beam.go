package decode

import (
	"fmt"
	"math"
	"sort"
)

// Hypothesis is one partial beam-search transcript.
type Hypothesis struct {
	Tokens     []int32
	CumLogProb float64
	t          int
	lastTok    int32
	h, c       []float32
}

// BeamResult holds every surviving hypothesis, best first.
type BeamResult struct {
	Hypotheses []Hypothesis
	Confidence float64
}

// Best returns the top-ranked hypothesis's tokens.
func (r BeamResult) Best() []int32 {
	if len(r.Hypotheses) == 0 {
		return nil
	}
	return r.Hypotheses[0].Tokens
}

// Beam runs beam search with cfg.BeamWidth parallel hypotheses. Transition
// rules match Greedy exactly, so a beam_width=1 run and Greedy agree on
// the emitted token sequence.
func Beam(encFrames [][]float32, encLength int, dec DecoderRunner, joint JointRunner, cfg Config) (BeamResult, error) {
	if encLength == 0 {
		return BeamResult{Confidence: 1.0}, nil
	}

	h0, c0, err := primeLanguage(dec, cfg.Language)
	if err != nil {
		return BeamResult{}, err
	}

	beams := []Hypothesis{{lastTok: BlankID, h: h0, c: c0}}

	maxIterations := antiRunawayFactor * encLength
	iterations := 0

	for iterations < maxIterations && !allDone(beams, encLength) {
		iterations++

		var expanded []Hypothesis
		for _, hyp := range beams {
			if hyp.t >= encLength {
				expanded = append(expanded, hyp)
				continue
			}

			decOut, hNext, cNext, err := dec.RunDecoder(hyp.lastTok, hyp.h, hyp.c)
			if err != nil {
				return BeamResult{}, fmt.Errorf("decode: beam decoder step: %w", err)
			}

			rawLogits, err := joint.RunJoint(encFrames[hyp.t], decOut)
			if err != nil {
				return BeamResult{}, fmt.Errorf("decode: beam joint step: %w", err)
			}
			logits := adjustLogits(rawLogits, cfg.Temperature, cfg.BlankPenalty)

			_, durIdx := argmaxStep(logits)
			dur := durIdx + 1

			for _, cand := range topKTokens(logits[:VocabSize], cfg.BeamWidth) {
				next := hyp
				next.CumLogProb = hyp.CumLogProb + cand.logProb
				next.t = hyp.t + maxInt(1, dur)

				if cand.tok == BlankID {
					// blank: state not committed.
					next.lastTok = hyp.lastTok
					next.h, next.c = hyp.h, hyp.c
				} else {
					tokens := make([]int32, len(hyp.Tokens)+1)
					copy(tokens, hyp.Tokens)
					tokens[len(hyp.Tokens)] = int32(cand.tok)
					next.Tokens = tokens
					next.lastTok = int32(cand.tok)
					next.h, next.c = hNext, cNext
				}
				expanded = append(expanded, next)
			}
		}

		beams = prune(mergeBeams(expanded), cfg.BeamWidth)
	}

	sort.SliceStable(beams, func(i, j int) bool { return beams[i].CumLogProb > beams[j].CumLogProb })

	confidence := 0.95
	if len(beams) > 0 && len(beams[0].Tokens) > 0 {
		confidence = math.Exp(beams[0].CumLogProb / float64(len(beams[0].Tokens)))
		if confidence > 1 {
			confidence = 1
		}
	}

	return BeamResult{Hypotheses: beams, Confidence: confidence}, nil
}

func allDone(beams []Hypothesis, encLength int) bool {
	for _, b := range beams {
		if b.t < encLength {
			return false
		}
	}
	return true
}

type tokenCandidate struct {
	tok     int
	logProb float64
}

// topKTokens returns the top-k token candidates by softmax log-probability.
func topKTokens(tokenLogits []float64, k int) []tokenCandidate {
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
	logSum := math.Log(sum) + maxLogit

	cands := make([]tokenCandidate, len(tokenLogits))
	for i, v := range tokenLogits {
		cands[i] = tokenCandidate{tok: i, logProb: v - logSum}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].logProb > cands[j].logProb })

	if k > len(cands) {
		k = len(cands)
	}
	return cands[:k]
}

// mergeBeams sums probability mass for hypotheses sharing (lastTok, t).
func mergeBeams(beams []Hypothesis) []Hypothesis {
	type key struct {
		lastTok int32
		t       int
	}
	merged := make(map[key]int) // key -> index into result
	var result []Hypothesis

	for _, b := range beams {
		k := key{b.lastTok, b.t}
		if idx, ok := merged[k]; ok {
			existing := result[idx]
			result[idx].CumLogProb = logAddExp(existing.CumLogProb, b.CumLogProb)
			if b.CumLogProb > existing.CumLogProb {
				result[idx].Tokens = b.Tokens
				result[idx].h, result[idx].c = b.h, b.c
			}
			continue
		}
		merged[k] = len(result)
		result = append(result, b)
	}
	return result
}

func logAddExp(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// prune keeps the top beamWidth hypotheses by cumulative log-probability.
func prune(beams []Hypothesis, beamWidth int) []Hypothesis {
	sort.SliceStable(beams, func(i, j int) bool { return beams[i].CumLogProb > beams[j].CumLogProb })
	if len(beams) > beamWidth {
		beams = beams[:beamWidth]
	}
	return beams
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
