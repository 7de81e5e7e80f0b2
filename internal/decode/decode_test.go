package decode

import (
	"fmt"
	"math"
	"testing"
)

// scriptedDecoder returns fixed decoder outputs and records the target ids
// it was called with.
type scriptedDecoder struct {
	targets []int32
}

func (d *scriptedDecoder) RunDecoder(targetID int32, hIn, cIn []float32) ([]float32, []float32, []float32, error) {
	d.targets = append(d.targets, targetID)
	h := make([]float32, len(hIn))
	c := make([]float32, len(cIn))
	copy(h, hIn)
	copy(c, cIn)
	if len(h) > 0 {
		h[0] = float32(targetID)
	}
	return make([]float32, decoderHidden), h, c, nil
}

// scriptedJoint emits one (token, duration) pair per call as widened
// logits, then blanks.
type scriptedJoint struct {
	steps []jointStep
	calls int
}

type jointStep struct {
	tok int
	dur int // duration bin index, 0-based
}

func (j *scriptedJoint) RunJoint(encoderFrame, decoderOut []float32) ([]float32, error) {
	logits := make([]float32, VocabSize+NumDurationBins)
	step := jointStep{tok: BlankID, dur: 0}
	if j.calls < len(j.steps) {
		step = j.steps[j.calls]
	}
	j.calls++
	logits[step.tok] = 12.0
	logits[VocabSize+step.dur] = 5.0
	return logits, nil
}

type failingDecoder struct{}

func (failingDecoder) RunDecoder(int32, []float32, []float32) ([]float32, []float32, []float32, error) {
	return nil, nil, nil, fmt.Errorf("decoder exploded")
}

func frames(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, 8)
	}
	return out
}

func TestGreedyEmitsTokens(t *testing.T) {
	joint := &scriptedJoint{steps: []jointStep{
		{tok: 5, dur: 0},
		{tok: 9, dur: 0},
		{tok: BlankID, dur: 0},
	}}

	res, err := Greedy(frames(3), 3, &scriptedDecoder{}, joint, DefaultConfig())
	if err != nil {
		t.Fatalf("Greedy: %v", err)
	}
	if len(res.Tokens) != 2 || res.Tokens[0] != 5 || res.Tokens[1] != 9 {
		t.Errorf("Tokens = %v, want [5 9]", res.Tokens)
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Errorf("Confidence = %v", res.Confidence)
	}
}

func TestGreedyBlankSkipsByDuration(t *testing.T) {
	// Blank with duration bin 2 advances 3 frames.
	joint := &scriptedJoint{steps: []jointStep{
		{tok: BlankID, dur: 2},
		{tok: 7, dur: 0},
		{tok: BlankID, dur: 0},
	}}

	res, err := Greedy(frames(5), 5, &scriptedDecoder{}, joint, DefaultConfig())
	if err != nil {
		t.Fatalf("Greedy: %v", err)
	}
	if len(res.Tokens) != 1 || res.Tokens[0] != 7 {
		t.Errorf("Tokens = %v, want [7]", res.Tokens)
	}
}

func TestGreedyEmptyEncoder(t *testing.T) {
	res, err := Greedy(nil, 0, &scriptedDecoder{}, &scriptedJoint{}, DefaultConfig())
	if err != nil {
		t.Fatalf("Greedy: %v", err)
	}
	if len(res.Tokens) != 0 {
		t.Errorf("Tokens = %v, want none", res.Tokens)
	}
	if res.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0 for empty encoder output", res.Confidence)
	}
}

func TestGreedyNoTokensConfidence(t *testing.T) {
	res, err := Greedy(frames(4), 4, &scriptedDecoder{}, &scriptedJoint{}, DefaultConfig())
	if err != nil {
		t.Fatalf("Greedy: %v", err)
	}
	if len(res.Tokens) != 0 {
		t.Errorf("Tokens = %v", res.Tokens)
	}
	if res.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want 0.95 when nothing was emitted", res.Confidence)
	}
}

func TestGreedyIterationBound(t *testing.T) {
	// Every step advances the cursor by at least one frame, and the
	// iteration cap bounds the loop at 10x the encoder length even if a
	// future duration convention stops guaranteeing that.
	joint := &scriptedJoint{}
	joint.steps = make([]jointStep, 10000)
	for i := range joint.steps {
		joint.steps[i] = jointStep{tok: 5, dur: 0}
	}

	res, err := Greedy(frames(4), 4, &scriptedDecoder{}, joint, DefaultConfig())
	if err != nil {
		t.Fatalf("Greedy: %v", err)
	}
	if joint.calls > 10*4 {
		t.Errorf("joint ran %d times, cap is %d", joint.calls, 10*4)
	}
	if len(res.Tokens) == 0 {
		t.Error("tokens emitted before the bound must be returned")
	}
}

func TestGreedyLanguagePriming(t *testing.T) {
	tests := []struct {
		lang Language
		want []int32
	}{
		{LanguageFrench, []int32{4, 23, 71}},
		{LanguageEnglish, []int32{4, 23, 64}},
		{LanguageAuto, nil},
	}

	for _, tt := range tests {
		dec := &scriptedDecoder{}
		cfg := DefaultConfig()
		cfg.Language = tt.lang

		_, err := Greedy(frames(1), 1, dec, &scriptedJoint{}, cfg)
		if err != nil {
			t.Fatalf("Greedy(%v): %v", tt.lang, err)
		}

		// The priming tokens come first; the loop then starts from blank.
		if len(dec.targets) < len(tt.want)+1 {
			t.Fatalf("%v: %d decoder calls, want at least %d", tt.lang, len(dec.targets), len(tt.want)+1)
		}
		for i, want := range tt.want {
			if dec.targets[i] != want {
				t.Errorf("%v: priming target[%d] = %d, want %d", tt.lang, i, dec.targets[i], want)
			}
		}
		if dec.targets[len(tt.want)] != BlankID {
			t.Errorf("%v: first loop target = %d, want blank", tt.lang, dec.targets[len(tt.want)])
		}
	}
}

func TestBlankPenaltyIncreasesEmissions(t *testing.T) {
	// Joint emits logits where blank barely wins without a penalty.
	mkJoint := func() JointRunner {
		return jointFunc(func(_, _ []float32) ([]float32, error) {
			logits := make([]float32, VocabSize+NumDurationBins)
			logits[BlankID] = 3.0
			logits[42] = 1.0
			logits[VocabSize] = 1.0
			return logits, nil
		})
	}

	count := func(penalty float64) int {
		cfg := DefaultConfig()
		cfg.BlankPenalty = penalty
		res, err := Greedy(frames(6), 6, &scriptedDecoder{}, mkJoint(), cfg)
		if err != nil {
			t.Fatalf("Greedy: %v", err)
		}
		return len(res.Tokens)
	}

	if lo, hi := count(0), count(15); hi < lo {
		t.Errorf("tokens with penalty 15 (%d) < tokens with penalty 0 (%d)", hi, lo)
	}
}

func TestTemperatureDoesNotChangeGreedyArgmax(t *testing.T) {
	joint := func() *scriptedJoint {
		return &scriptedJoint{steps: []jointStep{{tok: 5, dur: 0}, {tok: 9, dur: 1}}}
	}

	decode := func(temp float64) []int32 {
		cfg := DefaultConfig()
		cfg.Temperature = temp
		res, err := Greedy(frames(4), 4, &scriptedDecoder{}, joint(), cfg)
		if err != nil {
			t.Fatalf("Greedy: %v", err)
		}
		return res.Tokens
	}

	cold, hot := decode(0.1), decode(1.5)
	if len(cold) != len(hot) {
		t.Fatalf("token counts differ: %v vs %v", cold, hot)
	}
	for i := range cold {
		if cold[i] != hot[i] {
			t.Errorf("argmax changed with temperature: %v vs %v", cold, hot)
		}
	}
}

func TestGreedyDecoderErrorPropagates(t *testing.T) {
	_, err := Greedy(frames(1), 1, failingDecoder{}, &scriptedJoint{}, DefaultConfig())
	if err == nil {
		t.Fatal("expected decoder error")
	}
}

func TestBeamWidthOneMatchesGreedy(t *testing.T) {
	steps := []jointStep{{tok: 5, dur: 0}, {tok: 9, dur: 0}, {tok: BlankID, dur: 0}}

	greedyRes, err := Greedy(frames(3), 3, &scriptedDecoder{}, &scriptedJoint{steps: steps}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.BeamWidth = 1
	beamRes, err := Beam(frames(3), 3, &scriptedDecoder{}, &scriptedJoint{steps: steps}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	best := beamRes.Best()
	if len(best) != len(greedyRes.Tokens) {
		t.Fatalf("beam-1 %v vs greedy %v", best, greedyRes.Tokens)
	}
	for i := range best {
		if best[i] != greedyRes.Tokens[i] {
			t.Errorf("beam-1 %v differs from greedy %v", best, greedyRes.Tokens)
		}
	}
}

func TestBeamGreedyHypothesisSurvivesWiderBeam(t *testing.T) {
	steps := []jointStep{{tok: 5, dur: 0}, {tok: 9, dur: 0}}

	cfg := DefaultConfig()
	cfg.BeamWidth = 1
	narrow, err := Beam(frames(2), 2, &scriptedDecoder{}, &scriptedJoint{steps: steps}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	cfg.BeamWidth = 2
	wide, err := Beam(frames(2), 2, &scriptedDecoder{}, &scriptedJoint{steps: steps}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	want := fmt.Sprint(narrow.Best())
	found := false
	for _, h := range wide.Hypotheses {
		if fmt.Sprint(h.Tokens) == want {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("beam-1 hypothesis %v absent from beam-2 candidates", narrow.Best())
	}
}

func TestBeamEmptyEncoder(t *testing.T) {
	res, err := Beam(nil, 0, &scriptedDecoder{}, &scriptedJoint{}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Best()) != 0 {
		t.Errorf("Best = %v, want empty", res.Best())
	}
	if res.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", res.Confidence)
	}
}

func TestTopKTokens(t *testing.T) {
	logits := []float64{1.0, 3.0, 2.0}
	cands := topKTokens(logits, 2)
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	if cands[0].tok != 1 || cands[1].tok != 2 {
		t.Errorf("candidates = %+v, want tokens [1 2]", cands)
	}
	// Log-probabilities are normalized.
	var sum float64
	for _, c := range topKTokens(logits, 3) {
		sum += math.Exp(c.logProb)
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("probabilities sum to %v, want 1", sum)
	}
}

func TestParseLanguage(t *testing.T) {
	for in, want := range map[string]Language{
		"":        LanguageAuto,
		"auto":    LanguageAuto,
		"french":  LanguageFrench,
		"english": LanguageEnglish,
	} {
		got, err := ParseLanguage(in)
		if err != nil || got != want {
			t.Errorf("ParseLanguage(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLanguage("latin"); err == nil {
		t.Error("expected error for unknown language")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := []Config{
		{BeamWidth: 0, Temperature: 1, BlankPenalty: 6},
		{BeamWidth: 11, Temperature: 1, BlankPenalty: 6},
		{BeamWidth: 1, Temperature: 0.01, BlankPenalty: 6},
		{BeamWidth: 1, Temperature: 2.0, BlankPenalty: 6},
		{BeamWidth: 1, Temperature: 1, BlankPenalty: -1},
		{BeamWidth: 1, Temperature: 1, BlankPenalty: 16},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error for %+v", i, cfg)
		}
	}
}

// jointFunc adapts a function to the JointRunner interface.
type jointFunc func(encoderFrame, decoderOut []float32) ([]float32, error)

func (f jointFunc) RunJoint(e, d []float32) ([]float32, error) { return f(e, d) }
