package backend

import (
	"sync"

	"github.com/herve-wq/mvpwakascribe/internal/decode"
	"github.com/herve-wq/mvpwakascribe/internal/errs"
)

// MockScript describes what a mock adapter emits: one token id per entry,
// each consuming one encoder frame. Blank steps fill the remaining frames.
type MockScript struct {
	// Tokens are emitted in order, one per decode step.
	Tokens []int32
	// FailLoad makes LoadModels fail, for swap-failure tests.
	FailLoad bool
	// FailInference makes RunEncoder fail, for per-chunk skip tests.
	FailInference bool
}

// mockAdapter is a deterministic in-memory adapter. Tests use it to drive
// the orchestrator and decode loop without model files; hosts can also
// select it to get placeholder output when no models are installed.
type mockAdapter struct {
	script MockScript

	mu     sync.Mutex
	loaded bool
	resets int
	step   int
}

// NewMock returns an adapter that replays script.
func NewMock(script MockScript) Adapter {
	return &mockAdapter{script: script}
}

// NewMockFactory returns a Factory for registering a mock backend.
func NewMockFactory(script MockScript) Factory {
	return func() Adapter { return NewMock(script) }
}

func (m *mockAdapter) ID() ID { return Mock }

func (m *mockAdapter) Caps() Caps {
	return Caps{Beam: true, CalibratedConfidence: true, MultiChunk: true}
}

func (m *mockAdapter) LoadModels(dir string) error {
	if m.script.FailLoad {
		return errs.New(errs.ModelLoadFailed, "mock load failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	return nil
}

func (m *mockAdapter) ResetRequestHandles() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return errs.New(errs.ModelLoadFailed, "mock not loaded")
	}
	m.resets++
	m.step = 0
	return nil
}

// Resets reports how many times request handles were reinitialized.
func (m *mockAdapter) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func (m *mockAdapter) Preprocess(pcm []float32) ([]float32, int, error) {
	_, audioLen := padPCM(pcm)
	melLength := audioLen / 160
	return make([]float32, melBins*melLength), melLength, nil
}

func (m *mockAdapter) RunEncoder(mel []float32, melLength int) ([][]float32, int, error) {
	if m.script.FailInference {
		return nil, 0, errs.New(errs.InferenceFailed, "mock inference failure")
	}

	// One encoder frame per 8 mel frames, the conformer's subsampling.
	encLength := melLength / 8
	if encLength == 0 && melLength > 0 {
		encLength = 1
	}
	frames := make([][]float32, encLength)
	for i := range frames {
		frames[i] = make([]float32, EncoderHidden)
	}
	return frames, encLength, nil
}

func (m *mockAdapter) RunDecoder(targetID int32, hIn, cIn []float32) ([]float32, []float32, []float32, error) {
	h := make([]float32, len(hIn))
	c := make([]float32, len(cIn))
	copy(h, hIn)
	copy(c, cIn)
	// Fold the target into the state so committed vs. uncommitted state is
	// observable in tests.
	if len(h) > 0 {
		h[0] = float32(targetID)
	}
	return make([]float32, decoderHidden), h, c, nil
}

func (m *mockAdapter) RunJoint(encoderFrame, decoderOut []float32) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logits := make([]float32, decode.VocabSize+decode.NumDurationBins)
	tok := int32(decode.BlankID)
	if m.step < len(m.script.Tokens) {
		tok = m.script.Tokens[m.step]
	}
	m.step++

	logits[tok] = 10.0
	logits[decode.VocabSize] = 1.0 // duration bin 0: advance one frame
	return logits, nil
}

func (m *mockAdapter) Close() error { return nil }
