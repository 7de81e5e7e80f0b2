package chunk

import (
	"testing"
)

func TestSingleChunkAtBoundary(t *testing.T) {
	for _, n := range []int{0, 16000, MaxChunkSamples - 1, MaxChunkSamples} {
		chunks := Split(make([]float32, n), DefaultConfig())
		if len(chunks) != 1 {
			t.Errorf("%d samples: got %d chunks, want 1", n, len(chunks))
		}
		if chunks[0].StartMS != 0 {
			t.Errorf("%d samples: StartMS = %d, want 0", n, chunks[0].StartMS)
		}
		wantEnd := int64(n) * 1000 / SampleRate
		if chunks[0].EndMS != wantEnd {
			t.Errorf("%d samples: EndMS = %d, want %d", n, chunks[0].EndMS, wantEnd)
		}
	}
}

func TestJustOverCapTakesChunkedPath(t *testing.T) {
	chunks := Split(make([]float32, MaxChunkSamples+1), DefaultConfig())
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	// First chunk is a full 10s; second picks up from the 8s step.
	if got := len(chunks[0].Samples); got != 160000 {
		t.Errorf("chunk 0 has %d samples, want 160000", got)
	}
	if chunks[1].StartMS != 8000 {
		t.Errorf("chunk 1 StartMS = %d, want 8000", chunks[1].StartMS)
	}
	if !chunks[1].Overlapped {
		t.Error("chunk 1 should be marked overlapped")
	}
}

func TestFixedSplitOverlapInvariant(t *testing.T) {
	// 30s of audio: chunks at 0-10, 8-18, 16-26, 24-30.
	chunks := Split(make([]float32, 30*SampleRate), DefaultConfig())
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}

	overlapMS := int64(DefaultOverlapSeconds * 1000)
	for k := 0; k+1 < len(chunks); k++ {
		if got := chunks[k].EndMS - chunks[k+1].StartMS; got != overlapMS {
			t.Errorf("chunks %d/%d: overlap = %dms, want %dms", k, k+1, got, overlapMS)
		}
	}

	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has Index %d", i, c.Index)
		}
	}
	if chunks[0].Overlapped {
		t.Error("first chunk must not be marked overlapped")
	}
}

func TestFixedSplitDiscardsTinyTail(t *testing.T) {
	// With the default 2s overlap every step leaves more than 2s, so a
	// tiny tail needs back-to-back chunks: two full 10s chunks, then a
	// 100-sample fragment under minChunkSamples at the 20s step.
	cfg := DefaultConfig()
	cfg.OverlapSeconds = 0
	n := 2*160000 + 100
	chunks := Split(make([]float32, n), cfg)
	for _, c := range chunks {
		if len(c.Samples) < minChunkSamples {
			t.Errorf("chunk %d has %d samples, under the encoder minimum", c.Index, len(c.Samples))
		}
	}
}

func TestVADSplitCutsAtSilence(t *testing.T) {
	// 30s: speech with 200ms silent gaps at 10s and 20s.
	samples := make([]float32, 30*SampleRate)
	for i := range samples {
		samples[i] = 0.3
	}
	silence := func(startSec float64) {
		s := int(startSec * SampleRate)
		for i := s; i < s+3200 && i < len(samples); i++ {
			samples[i] = 0.0
		}
	}
	silence(10)
	silence(20)

	cfg := DefaultConfig()
	cfg.VADCuts = true
	chunks := Split(samples, cfg)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	// Cuts land inside the silent gaps, so no chunk carries overlap.
	for _, c := range chunks {
		if c.Overlapped {
			t.Errorf("chunk %d marked overlapped despite silence cut", c.Index)
		}
	}

	// First cut should be near 10s.
	if chunks[0].EndMS < 9500 || chunks[0].EndMS > 11000 {
		t.Errorf("chunk 0 ends at %dms, want ~10000", chunks[0].EndMS)
	}
}

func TestVADSplitAddsOverlapWithoutSilence(t *testing.T) {
	// 30s of continuous tone: no silence anywhere, every cut gets overlap.
	samples := make([]float32, 30*SampleRate)
	for i := range samples {
		samples[i] = 0.3
	}

	cfg := DefaultConfig()
	cfg.VADCuts = true
	chunks := Split(samples, cfg)

	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	for _, c := range chunks[1:] {
		if !c.Overlapped {
			t.Errorf("chunk %d not marked overlapped despite non-silent cut", c.Index)
		}
	}
}

func TestBestCutPointPrefersQuietest(t *testing.T) {
	// 3s of loud with a quiet dip around 1.5s.
	samples := make([]float32, 3*SampleRate)
	for i := range samples {
		samples[i] = 0.5
	}
	dipStart := int(1.5 * SampleRate)
	for i := dipStart; i < dipStart+3200; i++ {
		samples[i] = 0.001
	}

	det := &silenceDetector{} // RMS-only path, deterministic in tests
	cut, rms, isSilence := det.bestCutPoint(samples, SampleRate, 3*SampleRate, 0.01)

	if cut < dipStart || cut > dipStart+4800 {
		t.Errorf("cut at %d, want inside the dip near %d", cut, dipStart)
	}
	if !isSilence {
		t.Errorf("dip RMS %v should count as silence", rms)
	}
}

func TestBestCutPointEmptyRange(t *testing.T) {
	det := &silenceDetector{}
	cut, _, isSilence := det.bestCutPoint(make([]float32, 100), 200, 300, 0.01)
	if cut != 100 || !isSilence {
		t.Errorf("out-of-range search: got cut=%d silence=%v, want clamped 100/true", cut, isSilence)
	}
}
