package wer

import (
	"math"
	"testing"
)

func TestComputePerfectMatch(t *testing.T) {
	r := Compute("the quick brown fox", "the quick brown fox")
	if r.WER != 0 {
		t.Errorf("WER = %v, want 0", r.WER)
	}
	if r.RefWords != 4 {
		t.Errorf("RefWords = %d, want 4", r.RefWords)
	}
}

func TestComputeNormalization(t *testing.T) {
	// Case and punctuation must not count as errors.
	r := Compute("Hello, world!", "hello world")
	if r.WER != 0 {
		t.Errorf("WER = %v, want 0 after normalization", r.WER)
	}
}

func TestComputeErrorClasses(t *testing.T) {
	tests := []struct {
		name       string
		ref, hyp   string
		subs, ins  int
		dels       int
		wer        float64
	}{
		{"substitution", "a b c", "a x c", 1, 0, 0, 1.0 / 3},
		{"insertion", "a b", "a x b", 0, 1, 0, 0.5},
		{"deletion", "a b c", "a c", 0, 0, 1, 1.0 / 3},
		{"everything wrong", "a b", "x y z", 2, 1, 0, 1.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Compute(tt.ref, tt.hyp)
			if r.Substitutions != tt.subs || r.Insertions != tt.ins || r.Deletions != tt.dels {
				t.Errorf("S/I/D = %d/%d/%d, want %d/%d/%d",
					r.Substitutions, r.Insertions, r.Deletions, tt.subs, tt.ins, tt.dels)
			}
			if math.Abs(r.WER-tt.wer) > 1e-9 {
				t.Errorf("WER = %v, want %v", r.WER, tt.wer)
			}
		})
	}
}

func TestComputeEmptyReference(t *testing.T) {
	r := Compute("", "anything at all")
	if r.WER != 0 || r.RefWords != 0 {
		t.Errorf("empty reference: %+v", r)
	}
}

func TestOverlap(t *testing.T) {
	if got := Overlap("a b c d e", "a b c d e"); got != 1.0 {
		t.Errorf("identical: %v, want 1.0", got)
	}
	if got := Overlap("a b c d e", "a b c d x"); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("one of five wrong: %v, want 0.8", got)
	}
	if got := Overlap("a b", "x y z w"); got != 0 {
		t.Errorf("disjoint: %v, want 0", got)
	}
	if got := Overlap("", ""); got != 1.0 {
		t.Errorf("both empty: %v, want 1.0", got)
	}
}
