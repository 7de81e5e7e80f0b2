package merge

import (
	"strings"
	"testing"
)

func TestMergeEmpty(t *testing.T) {
	if got := Merge(nil); got != "" {
		t.Errorf("Merge(nil) = %q, want empty", got)
	}
}

func TestMergeSingleChunk(t *testing.T) {
	got := Merge([]ChunkText{{Text: "  hello world  "}})
	if got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestMergeOverlapDeduplication(t *testing.T) {
	chunks := []ChunkText{
		{Text: "this is the first part of the sentence", Index: 0},
		{Text: "of the sentence and it keeps going", Index: 1, Overlapped: true},
	}
	got := Merge(chunks)
	want := "this is the first part of the sentence and it keeps going"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMergeSilenceCutPlainJoin(t *testing.T) {
	// Without the Overlapped flag no dedup happens, even if words repeat.
	chunks := []ChunkText{
		{Text: "we said it again", Index: 0},
		{Text: "it again on purpose", Index: 1, Overlapped: false},
	}
	got := Merge(chunks)
	want := "we said it again it again on purpose"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMergeSingleWordRepeatKept(t *testing.T) {
	// A one-word match is under the dedup minimum and must be kept.
	chunks := []ChunkText{
		{Text: "turn it up", Index: 0},
		{Text: "up and away", Index: 1, Overlapped: true},
	}
	got := Merge(chunks)
	want := "turn it up up and away"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMergeCaseAndPunctuationInsensitiveOverlap(t *testing.T) {
	chunks := []ChunkText{
		{Text: "see you next Tuesday.", Index: 0},
		{Text: "next tuesday at nine", Index: 1, Overlapped: true},
	}
	got := Merge(chunks)
	want := "see you next Tuesday. at nine"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMergeEmptyChunkSkipped(t *testing.T) {
	chunks := []ChunkText{
		{Text: "first part", Index: 0},
		{Text: "", Index: 1, Overlapped: true},
		{Text: "last part", Index: 2, Overlapped: true},
	}
	got := Merge(chunks)
	want := "first part last part"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMergeThreeChunks(t *testing.T) {
	chunks := []ChunkText{
		{Text: "alpha bravo charlie delta", Index: 0},
		{Text: "charlie delta echo foxtrot", Index: 1, Overlapped: true},
		{Text: "echo foxtrot golf hotel", Index: 2, Overlapped: true},
	}
	got := Merge(chunks)
	want := "alpha bravo charlie delta echo foxtrot golf hotel"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCleanupPunctuationSpacing(t *testing.T) {
	if got := cleanup("hello ,  world . what ?"); got != "hello, world. what?" {
		t.Errorf("got %q", got)
	}
}

func TestOverlapRun(t *testing.T) {
	tests := []struct {
		head, tail string
		want       int
	}{
		{"a b c", "b c d", 2},
		{"a b c", "c d e", 1},
		{"a b c", "d e f", 0},
		{"a b c", "a b c", 3},
		{"", "a b", 0},
	}
	for _, tt := range tests {
		got := overlapRun(strings.Fields(tt.head), strings.Fields(tt.tail))
		if got != tt.want {
			t.Errorf("overlapRun(%q, %q) = %d, want %d", tt.head, tt.tail, got, tt.want)
		}
	}
}
