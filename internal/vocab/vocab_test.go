package vocab

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp vocab: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeTemp(t, "vocab.json", `{"0": "▁the", "1": "cat", "8192": ""}`)
	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.Decode(0); got != "▁the" {
		t.Errorf("Decode(0) = %q, want ▁the", got)
	}
	if got := v.Decode(1); got != "cat" {
		t.Errorf("Decode(1) = %q, want cat", got)
	}
}

func TestLoadTxt(t *testing.T) {
	path := writeTemp(t, "vocab.txt", "▁the 0\ncat 1\n<blk> 8192\n")
	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.Decode(1); got != "cat" {
		t.Errorf("Decode(1) = %q, want cat", got)
	}
}

func TestDecodeBlankAndOutOfRange(t *testing.T) {
	path := writeTemp(t, "vocab.json", `{"0": "▁hi"}`)
	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.Decode(BlankID); got != "" {
		t.Errorf("Decode(blank) = %q, want empty", got)
	}
	if got := v.Decode(9999); got != "" {
		t.Errorf("Decode(out-of-range) = %q, want empty", got)
	}
}

func TestDecodeSequenceNoLeadingBoundaryChar(t *testing.T) {
	path := writeTemp(t, "vocab.json", `{"0": "▁hello", "1": "▁world"}`)
	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	text := DecodeSequence([]int32{0, 1}, v)
	if text != "hello world" {
		t.Errorf("DecodeSequence = %q, want %q", text, "hello world")
	}
	if strings.Contains(text, "▁") {
		t.Errorf("DecodeSequence leaked a ▁ marker: %q", text)
	}
	if text != strings.TrimSpace(text) {
		t.Errorf("DecodeSequence has leading/trailing whitespace: %q", text)
	}
}

func TestDecodeSequenceSkipsUnknownIDs(t *testing.T) {
	path := writeTemp(t, "vocab.json", `{"0": "▁ok"}`)
	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	text := DecodeSequence([]int32{0, 500, BlankID}, v)
	if text != "ok" {
		t.Errorf("DecodeSequence = %q, want ok", text)
	}
}

func TestUnknownFormat(t *testing.T) {
	path := writeTemp(t, "vocab.csv", "0,hi")
	if _, err := Load(path); err == nil {
		t.Errorf("expected error for unknown vocab format")
	}
}
