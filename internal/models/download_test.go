package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/herve-wq/mvpwakascribe/internal/errs"
)

func TestVerifyMissingBundle(t *testing.T) {
	err := Verify(t.TempDir(), "onnxruntime")
	if !errs.Is(err, errs.ModelsMissing) {
		t.Fatalf("err = %v, want ModelsMissing", err)
	}
}

func TestVerifyUnknownBackend(t *testing.T) {
	err := Verify(t.TempDir(), "tensorrt")
	if !errs.Is(err, errs.ModelsMissing) {
		t.Fatalf("err = %v, want ModelsMissing", err)
	}
}

func TestVerifyCompleteBundle(t *testing.T) {
	modelsDir := t.TempDir()
	dir := filepath.Join(modelsDir, "openvino")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range bundles["openvino"].files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := Verify(modelsDir, "openvino"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyPartialBundle(t *testing.T) {
	modelsDir := t.TempDir()
	dir := filepath.Join(modelsDir, "onnxruntime")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Install everything except the joint graph.
	for _, f := range bundles["onnxruntime"].files {
		if f == "joint-model.onnx" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	err := Verify(modelsDir, "onnxruntime")
	if !errs.Is(err, errs.ModelsMissing) {
		t.Fatalf("err = %v, want ModelsMissing", err)
	}
}

func TestVocabPath(t *testing.T) {
	tests := map[string]string{
		"onnxruntime": "vocab.txt",
		"openvino":    "parakeet_v3_vocab.json",
		"coreml":      "parakeet_v3_vocab.json",
	}
	for backendName, want := range tests {
		got, err := VocabPath("/models", backendName)
		if err != nil {
			t.Fatalf("VocabPath(%s): %v", backendName, err)
		}
		if filepath.Base(got) != want {
			t.Errorf("VocabPath(%s) = %q, want base %q", backendName, got, want)
		}
	}

	if _, err := VocabPath("/models", "bogus"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestBackends(t *testing.T) {
	names := Backends()
	if len(names) != 3 {
		t.Fatalf("got %d backends, want 3", len(names))
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	for _, want := range []string{"onnxruntime", "openvino", "coreml"} {
		if !seen[want] {
			t.Errorf("missing backend %q", want)
		}
	}
}
