// Package models installs and verifies the per-backend Parakeet TDT v3
// model bundles under models/<backend>/.
package models

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/herve-wq/mvpwakascribe/internal/errs"
)

const (
	onnxRepo     = "https://huggingface.co/istupakov/parakeet-tdt-0.6b-v3-onnx"
	openvinoRepo = "https://huggingface.co/FluidInference/parakeet-tdt-0.6b-v3-openvino"
	coremlRepo   = "https://huggingface.co/FluidInference/parakeet-tdt-0.6b-v3-coreml"
)

// bundles lists, per backend, the files its adapter expects to find.
var bundles = map[string]struct {
	repo  string
	files []string
	// lfs bundles are fetched via git sparse-checkout (CoreML ships
	// .mlmodelc directories, which plain HTTP cannot fetch whole).
	lfs bool
}{
	"onnxruntime": {
		repo: onnxRepo,
		files: []string{
			"nemo128.onnx",
			"encoder-model.onnx",
			"decoder-model.onnx",
			"joint-model.onnx",
			"vocab.txt",
		},
	},
	"openvino": {
		repo: openvinoRepo,
		files: []string{
			"parakeet_melspectogram.xml", "parakeet_melspectogram.bin",
			"parakeet_encoder.xml", "parakeet_encoder.bin",
			"parakeet_decoder.xml", "parakeet_decoder.bin",
			"parakeet_joint.xml", "parakeet_joint.bin",
			"parakeet_v3_vocab.json",
		},
	},
	"coreml": {
		repo: coremlRepo,
		files: []string{
			"Preprocessor.mlmodelc",
			"Encoder.mlmodelc",
			"Decoder.mlmodelc",
			"JointDecision.mlmodelc",
			"parakeet_v3_vocab.json",
		},
		lfs: true,
	},
}

// Backends returns the backend names a bundle is defined for.
func Backends() []string {
	names := make([]string, 0, len(bundles))
	for name := range bundles {
		names = append(names, name)
	}
	return names
}

// VocabPath returns the vocabulary file inside an installed bundle.
func VocabPath(modelsDir, backendName string) (string, error) {
	b, ok := bundles[backendName]
	if !ok {
		return "", fmt.Errorf("models: unknown backend %q", backendName)
	}
	for _, f := range b.files {
		ext := filepath.Ext(f)
		if ext == ".json" || (ext == ".txt" && f == "vocab.txt") {
			return filepath.Join(modelsDir, backendName, f), nil
		}
	}
	return "", fmt.Errorf("models: backend %q bundle carries no vocabulary", backendName)
}

// Verify checks that every file of a backend's bundle is installed.
// Returns ModelsMissing naming the first absent file.
func Verify(modelsDir, backendName string) error {
	b, ok := bundles[backendName]
	if !ok {
		return errs.New(errs.ModelsMissing, fmt.Sprintf("unknown backend %q", backendName))
	}
	dir := filepath.Join(modelsDir, backendName)
	for _, f := range b.files {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return errs.New(errs.ModelsMissing, fmt.Sprintf("missing %s in %s", f, dir))
		}
	}
	return nil
}

// Download installs one backend's bundle into modelsDir/<backend>/.
// For bundles fetched over HTTP, already-present non-empty files are kept;
// LFS bundles are always fetched again and copied over existing files.
func Download(modelsDir, backendName string) error {
	b, ok := bundles[backendName]
	if !ok {
		return fmt.Errorf("models: unknown backend %q", backendName)
	}

	destDir := filepath.Join(modelsDir, backendName)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", destDir, err)
	}

	if b.lfs {
		return downloadLFS(b.repo, b.files, destDir)
	}

	for _, f := range b.files {
		dest := filepath.Join(destDir, f)
		if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
			fmt.Printf("  %s already present (%.1f MB)\n", f, float64(info.Size())/(1024*1024))
			continue
		}
		if err := downloadFile(b.repo+"/resolve/main/"+f, dest, f); err != nil {
			return fmt.Errorf("downloading %s: %w", f, err)
		}
	}

	fmt.Printf("  %s models installed in %s\n", backendName, destDir)
	return nil
}

// downloadFile fetches one file over HTTP with progress output, writing to
// a temp file first so a partial download never looks installed.
func downloadFile(url, dest, label string) error {
	resp, err := http.Get(url) //nolint:gosec // repo URLs are compile-time constants
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	pr := &progressWriter{writer: f, total: resp.ContentLength, label: label}
	_, err = io.Copy(pr, resp.Body)
	f.Close()
	fmt.Println()
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// downloadLFS sparse-checkouts the listed paths from a git-lfs repo, the
// only reliable way to fetch .mlmodelc bundle directories.
func downloadLFS(repo string, files []string, destDir string) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git is required but not found in PATH")
	}
	if err := exec.Command("git", "lfs", "version").Run(); err != nil {
		return fmt.Errorf("git-lfs is required: install it and run 'git lfs install'")
	}

	tmpDir, err := os.MkdirTemp("", "wakascribe-models-*")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	steps := []struct {
		name string
		args []string
		dir  string
	}{
		{"Cloning (sparse)...", []string{"git", "clone", "--filter=blob:none", "--no-checkout", repo, tmpDir}, ""},
		{"Setting sparse-checkout...", append([]string{"git", "sparse-checkout", "set"}, files...), tmpDir},
		{"Checking out...", []string{"git", "checkout"}, tmpDir},
		{"Pulling LFS objects...", []string{"git", "lfs", "pull"}, tmpDir},
	}

	for _, s := range steps {
		fmt.Printf("  %s\n", s.name)
		cmd := exec.Command(s.args[0], s.args[1:]...) //nolint:gosec // args are compile-time constants plus bundle file names
		if s.dir != "" {
			cmd.Dir = s.dir
		}
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	for _, name := range files {
		if err := copyFileOrDir(filepath.Join(tmpDir, name), filepath.Join(destDir, name)); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	return nil
}

// copyFileOrDir copies a file or directory recursively.
func copyFileOrDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst)
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyFileOrDir(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// progressWriter wraps an io.Writer and prints download progress.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Printf("\r  %s: %.1f MB / %.1f MB (%.0f%%)",
			pw.label,
			float64(pw.written)/(1024*1024),
			float64(pw.total)/(1024*1024),
			pct)
	} else {
		fmt.Printf("\r  %s: %.1f MB downloaded", pw.label, float64(pw.written)/(1024*1024))
	}
	return n, err
}
