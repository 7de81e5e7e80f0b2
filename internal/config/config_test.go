package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/herve-wq/mvpwakascribe/internal/decode"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, "backend: openvino\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend != "openvino" {
		t.Errorf("Backend = %q, want openvino", cfg.Backend)
	}
	// Unset fields keep their defaults.
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Decoding.BlankPenalty != 6.0 {
		t.Errorf("BlankPenalty = %v, want 6.0", cfg.Decoding.BlankPenalty)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
models_dir: /opt/models
backend: coreml
log_level: debug
audio:
  preferred_device: abc123
chunking:
  vad_cuts: true
decoding:
  beam_width: 4
  temperature: 0.8
  blank_penalty: 3.5
  language: french
server:
  listen_addr: 127.0.0.1:9999
  bus_port: 4333
  metrics_addr: 127.0.0.1:9100
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.ModelsDir != "/opt/models" {
		t.Errorf("ModelsDir = %q", cfg.ModelsDir)
	}
	if !cfg.Chunking.VADCuts {
		t.Error("Chunking.VADCuts not set")
	}
	if cfg.Audio.PreferredDevice != "abc123" {
		t.Errorf("PreferredDevice = %q", cfg.Audio.PreferredDevice)
	}
	if cfg.Server.BusPort != 4333 {
		t.Errorf("BusPort = %d", cfg.Server.BusPort)
	}

	dc, err := cfg.DecodeConfig()
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if dc.BeamWidth != 4 || dc.Temperature != 0.8 || dc.BlankPenalty != 3.5 {
		t.Errorf("decode config = %+v", dc)
	}
	if dc.Language != decode.LanguageFrench {
		t.Errorf("Language = %v, want french", dc.Language)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "backend: onnxruntime\nlog_level: info\n")

	t.Setenv("WAKASCRIBE_BACKEND", "openvino")
	t.Setenv("WAKASCRIBE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "openvino" {
		t.Errorf("Backend = %q, env override lost", cfg.Backend)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, env override lost", cfg.LogLevel)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("WAKASCRIBE_BEAM_WIDTH", "2")
	t.Setenv("WAKASCRIBE_LANGUAGE", "english")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Decoding.BeamWidth != 2 {
		t.Errorf("BeamWidth = %d, want 2", cfg.Decoding.BeamWidth)
	}
	if cfg.Decoding.Language != "english" {
		t.Errorf("Language = %q, want english", cfg.Decoding.Language)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty models dir", func(c *Config) { c.ModelsDir = "" }, "models_dir"},
		{"unknown backend", func(c *Config) { c.Backend = "tensorrt" }, "backend"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"beam width too big", func(c *Config) { c.Decoding.BeamWidth = 11 }, "beam_width"},
		{"temperature too low", func(c *Config) { c.Decoding.Temperature = 0.01 }, "temperature"},
		{"blank penalty negative", func(c *Config) { c.Decoding.BlankPenalty = -1 }, "blank_penalty"},
		{"unknown language", func(c *Config) { c.Decoding.Language = "klingon" }, "language"},
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }, "listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got := expandTilde("~/models")
	if got != filepath.Join(home, "models") {
		t.Errorf("expandTilde = %q", got)
	}
	if expandTilde("/abs/path") != "/abs/path" {
		t.Error("absolute path must pass through")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
