// Package config loads the daemon configuration: YAML file first, then
// environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/herve-wq/mvpwakascribe/internal/decode"
)

// Config holds all daemon configuration.
type Config struct {
	// ModelsDir contains one subdirectory per backend (models/<backend>/).
	ModelsDir string         `yaml:"models_dir" env:"WAKASCRIBE_MODELS_DIR"`
	Backend   string         `yaml:"backend" env:"WAKASCRIBE_BACKEND"`
	LogLevel  string         `yaml:"log_level" env:"WAKASCRIBE_LOG_LEVEL"`
	Audio     AudioConfig    `yaml:"audio"`
	Chunking  ChunkingConfig `yaml:"chunking"`
	Decoding  DecodingConfig `yaml:"decoding"`
	Server    ServerConfig   `yaml:"server"`
}

// AudioConfig holds capture settings.
type AudioConfig struct {
	// PreferredDevice selects an input device id; empty uses the default.
	PreferredDevice string `yaml:"preferred_device" env:"WAKASCRIBE_AUDIO_DEVICE"`
}

// ChunkingConfig holds long-audio splitting settings.
type ChunkingConfig struct {
	// VADCuts switches from fixed 10s/2s-overlap chunks to cuts at
	// detected silence.
	VADCuts bool `yaml:"vad_cuts" env:"WAKASCRIBE_VAD_CUTS"`
}

// DecodingConfig holds the default TDT decoding options; per-request
// options override these.
type DecodingConfig struct {
	BeamWidth    int     `yaml:"beam_width" env:"WAKASCRIBE_BEAM_WIDTH"`
	Temperature  float64 `yaml:"temperature" env:"WAKASCRIBE_TEMPERATURE"`
	BlankPenalty float64 `yaml:"blank_penalty" env:"WAKASCRIBE_BLANK_PENALTY"`
	Language     string  `yaml:"language" env:"WAKASCRIBE_LANGUAGE"`
}

// ServerConfig holds the host-facing transport settings.
type ServerConfig struct {
	// ListenAddr is the WebSocket RPC address.
	ListenAddr string `yaml:"listen_addr" env:"WAKASCRIBE_LISTEN_ADDR"`
	// BusPort is the embedded event bus port; 0 picks a free one.
	BusPort int `yaml:"bus_port" env:"WAKASCRIBE_BUS_PORT"`
	// MetricsAddr serves Prometheus metrics; empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr" env:"WAKASCRIBE_METRICS_ADDR"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "wakascribe")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultModelsDir returns the default model installation directory.
func DefaultModelsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "wakascribe", "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		ModelsDir: DefaultModelsDir(),
		Backend:   "onnxruntime",
		LogLevel:  "info",
		Decoding: DecodingConfig{
			BeamWidth:    1,
			Temperature:  1.0,
			BlankPenalty: 6.0,
			Language:     "auto",
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8787",
			BusPort:    0,
		},
	}
}

// Load reads a YAML config file, fills missing fields with defaults, and
// applies environment overrides. Tilde in models_dir is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.ModelsDir = expandTilde(cfg.ModelsDir)
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied, for
// running without a config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	cfg.ModelsDir = expandTilde(cfg.ModelsDir)
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.ModelsDir == "" {
		return fmt.Errorf("models_dir must not be empty")
	}

	switch c.Backend {
	case "onnxruntime", "openvino", "coreml", "mock":
	default:
		return fmt.Errorf("backend must be onnxruntime, openvino, coreml, or mock, got %q", c.Backend)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if _, err := c.DecodeConfig(); err != nil {
		return err
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}

	return nil
}

// DecodeConfig converts the configured decoding defaults into the typed
// record the decoder consumes.
func (c *Config) DecodeConfig() (decode.Config, error) {
	lang, err := decode.ParseLanguage(c.Decoding.Language)
	if err != nil {
		return decode.Config{}, err
	}
	dc := decode.Config{
		BeamWidth:    c.Decoding.BeamWidth,
		Temperature:  c.Decoding.Temperature,
		BlankPenalty: c.Decoding.BlankPenalty,
		Language:     lang,
	}
	if err := dc.Validate(); err != nil {
		return decode.Config{}, err
	}
	return dc, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
