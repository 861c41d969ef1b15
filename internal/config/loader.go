package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reduck-ai/reduck/internal/agentbridge"
	"github.com/reduck-ai/reduck/pkg/relay"
)

// Built-in defaults applied by [ApplyDefaults].
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8177

	defaultTTSMinChars = 80
	defaultTTSMaxWait  = time.Second
)

// Default reports the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with built-in defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Speech.Provider == "" {
		cfg.Speech.Provider = "gemini"
	}
	if cfg.Voice.Mode == "" {
		cfg.Voice.Mode = relay.ModeReview
	}
	if cfg.Voice.TTS.MinChars == 0 {
		cfg.Voice.TTS.MinChars = defaultTTSMinChars
	}
	if cfg.Voice.TTS.MaxWait == 0 {
		cfg.Voice.TTS.MaxWait = defaultTTSMaxWait
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Agent
	if pm := cfg.Agent.PermissionMode; pm != "" && !agentbridge.PermissionMode(pm).IsValid() {
		errs = append(errs, fmt.Errorf("agent.permission_mode %q is invalid; valid values: plan, acceptEdits", pm))
	}

	// Voice relay
	if !cfg.Voice.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("voice.mode %q is invalid; valid values: direct, review", cfg.Voice.Mode))
	}
	if cfg.Voice.TTS.MinChars < 0 {
		errs = append(errs, fmt.Errorf("voice.tts.min_chars %d is negative", cfg.Voice.TTS.MinChars))
	}
	if cfg.Voice.TTS.MaxWait < 0 {
		errs = append(errs, fmt.Errorf("voice.tts.max_wait %s is negative", cfg.Voice.TTS.MaxWait))
	}
	for kind, words := range map[string][]string{
		"stop_words":   cfg.Voice.StopWords,
		"accept_words": cfg.Voice.AcceptWords,
		"reject_words": cfg.Voice.RejectWords,
	} {
		for _, w := range words {
			if w == "" {
				errs = append(errs, fmt.Errorf("voice.%s contains an empty word", kind))
				break
			}
		}
	}

	// Speech availability warnings; the relay side degrades to the HTTP
	// API only, so these are not hard failures.
	if cfg.Speech.APIKey == "" && os.Getenv("GEMINI_API_KEY") == "" {
		slog.Warn("no speech API key configured; voice relay will be unavailable")
	}

	return errors.Join(errs...)
}

// LogLevelToSlog maps a config log level to its slog counterpart.
func LogLevelToSlog(l LogLevel) slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
