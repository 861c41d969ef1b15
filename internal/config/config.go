// Package config provides the configuration schema, loader, and speech
// provider registry for the Reduck voice bridge.
package config

import (
	"time"

	"github.com/reduck-ai/reduck/pkg/relay"
)

// LogLevel controls log verbosity for the Reduck server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Reduck.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`
	Speech SpeechConfig `yaml:"speech"`
	Voice  VoiceConfig  `yaml:"voice"`
}

// ServerConfig holds network and logging settings for the stream relay.
type ServerConfig struct {
	// Host is the interface the HTTP server binds to.
	Host string `yaml:"host"`

	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AgentConfig configures the code agent subprocess.
type AgentConfig struct {
	// Binary is an explicit agent CLI path. Empty means PATH lookup.
	Binary string `yaml:"binary"`

	// ConfigDir overrides the agent's config directory. Conversation logs
	// are read from under this root; empty means the agent's own default.
	ConfigDir string `yaml:"config_dir"`

	// ProjectCwd is the working directory agent subprocesses run in.
	// Empty means the directory reduck was started from.
	ProjectCwd string `yaml:"project_cwd"`

	// Model selects the agent model (e.g. "sonnet", "opus").
	Model string `yaml:"model"`

	// SystemPrompt is appended to the agent's own system prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// PermissionMode selects how the agent handles tool permission
	// prompts ("plan" or "acceptEdits"). Empty uses the agent's default.
	PermissionMode string `yaml:"permission_mode"`

	// AllowedTools and DisallowedTools restrict the agent's tool set.
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`
}

// SpeechConfig configures the realtime speech provider.
type SpeechConfig struct {
	// Provider selects the registered speech backend (e.g. "gemini").
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the provider's API. Empty
	// falls back to the provider's environment variable.
	APIKey string `yaml:"api_key"`

	// Model selects a specific realtime model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider-specific synthesis voice identifier.
	Voice string `yaml:"voice"`
}

// VoiceConfig tunes the voice relay and its TTS pump.
type VoiceConfig struct {
	// Mode selects direct or review execution of converse instructions.
	Mode relay.Mode `yaml:"mode"`

	// StopWords abort an in-flight converse when heard. Empty keeps the
	// built-in set.
	StopWords []string `yaml:"stop_words"`

	// AcceptWords and RejectWords resolve a pending approval hold by
	// voice. Empty keeps the built-in sets.
	AcceptWords []string `yaml:"accept_words"`
	RejectWords []string `yaml:"reject_words"`

	// TTS tunes the sentence buffer feeding the speech session.
	TTS TTSConfig `yaml:"tts"`
}

// TTSConfig holds sentence-buffer thresholds for the TTS pump.
type TTSConfig struct {
	// MinChars is the minimum buffered length before a sentence boundary
	// triggers a flush.
	MinChars int `yaml:"min_chars"`

	// MaxWait bounds how long buffered text may sit without a flush.
	MaxWait time.Duration `yaml:"max_wait"`
}
