package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: everything
// else (ports, agent wiring, speech provider) needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// KeywordsChanged is true when any of the stop/accept/reject word
	// sets changed.
	KeywordsChanged bool

	// TTSChanged is true when the sentence-buffer thresholds changed.
	TTSChanged bool

	// AgentDefaultsChanged is true when the model, system prompt, or
	// permission mode forwarded on new converses changed.
	AgentDefaultsChanged bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.KeywordsChanged || d.TTSChanged || d.AgentDefaultsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Voice.StopWords, new.Voice.StopWords) ||
		!slices.Equal(old.Voice.AcceptWords, new.Voice.AcceptWords) ||
		!slices.Equal(old.Voice.RejectWords, new.Voice.RejectWords) {
		d.KeywordsChanged = true
	}

	if old.Voice.TTS != new.Voice.TTS {
		d.TTSChanged = true
	}

	if old.Agent.Model != new.Agent.Model ||
		old.Agent.SystemPrompt != new.Agent.SystemPrompt ||
		old.Agent.PermissionMode != new.Agent.PermissionMode {
		d.AgentDefaultsChanged = true
	}

	return d
}
