// Package speech defines the provider port for the realtime speech
// session that mediates between the human speaker and the rest of the
// system: mic audio and injected text go in, synthesised audio,
// transcriptions, and tool calls come out over a single stateful,
// bidirectional channel.
//
// Two distinct client channels exist and ordering is guaranteed only
// within each: realtime audio (SendAudio) and context injection
// (SendText). Correctness must never rely on cross-channel order.
//
// All implementations must be safe for concurrent use.
package speech

import (
	"context"
	"encoding/json"
)

// ToolDeclaration describes one tool offered to the speech model at
// session setup. Parameters is a JSON-schema-shaped map.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig is the initial configuration for a new speech session.
type SessionConfig struct {
	// Instructions is the system-level prompt for the session.
	Instructions string

	// Voice selects the synthesis voice; empty means provider default.
	Voice string

	// Tools is the set of tool declarations bound at setup. The model may
	// invoke these mid-session; calls arrive as EventToolCall events and
	// must be answered via RespondTool.
	Tools []ToolDeclaration

	// InputTranscription and OutputTranscription enable server-side
	// transcription of user speech and model speech respectively.
	InputTranscription  bool
	OutputTranscription bool
}

// EventType tags a server-side session event.
type EventType string

const (
	// EventInputTranscription carries a fragment of transcribed user speech.
	EventInputTranscription EventType = "input_transcription"

	// EventOutputTranscription carries a fragment of the model's spoken
	// output as text.
	EventOutputTranscription EventType = "output_transcription"

	// EventToolCall carries a tool invocation; the session is frozen until
	// the caller responds via RespondTool.
	EventToolCall EventType = "tool_call"

	// EventTurnComplete marks the end of a model output turn.
	EventTurnComplete EventType = "turn_complete"

	// EventInterrupted signals that the user barged in over model audio.
	EventInterrupted EventType = "interrupted"

	// EventGoAway warns that the provider will close the session soon.
	EventGoAway EventType = "go_away"
)

// ToolCall is the payload of an EventToolCall event.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Event is one server-side session event. Text is set for transcription
// events, Tool for tool calls; both are zero otherwise.
type Event struct {
	Type EventType
	Text string
	Tool *ToolCall
}

// SessionHandle is an open speech session. Audio and Events are closed
// when the session ends; Err then reports whether it ended cleanly.
// Callers must drain both channels promptly and must call Close when the
// session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one raw PCM chunk (16 kHz, s16le, mono) on the
	// realtime channel.
	SendAudio(chunk []byte) error

	// SendText injects text on the context channel. turnComplete marks the
	// injected content as a finished client turn, which is what prompts
	// the model to respond.
	SendText(text string, turnComplete bool) error

	// RespondTool answers a pending tool call. The payload is delivered to
	// the model as the tool's response object.
	RespondTool(id, name string, payload map[string]any) error

	// Audio emits raw PCM chunks (24 kHz, s16le, mono) of model speech.
	Audio() <-chan []byte

	// Events emits server-side events in arrival order.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil after a
	// clean shutdown. Valid once Events is closed.
	Err() error

	// Close terminates the session and releases all resources. Safe to
	// call more than once.
	Close() error
}

// Provider is the abstraction over any realtime speech backend.
type Provider interface {
	// Connect establishes a session and blocks until the provider has
	// acknowledged the setup, so the returned handle accepts audio
	// immediately.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
