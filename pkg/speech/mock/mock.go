// Package mock provides test doubles for the speech package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions.
// Use Session to drive the audio/event streams and inspect which methods
// the voice relay invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.EventsCh <- speech.Event{Type: speech.EventTurnComplete}
package mock

import (
	"context"
	"sync"

	"github.com/reduck-ai/reduck/pkg/speech"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg speech.SessionConfig
}

// Provider is a mock implementation of speech.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session with buffered channels.
	Session speech.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)

// SendTextCall records a single invocation of Session.SendText.
type SendTextCall struct {
	// Text is the string passed to SendText.
	Text string
	// TurnComplete is the flag passed to SendText.
	TurnComplete bool
}

// RespondToolCall records a single invocation of Session.RespondTool.
type RespondToolCall struct {
	// ID and Name identify the tool call being answered.
	ID   string
	Name string
	// Payload is the response object passed to RespondTool.
	Payload map[string]any
}

// Session is a mock implementation of speech.SessionHandle.
// Callers push into AudioCh and EventsCh to simulate the provider, then
// close both to signal end-of-session.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio(). Callers own this channel.
	AudioCh chan []byte

	// EventsCh is the channel returned by Events(). Callers own this channel.
	EventsCh chan speech.Event

	// ErrVal is returned by Err.
	ErrVal error

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// RespondToolErr, if non-nil, is returned by every RespondTool call.
	RespondToolErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []SendTextCall

	// RespondToolCalls records every call to RespondTool in order.
	RespondToolCalls []RespondToolCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates a Session with buffered audio and event channels.
func NewSession() *Session {
	return &Session{
		AudioCh:  make(chan []byte, 64),
		EventsCh: make(chan speech.Event, 16),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string, turnComplete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, SendTextCall{Text: text, TurnComplete: turnComplete})
	return s.SendTextErr
}

// RespondTool records the call and returns RespondToolErr.
func (s *Session) RespondTool(id, name string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RespondToolCalls = append(s.RespondToolCalls, RespondToolCall{ID: id, Name: name, Payload: payload})
	return s.RespondToolErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AudioCh
}

// Events returns EventsCh.
func (s *Session) Events() <-chan speech.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// AudioCallCount returns the number of SendAudio calls so far. Thread-safe.
func (s *Session) AudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// ToolResponses returns a copy of the RespondTool calls so far. Thread-safe.
func (s *Session) ToolResponses() []RespondToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RespondToolCall(nil), s.RespondToolCalls...)
}

// Texts returns the text of every SendText call so far. Thread-safe.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SendTextCalls))
	for i, c := range s.SendTextCalls {
		out[i] = c.Text
	}
	return out
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendTextCalls = nil
	s.RespondToolCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements speech.SessionHandle at compile time.
var _ speech.SessionHandle = (*Session)(nil)
