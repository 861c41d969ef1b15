// Package relay implements the voice relay: the state machine that owns
// the speech session, dispatches its tool calls into agent converses,
// gates mic audio during approval holds, and keeps the session's
// reactive state for UI consumption.
package relay

import (
	"sync"
	"time"

	"github.com/reduck-ai/reduck/pkg/convo"
)

// Status is the coarse lifecycle of a voice session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusClosed     Status = "closed"
)

// toastTTL bounds how long a toast stays visible.
const toastTTL = 4 * time.Second

// VoiceMessage is one committed turn of the session.
type VoiceMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`

	// UUID links a message to its conversation-log entry when known.
	// Rewind targets use it as the fork leaf.
	UUID string `json:"uuid,omitempty"`

	// Blocks carries the structured content of an assistant turn.
	Blocks []convo.ContentBlock `json:"blocks,omitempty"`
}

// PendingTool is the live accumulator of an in-flight tool invocation.
type PendingTool struct {
	Name      string               `json:"name"`
	Args      string               `json:"args"`
	Streaming bool                 `json:"streaming"`
	Text      string               `json:"text"`
	Blocks    []convo.ContentBlock `json:"blocks,omitempty"`
}

// PendingApproval is the UI view of an approval hold.
type PendingApproval struct {
	Instruction string `json:"instruction"`
}

// Toast is an ephemeral user-visible notice.
type Toast struct {
	Text    string    `json:"text"`
	Expires time.Time `json:"expires"`
}

// Snapshot is an immutable view of the session state. Slices are copies;
// holders may keep snapshots indefinitely.
type Snapshot struct {
	Status       Status           `json:"status"`
	SessionID    string           `json:"session_id,omitempty"`
	Messages     []VoiceMessage   `json:"messages"`
	VoiceLog     []VoiceMessage   `json:"voice_log"`
	PendingInput string           `json:"pending_input,omitempty"`
	Tool         *PendingTool     `json:"pending_tool,omitempty"`
	Approval     *PendingApproval `json:"pending_approval,omitempty"`
	Toast        *Toast           `json:"toast,omitempty"`
}

// Store holds the session state behind single-writer mutators and fans
// snapshots out to subscribers. The relay is the only writer; the UI
// reads reactively via Subscribe.
type Store struct {
	mu sync.Mutex

	status       Status
	sessionID    string
	messages     []VoiceMessage
	voiceLog     []VoiceMessage
	pendingInput string
	tool         *PendingTool
	approval     *PendingApproval
	toast        *Toast

	nextSub int
	subs    map[int]chan Snapshot
}

// NewStore creates an idle store.
func NewStore() *Store {
	return &Store{
		status: StatusIdle,
		subs:   make(map[int]chan Snapshot),
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers a subscriber. The returned channel carries the
// latest snapshot after every mutation; stale intermediate snapshots are
// dropped, the newest always arrives. Call the cancel func to release.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch
	ch <- s.snapshotLocked()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// ─── Mutators (relay-only) ───────────────────────────────────────────────────

// SetStatus records a lifecycle transition.
func (s *Store) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.notifyLocked()
}

// SetSessionID adopts an agent session id (initial or post-fork).
func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.notifyLocked()
}

// SeedMessages replaces the committed message list, used when loading
// history before a session starts.
func (s *Store) SeedMessages(msgs []VoiceMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]VoiceMessage(nil), msgs...)
	s.notifyLocked()
}

// AppendPendingInput accumulates live user transcription.
func (s *Store) AppendPendingInput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingInput += text
	s.notifyLocked()
}

// CommitUtterance flushes pendingInput into the committed log as a user
// message, merging with an immediately preceding user message. It returns
// the committed text ("" when there was nothing to commit). The voice log
// records the utterance either way.
func (s *Store) CommitUtterance() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := s.pendingInput
	s.pendingInput = ""
	if text == "" {
		return ""
	}

	if n := len(s.messages); n > 0 && s.messages[n-1].Role == convo.RoleUser {
		s.messages[n-1].Text += " " + text
	} else {
		s.messages = append(s.messages, VoiceMessage{Role: convo.RoleUser, Text: text})
	}
	s.voiceLog = append(s.voiceLog, VoiceMessage{Role: convo.RoleUser, Text: text})
	s.notifyLocked()
	return text
}

// CommitUser appends a user message directly (a converse instruction) and
// returns its index so the relay can link it to a conversation entry once
// the converse reports one.
func (s *Store) CommitUser(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, VoiceMessage{Role: convo.RoleUser, Text: text})
	s.notifyLocked()
	return len(s.messages) - 1
}

// AppendVoiceAssistant records model speech in the ephemeral voice log.
func (s *Store) AppendVoiceAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.voiceLog); n > 0 && s.voiceLog[n-1].Role == convo.RoleAssistant {
		s.voiceLog[n-1].Text += text
		s.notifyLocked()
		return
	}
	s.voiceLog = append(s.voiceLog, VoiceMessage{Role: convo.RoleAssistant, Text: text})
	s.notifyLocked()
}

// SetTool installs a fresh pending tool.
func (s *Store) SetTool(t *PendingTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tool = t
	s.notifyLocked()
}

// AppendToolText accumulates streamed text on the pending tool.
func (s *Store) AppendToolText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tool != nil {
		s.tool.Text += text
		s.notifyLocked()
	}
}

// AppendToolBlock accumulates a structured block on the pending tool.
func (s *Store) AppendToolBlock(b convo.ContentBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tool != nil {
		s.tool.Blocks = append(s.tool.Blocks, b)
		s.notifyLocked()
	}
}

// FinishToolStream marks the pending tool's source stream as closed.
func (s *Store) FinishToolStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tool != nil {
		s.tool.Streaming = false
		s.notifyLocked()
	}
}

// CommitTool merges the pending tool (whatever accumulated) into the
// committed log as an assistant message and clears it. It returns the
// index of the committed message, -1 when nothing accumulated.
func (s *Store) CommitTool() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tool == nil {
		return -1
	}
	idx := -1
	if s.tool.Text != "" || len(s.tool.Blocks) > 0 {
		s.messages = append(s.messages, VoiceMessage{
			Role:   convo.RoleAssistant,
			Text:   s.tool.Text,
			Blocks: s.tool.Blocks,
		})
		idx = len(s.messages) - 1
	}
	s.tool = nil
	s.notifyLocked()
	return idx
}

// SetMessageUUID links the message at idx to a conversation-log entry so
// rewind can fork there. Out-of-range indexes and messages that already
// carry a uuid are left alone.
func (s *Store) SetMessageUUID(idx int, uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.messages) || uuid == "" {
		return
	}
	if s.messages[idx].UUID != "" {
		return
	}
	s.messages[idx].UUID = uuid
	s.notifyLocked()
}

// ClearTool drops the pending tool without committing.
func (s *Store) ClearTool() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tool = nil
	s.notifyLocked()
}

// SetApproval presents an approval hold to the UI; nil clears it.
func (s *Store) SetApproval(a *PendingApproval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approval = a
	s.notifyLocked()
}

// PushToast surfaces an ephemeral notice.
func (s *Store) PushToast(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toast = &Toast{Text: text, Expires: time.Now().Add(toastTTL)}
	s.notifyLocked()
}

// Truncate cuts the committed messages to the first n entries. The voice
// log is untouched: rewind must not erase session-local speech history.
func (s *Store) Truncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n < len(s.messages) {
		s.messages = s.messages[:n]
		s.notifyLocked()
	}
}

// Messages returns a copy of the committed messages.
func (s *Store) Messages() []VoiceMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VoiceMessage(nil), s.messages...)
}

// ─── Internal ────────────────────────────────────────────────────────────────

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:       s.status,
		SessionID:    s.sessionID,
		Messages:     append([]VoiceMessage(nil), s.messages...),
		VoiceLog:     append([]VoiceMessage(nil), s.voiceLog...),
		PendingInput: s.pendingInput,
	}
	if s.tool != nil {
		t := *s.tool
		t.Blocks = append([]convo.ContentBlock(nil), s.tool.Blocks...)
		snap.Tool = &t
	}
	if s.approval != nil {
		a := *s.approval
		snap.Approval = &a
	}
	if s.toast != nil && time.Now().Before(s.toast.Expires) {
		t := *s.toast
		snap.Toast = &t
	}
	return snap
}

// notifyLocked pushes the latest snapshot to every subscriber, replacing
// any undelivered one so slow readers only miss intermediates.
func (s *Store) notifyLocked() {
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
