package convo

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Entry type tags found in conversation logs. The four tree variants
// (user, assistant, system, progress) carry uuid/parentUuid links; the
// remaining variants are metadata records.
const (
	EntryUser        = "user"
	EntryAssistant   = "assistant"
	EntrySystem      = "system"
	EntryProgress    = "progress"
	EntrySummary     = "summary"
	EntryCustomTitle = "custom-title"
	EntryQueueOp     = "queue-operation"
)

// Entry is one record of an append-only conversation log. Only the fields
// the core needs are decoded; Raw retains the full record verbatim so
// forks can copy entries without losing fields this system never modeled.
type Entry struct {
	// Type is the record variant tag. Unknown variants keep their tag and
	// are treated as opaque.
	Type string

	// UUID, ParentUUID, SessionID, and Timestamp are populated for the
	// tree variants and left zero elsewhere.
	UUID       string
	ParentUUID string
	SessionID  string
	Timestamp  time.Time

	// Message is the embedded message payload of user/assistant entries.
	Message *Message

	// Raw is the original JSON line, unmodified.
	Raw []byte
}

// IsTreeVariant reports whether the entry participates in the uuid-linked
// conversation tree.
func (e *Entry) IsTreeVariant() bool {
	switch e.Type {
	case EntryUser, EntryAssistant, EntrySystem, EntryProgress:
		return true
	}
	return false
}

// ParseEntry decodes one log line leniently. It returns an error only
// when the line is not a JSON object at all; missing or malformed
// individual fields leave the corresponding Entry fields zero.
func ParseEntry(line []byte) (*Entry, error) {
	if !gjson.ValidBytes(line) {
		return nil, errNotJSON
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return nil, errNotJSON
	}

	e := &Entry{
		Type:       root.Get("type").String(),
		UUID:       root.Get("uuid").String(),
		ParentUUID: root.Get("parentUuid").String(),
		SessionID:  root.Get("sessionId").String(),
		Raw:        append([]byte(nil), line...),
	}
	if ts := root.Get("timestamp").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
	}

	if e.Type == EntryUser || e.Type == EntryAssistant {
		if msg := root.Get("message"); msg.Exists() {
			var m Message
			if err := json.Unmarshal([]byte(msg.Raw), &m); err == nil {
				if m.Role == "" {
					m.Role = e.Type
				}
				m.UUID = e.UUID
				e.Message = &m
			}
		}
	}

	return e, nil
}

// WithSessionID returns the entry's raw record with its sessionId field
// rewritten, every other byte preserved. Used by fork to retarget copied
// entries at the new session.
func (e *Entry) WithSessionID(sessionID string) ([]byte, error) {
	return sjson.SetBytes(e.Raw, "sessionId", sessionID)
}

// errNotJSON marks a log line that could not be parsed as a JSON object.
// Callers skip such lines silently per the log failure semantics.
var errNotJSON = jsonError("convo: line is not a JSON object")

type jsonError string

func (e jsonError) Error() string { return string(e) }
