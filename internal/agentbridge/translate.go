package agentbridge

import (
	"encoding/json"
	"strings"

	"github.com/reduck-ai/reduck/pkg/convo"
)

// streamEvent is one NDJSON line of the agent's stream-json output. Only
// the fields the translator consumes are decoded.
type streamEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`

	// result fields
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// partialEvent is the inner envelope of a stream_event line.
type partialEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// messagePayload is the message body of assistant and user-echo events.
type messagePayload struct {
	Content []convo.ContentBlock `json:"content"`
}

// translator converts raw agent events into chunks. It is single-use: one
// translator per converse stream.
type translator struct {
	done bool
}

func newTranslator() *translator {
	return &translator{}
}

// Done reports whether the terminal Result has been produced. Events
// translated after that point yield nothing.
func (t *translator) Done() bool { return t.done }

// Translate converts one event line into zero or more chunks. Malformed
// lines and unrecognised event types yield nothing.
func (t *translator) Translate(line []byte) []Chunk {
	if t.done || len(line) == 0 {
		return nil
	}
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "stream_event":
		return t.translatePartial(ev.Event)
	case "assistant":
		return t.translateBlocks(ev.Message, convo.BlockToolUse)
	case "user":
		return t.translateBlocks(ev.Message, convo.BlockToolResult)
	case "result":
		t.done = true
		return []Chunk{t.translateResult(&ev)}
	}
	return nil
}

// translatePartial extracts text deltas from partial assistant messages.
// Deltas with empty text are skipped.
func (t *translator) translatePartial(raw json.RawMessage) []Chunk {
	if len(raw) == 0 {
		return nil
	}
	var pe partialEvent
	if err := json.Unmarshal(raw, &pe); err != nil {
		return nil
	}
	if pe.Type != "content_block_delta" || pe.Delta.Type != "text_delta" || pe.Delta.Text == "" {
		return nil
	}
	return []Chunk{TextDelta{Text: pe.Delta.Text}}
}

// translateBlocks emits a BlockChunk for every content block of the
// wanted type inside a full message event.
func (t *translator) translateBlocks(raw json.RawMessage, wantType string) []Chunk {
	if len(raw) == 0 {
		return nil
	}
	var mp messagePayload
	if err := json.Unmarshal(raw, &mp); err != nil {
		return nil
	}
	var out []Chunk
	for _, b := range mp.Content {
		if b.Type == wantType {
			out = append(out, BlockChunk{Block: b})
		}
	}
	return out
}

// translateResult builds the terminal Result chunk. On error the message
// is the joined error list, or the result value coerced to text when no
// list was provided.
func (t *translator) translateResult(ev *streamEvent) Result {
	res := Result{
		SessionID:  ev.SessionID,
		CostUSD:    ev.CostUSD,
		DurationMs: ev.DurationMs,
	}
	if !ev.IsError {
		return res
	}

	switch {
	case len(ev.Errors) > 0:
		res.Error = strings.Join(ev.Errors, "; ")
	case len(ev.Result) > 0:
		var s string
		if err := json.Unmarshal(ev.Result, &s); err == nil {
			res.Error = s
		} else {
			res.Error = string(ev.Result)
		}
	default:
		res.Error = "agent reported an error"
	}
	return res
}
