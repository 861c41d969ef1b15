// Package convo defines the conversation data model shared by the
// conversation store, the agent bridge, and the voice relay: content
// blocks, messages, and the persisted log-entry variants.
//
// The types mirror the agent's append-only JSONL log format. Parsing is
// deliberately lenient — unknown fields are ignored and unknown entry
// variants are retained verbatim so that a fork can rewrite a log without
// losing information it does not understand.
package convo

import (
	"encoding/json"
	"fmt"
)

// Block type tags as they appear on the wire.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ImageSource is the payload of an image content block.
type ImageSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64-encoded
}

// ContentBlock is one tagged variant of message content. Exactly one
// variant's fields are populated, selected by Type. All optional fields
// carry omitempty so that encoding drops null-valued fields — decoding an
// encoded block yields an equal block.
type ContentBlock struct {
	Type string `json:"type"`

	// Text is the body of a text block.
	Text string `json:"text,omitempty"`

	// Thinking and Signature belong to thinking blocks.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// ID, Name, and Input belong to tool_use blocks. Input is arbitrary
	// JSON and is kept raw so round-trips preserve it byte-for-byte.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID and Content belong to tool_result blocks. Content is either
	// a JSON string or a list of objects; it is kept raw.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// Source belongs to image blocks.
	Source *ImageSource `json:"source,omitempty"`
}

// ResultText extracts a plain-text rendering of a tool_result block's
// content: a JSON string decodes directly; a list of objects contributes
// the text of every {"type":"text"} element.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &items); err != nil {
		return ""
	}
	out := ""
	for _, it := range items {
		if it.Type == BlockText {
			out += it.Text
		}
	}
	return out
}

// MessageContent holds either a raw string (typical for user messages) or
// a sequence of content blocks (always the case for assistant messages).
// Exactly one of the two representations is active; IsText reports which.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	isText bool
}

// TextContent builds a raw-string content value.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text, isText: true}
}

// BlockContent builds a block-sequence content value.
func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// IsText reports whether the content is a raw string rather than blocks.
func (c MessageContent) IsText() bool { return c.isText }

// PlainText renders the content as plain text: the raw string itself, or
// the concatenation of all text blocks.
func (c MessageContent) PlainText() string {
	if c.isText {
		return c.Text
	}
	out := ""
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// MarshalJSON encodes the raw string directly or the block list.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts either a JSON string or an array of blocks.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent{Text: s, isText: true}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("convo: content is neither string nor block list: %w", err)
	}
	*c = MessageContent{Blocks: blocks}
	return nil
}

// Message is one conversational turn. UUID is set when the message came
// from a persisted log entry and is empty for live, uncommitted turns.
type Message struct {
	Role    string         `json:"role"`
	UUID    string         `json:"uuid,omitempty"`
	Content MessageContent `json:"content"`
}

// UserMessage builds a raw-string user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: TextContent(text)}
}

// AssistantMessage builds an assistant message from blocks.
func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Content: BlockContent(blocks...)}
}
