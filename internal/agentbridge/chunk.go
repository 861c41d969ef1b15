package agentbridge

import "github.com/reduck-ai/reduck/pkg/convo"

// Chunk is one element of a normalized converse stream. Implementations:
// [TextDelta], [BlockChunk], [Result]. A stream is an ordered sequence of
// text deltas and block chunks terminated by exactly one Result.
type Chunk interface {
	isChunk()
}

// TextDelta carries an incremental piece of assistant text.
type TextDelta struct {
	Text string
}

// BlockChunk carries one structured content block: a tool_use announced
// by the assistant or a tool_result echoed back on the user channel.
type BlockChunk struct {
	Block convo.ContentBlock
}

// Result terminates a converse stream.
type Result struct {
	// SessionID identifies the agent session this converse ran in (new or
	// resumed). Empty when the agent never got far enough to report one.
	SessionID string

	// CostUSD is the agent-reported total cost, zero when unknown.
	CostUSD float64

	// DurationMs is the agent-reported wall time.
	DurationMs int64

	// Error is non-empty on failure.
	Error string
}

func (TextDelta) isChunk()  {}
func (BlockChunk) isChunk() {}
func (Result) isChunk()     {}
