package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/reduck-ai/reduck/pkg/convo"
)

// maxEventLine bounds a single SSE data line.
const maxEventLine = 16 * 1024 * 1024

// ConverseRequest is the body of POST /api/converse.
type ConverseRequest struct {
	Instruction    string `json:"instruction"`
	SessionID      string `json:"session_id,omitempty"`
	LeafUUID       string `json:"leaf_uuid,omitempty"`
	Model          string `json:"model"`
	SystemPrompt   string `json:"system_prompt"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// ConverseEvent is one decoded SSE event of a converse stream.
type ConverseEvent struct {
	Text  string              `json:"text,omitempty"`
	Block *convo.ContentBlock `json:"block,omitempty"`

	Done       bool    `json:"done,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Client consumes the stream relay's converse endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a converse client for the given base URL
// (e.g. "http://127.0.0.1:8177").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// PathMessage is one user/assistant entry of a session's active path, as
// served by the stream relay.
type PathMessage struct {
	Role string
	UUID string
}

// Path fetches the message entries of a session's root-to-leaf path.
// Entries that fail to parse are skipped, matching the log's lenient read
// semantics.
func (c *Client) Path(ctx context.Context, sessionID string) ([]PathMessage, error) {
	url := c.baseURL + "/api/sessions/" + sessionID + "/path?filter=messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: build path request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: path request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay: path request: unexpected status %d", resp.StatusCode)
	}

	var raws []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raws); err != nil {
		return nil, fmt.Errorf("relay: decode path response: %w", err)
	}
	out := make([]PathMessage, 0, len(raws))
	for _, raw := range raws {
		e, err := convo.ParseEntry(raw)
		if err != nil || e.Message == nil {
			continue
		}
		out = append(out, PathMessage{Role: e.Message.Role, UUID: e.UUID})
	}
	return out, nil
}

// Stream is one in-flight converse. Events is closed when the stream
// ends: after the terminal done event, after Abort, or on transport
// failure (check Err).
type Stream struct {
	events chan ConverseEvent
	cancel context.CancelFunc

	mu      sync.Mutex
	aborted bool
	err     error

	abortOnce sync.Once
}

// Converse opens a converse stream. The returned Stream's events arrive
// in server order; the terminal event carries done=true.
func (c *Client) Converse(ctx context.Context, req ConverseRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal converse request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/converse", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay: build converse request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay: converse request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("relay: converse request: unexpected status %d", resp.StatusCode)
	}

	st := &Stream{
		events: make(chan ConverseEvent, 16),
		cancel: cancel,
	}
	go st.readLoop(resp)
	return st, nil
}

// Events returns the stream's event channel.
func (s *Stream) Events() <-chan ConverseEvent { return s.events }

// Abort cancels the stream. Idempotent; events arriving after the first
// call are dropped.
func (s *Stream) Abort() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		s.mu.Unlock()
		s.cancel()
	})
}

// Err reports a transport or decode failure, nil after a clean terminal
// event or an abort. Valid once Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// readLoop parses `data:` lines off the SSE body and forwards decoded
// events until the terminal event, an abort, or EOF.
func (s *Stream) readLoop(resp *http.Response) {
	defer close(s.events)
	defer resp.Body.Close()
	defer s.cancel()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	sawDone := false
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var ev ConverseEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue // skip malformed events
		}

		s.mu.Lock()
		aborted := s.aborted
		s.mu.Unlock()
		if aborted {
			return
		}

		s.events <- ev
		if ev.Done {
			sawDone = true
			break
		}
	}

	if sawDone {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	if err := sc.Err(); err != nil {
		s.err = fmt.Errorf("relay: converse stream: %w", err)
		return
	}
	s.err = fmt.Errorf("relay: converse stream ended without terminal event")
}
