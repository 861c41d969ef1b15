package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/reduck-ai/reduck/internal/agentbridge"
	"github.com/reduck-ai/reduck/internal/convstore"
	"github.com/reduck-ai/reduck/pkg/convo"
)

// converseRequest is the body of POST /api/converse. It deliberately
// mirrors the relay client's request type: the two sides share a wire
// shape, not a Go type.
type converseRequest struct {
	Instruction    string `json:"instruction"`
	SessionID      string `json:"session_id,omitempty"`
	LeafUUID       string `json:"leaf_uuid,omitempty"`
	Model          string `json:"model"`
	SystemPrompt   string `json:"system_prompt"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// converseEvent is one SSE event of a converse stream. The terminal event
// has Done set and is emitted exactly once per stream.
type converseEvent struct {
	Text  string              `json:"text,omitempty"`
	Block *convo.ContentBlock `json:"block,omitempty"`

	Done       bool    `json:"done,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// handleConverse runs one agent converse and streams its chunks as SSE.
// Request validation failures are plain JSON errors; once the SSE headers
// are written, every failure mode ends in a terminal done event instead.
func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req converseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	ctx := r.Context()

	// A leaf target means branch: fork the log file first, then resume the
	// forked session so the agent appends to the new branch.
	sessionID := req.SessionID
	fork := false
	if req.SessionID != "" && req.LeafUUID != "" {
		newID, err := s.store.Fork(s.store.SessionPath(req.SessionID), req.LeafUUID)
		if err != nil {
			if errors.Is(err, convstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Sprintf("session %s has no entry %s", req.SessionID, req.LeafUUID))
				return
			}
			writeError(w, http.StatusInternalServerError, "forking conversation failed")
			return
		}
		sessionID = newID
		fork = true
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev converseEvent) {
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("marshal converse event", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	start := time.Now()
	s.metrics.ActiveConverses.Add(ctx, 1)
	defer s.metrics.ActiveConverses.Add(ctx, -1)

	opts := agentbridge.Options{
		Model:           req.Model,
		SystemPrompt:    req.SystemPrompt,
		Cwd:             s.projectCwd,
		SessionID:       sessionID,
		PermissionMode:  agentbridge.PermissionMode(req.PermissionMode),
		Fork:            fork,
		AllowedTools:    s.agentDefaults.AllowedTools,
		DisallowedTools: s.agentDefaults.DisallowedTools,
	}
	if opts.Model == "" {
		opts.Model = s.agentDefaults.Model
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = s.agentDefaults.SystemPrompt
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = agentbridge.PermissionMode(s.agentDefaults.PermissionMode)
	}

	chunks, err := s.agent.Converse(ctx, req.Instruction, opts)
	if err != nil {
		slog.Error("spawn agent", "error", err)
		s.metrics.RecordConverseError(ctx, "spawn")
		send(converseEvent{Done: true, Error: err.Error()})
		return
	}

	for chunk := range chunks {
		switch c := chunk.(type) {
		case agentbridge.TextDelta:
			s.metrics.RecordChunk(ctx, "text")
			send(converseEvent{Text: c.Text})
		case agentbridge.BlockChunk:
			s.metrics.RecordChunk(ctx, "block")
			block := c.Block
			send(converseEvent{Block: &block})
		case agentbridge.Result:
			s.metrics.RecordChunk(ctx, "result")
			status := "ok"
			if c.Error != "" {
				status = "error"
				s.metrics.RecordConverseError(ctx, "agent")
			}
			s.metrics.RecordConverse(ctx, time.Since(start).Seconds(), status)
			send(converseEvent{
				Done:       true,
				SessionID:  c.SessionID,
				CostUSD:    c.CostUSD,
				DurationMs: c.DurationMs,
				Error:      c.Error,
			})
			return
		}
	}

	// The bridge guarantees a terminal Result, so reaching here means the
	// channel closed early. Still give the consumer its done event.
	s.metrics.RecordConverseError(ctx, "stream")
	s.metrics.RecordConverse(ctx, time.Since(start).Seconds(), "error")
	send(converseEvent{Done: true, Error: "agent stream ended unexpectedly"})
}
