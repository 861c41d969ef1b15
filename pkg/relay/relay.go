package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/reduck-ai/reduck/pkg/audio"
	"github.com/reduck-ai/reduck/pkg/convo"
	"github.com/reduck-ai/reduck/pkg/keyword"
	"github.com/reduck-ai/reduck/pkg/speech"
)

// Mode selects how converse tool calls are executed.
type Mode string

const (
	// ModeDirect executes converse instructions immediately.
	ModeDirect Mode = "direct"

	// ModeReview holds each converse instruction for accept/reject,
	// gating mic audio until resolved.
	ModeReview Mode = "review"
)

// IsValid reports whether m is a recognised relay mode.
func (m Mode) IsValid() bool {
	return m == ModeDirect || m == ModeReview
}

// Tool names declared to the speech model.
const (
	toolConverse = "converse"
	toolStop     = "stop"
)

// defaultInstructions is the speech session's system prompt.
const defaultInstructions = "You are a voice interface to a coding agent. When the user asks " +
	"for code work, call the converse tool with a precise instruction. When the user wants to " +
	"halt the agent, call the stop tool. Keep spoken replies short."

// Pump is the slice of the TTS pump the relay drives.
type Pump interface {
	Send(text string) error
	Finish() error
	Interrupt() error
	Close() error
}

// Option is a functional option for configuring a Relay.
type Option func(*Relay)

// WithMode selects direct or review execution. Default: review.
func WithMode(m Mode) Option { return func(r *Relay) { r.mode = m } }

// WithModel sets the agent model forwarded on converse requests.
func WithModel(model string) Option { return func(r *Relay) { r.model = model } }

// WithSystemPrompt sets the agent system prompt forwarded on converse requests.
func WithSystemPrompt(p string) Option { return func(r *Relay) { r.systemPrompt = p } }

// WithPermissionMode sets the agent permission mode forwarded on converse requests.
func WithPermissionMode(m string) Option { return func(r *Relay) { r.permissionMode = m } }

// WithSessionID resumes an existing agent session.
func WithSessionID(id string) Option { return func(r *Relay) { r.sessionID = id } }

// WithVoice selects the speech model voice.
func WithVoice(v string) Option { return func(r *Relay) { r.voice = v } }

// WithAcceptWords sets the approval accept keywords. Default: {"proceed", "yes"}.
func WithAcceptWords(words []string) Option { return func(r *Relay) { r.acceptWords = words } }

// WithRejectWords sets the approval reject keywords. Default: {"reject", "no"}.
func WithRejectWords(words []string) Option { return func(r *Relay) { r.rejectWords = words } }

// WithStopWords sets the converse-abort keywords. Default: keyword.DefaultStopWords.
func WithStopWords(words []string) Option { return func(r *Relay) { r.stopWords = words } }

// WithUtteranceHandler registers a callback fired on every utterance
// commit with the committed text.
func WithUtteranceHandler(fn func(text string)) Option {
	return func(r *Relay) { r.onUtterance = fn }
}

// WithToolHandler registers a local handler for an additional declared
// tool. The returned map becomes the tool response payload.
func WithToolHandler(name string, decl speech.ToolDeclaration, fn func(args json.RawMessage) map[string]any) Option {
	return func(r *Relay) {
		r.extraTools = append(r.extraTools, decl)
		r.toolHandlers[name] = fn
	}
}

// Relay owns one speech session and zero-or-one in-flight converse. All
// exported methods are safe for concurrent use; state mutation funnels
// through the store's single-writer mutators.
type Relay struct {
	provider speech.Provider
	client   *Client
	pump     Pump
	mic      audio.Source
	speaker  audio.Speaker
	store    *Store

	mode           Mode
	model          string
	systemPrompt   string
	permissionMode string
	voice          string
	acceptWords    []string
	rejectWords    []string
	stopWords      []string
	onUtterance    func(string)
	extraTools     []speech.ToolDeclaration
	toolHandlers   map[string]func(json.RawMessage) map[string]any

	mu             sync.Mutex
	sess           speech.SessionHandle
	sessionID      string
	leafUUID       string
	gated          bool
	closed         bool
	expectedClose  bool
	converseActive bool
	stream         *Stream
	instrIdx       int
	stopListener   *keyword.Listener
	acceptListener *keyword.Listener
	pending        *approval
	droppedChunks  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an idle relay. speaker renders the speech model's own
// audio; the TTS pump owns its separate sink.
func New(provider speech.Provider, client *Client, pump Pump, mic audio.Source, speaker audio.Speaker, store *Store, opts ...Option) *Relay {
	r := &Relay{
		provider:     provider,
		client:       client,
		pump:         pump,
		mic:          mic,
		speaker:      speaker,
		store:        store,
		mode:         ModeReview,
		acceptWords:  []string{"proceed", "yes"},
		rejectWords:  []string{"reject", "no"},
		stopWords:    keyword.DefaultStopWords,
		toolHandlers: make(map[string]func(json.RawMessage) map[string]any),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Connect opens the speech session with the declared tools and starts
// the mic forwarder and event loop.
func (r *Relay) Connect(ctx context.Context) error {
	r.store.SetStatus(StatusConnecting)

	tools := append([]speech.ToolDeclaration{
		{
			Name:        toolConverse,
			Description: "Send an instruction to the coding agent and stream its work back.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"instruction": map[string]any{"type": "string"},
				},
				"required": []string{"instruction"},
			},
		},
		{
			Name:        toolStop,
			Description: "Stop the agent's current work immediately.",
		},
	}, r.extraTools...)

	sess, err := r.provider.Connect(ctx, speech.SessionConfig{
		Instructions:        defaultInstructions,
		Voice:               r.voice,
		Tools:               tools,
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		r.store.SetStatus(StatusIdle)
		return fmt.Errorf("relay: connect speech session: %w", err)
	}

	r.mu.Lock()
	r.sess = sess
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	r.store.SetStatus(StatusConnected)
	if r.sessionID != "" {
		r.store.SetSessionID(r.sessionID)
	}

	r.wg.Add(3)
	go r.micLoop(sess)
	go r.audioLoop(sess)
	go r.eventLoop(sess)
	return nil
}

// Accept resolves a pending approval in the affirmative. Safe to call
// concurrently with the voice path; only the first resolution lands.
func (r *Relay) Accept() {
	r.mu.Lock()
	p := r.pending
	r.mu.Unlock()
	if p != nil {
		p.resolve(true)
	}
}

// Reject resolves a pending approval in the negative.
func (r *Relay) Reject() {
	r.mu.Lock()
	p := r.pending
	r.mu.Unlock()
	if p != nil {
		p.resolve(false)
	}
}

// FeedAmbientText feeds recognized text from a pipeline other than the
// speech socket into the active keyword listener. Keyword aborts must
// work while the speech socket is frozen, so this path never touches the
// session.
func (r *Relay) FeedAmbientText(text string) {
	r.mu.Lock()
	accept := r.acceptListener
	stop := r.stopListener
	r.mu.Unlock()

	if accept != nil {
		accept.Feed(text)
	}
	if stop != nil {
		stop.Feed(text)
	}
}

// AbortConverse aborts any in-flight converse. Idempotent.
func (r *Relay) AbortConverse() {
	r.abortConverse()
}

// Rewind truncates the committed log to its first n messages and starts
// a fresh converse forked at the last kept message. The fork's new
// session id is adopted when the done event reports it.
func (r *Relay) Rewind(n int, instruction string) error {
	r.abortConverse()

	r.mu.Lock()
	if p := r.pending; p != nil && p.abandon() {
		r.pending = nil
		r.ungateLocked()
	}
	r.mu.Unlock()
	r.store.SetApproval(nil)
	r.store.ClearTool()

	msgs := r.store.Messages()
	if n <= 0 || n > len(msgs) {
		return fmt.Errorf("relay: rewind index %d out of range", n)
	}
	leaf := msgs[n-1].UUID
	if leaf == "" {
		return fmt.Errorf("relay: message %d has no conversation uuid", n-1)
	}

	r.store.Truncate(n)
	r.mu.Lock()
	r.leafUUID = leaf
	r.mu.Unlock()

	return r.startConverse(instruction)
}

// Close tears the session down: marks the close expected, aborts any
// converse, closes the TTS pump, the mic, and the speech session.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.expectedClose = true
	if p := r.pending; p != nil {
		p.abandon()
		r.pending = nil
	}
	sess := r.sess
	cancel := r.cancel
	r.mu.Unlock()

	r.abortConverse()
	_ = r.pump.Close()
	_ = r.mic.Close()
	if cancel != nil {
		cancel()
	}
	var err error
	if sess != nil {
		err = sess.Close()
	}
	r.wg.Wait()
	r.store.SetStatus(StatusClosed)
	return err
}

// ─── Loops ───────────────────────────────────────────────────────────────────

// micLoop forwards mic audio verbatim, dropping chunks while gated by an
// approval hold. Gated chunks must never reach the speech server or they
// replay as a phantom utterance after unfreeze.
func (r *Relay) micLoop(sess speech.SessionHandle) {
	defer r.wg.Done()
	for chunk := range r.mic.Chunks() {
		r.mu.Lock()
		drop := r.gated || r.closed
		if drop {
			r.droppedChunks++
		}
		r.mu.Unlock()
		if drop {
			continue
		}
		if err := sess.SendAudio(chunk); err != nil {
			slog.Debug("relay: mic forward failed", "error", err)
		}
	}
}

// audioLoop plays the speech model's own audio.
func (r *Relay) audioLoop(sess speech.SessionHandle) {
	defer r.wg.Done()
	if r.speaker == nil {
		audio.Drain(sess.Audio())
		return
	}
	for chunk := range sess.Audio() {
		_ = r.speaker.Play(chunk)
	}
}

// eventLoop dispatches server-side session events until the session
// ends.
func (r *Relay) eventLoop(sess speech.SessionHandle) {
	defer r.wg.Done()

	for ev := range sess.Events() {
		switch ev.Type {
		case speech.EventInputTranscription:
			r.store.AppendPendingInput(ev.Text)
			r.FeedAmbientText(ev.Text)
		case speech.EventOutputTranscription:
			r.store.AppendVoiceAssistant(ev.Text)
		case speech.EventToolCall:
			if ev.Tool != nil {
				r.handleToolCall(sess, ev.Tool)
			}
		case speech.EventInterrupted:
			r.abortConverse()
			r.commitUtterance()
		case speech.EventGoAway:
			r.store.PushToast("Voice session ending soon")
		case speech.EventTurnComplete:
			// Turn boundaries only matter for the TTS pump's own session.
		}
	}

	r.sessionEnded(sess)
}

// sessionEnded runs once the speech session closes. An unexpected close
// aborts everything and surfaces a toast; committed messages stay.
func (r *Relay) sessionEnded(sess speech.SessionHandle) {
	r.mu.Lock()
	expected := r.expectedClose
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()

	if expected {
		return
	}

	slog.Warn("relay: speech session closed unexpectedly", "error", sess.Err())
	r.abortConverse()
	_ = r.pump.Close()
	_ = r.mic.Close()
	if cancel != nil {
		cancel()
	}
	r.store.PushToast("Voice session disconnected")
	r.store.SetStatus(StatusClosed)
}

// ─── Tool dispatch ───────────────────────────────────────────────────────────

// handleToolCall runs with the speech session frozen: the server waits
// for the tool response before producing anything further.
func (r *Relay) handleToolCall(sess speech.SessionHandle, tc *speech.ToolCall) {
	// The turn the user just spoke commits before any tool effect.
	r.commitUtterance()

	switch tc.Name {
	case toolStop:
		r.abortConverse()
		r.respond(sess, tc, map[string]any{"result": "stopped"})

	case toolConverse:
		var args struct {
			Instruction string `json:"instruction"`
		}
		if err := json.Unmarshal(tc.Args, &args); err != nil || args.Instruction == "" {
			r.respond(sess, tc, map[string]any{"error": "converse requires an instruction"})
			return
		}
		r.store.SetTool(&PendingTool{
			Name:      tc.Name,
			Args:      string(tc.Args),
			Streaming: true,
		})
		if r.mode == ModeDirect {
			r.respond(sess, tc, map[string]any{"result": "done"})
			if err := r.startConverse(args.Instruction); err != nil {
				r.store.PushToast("Agent start failed")
				slog.Error("relay: converse start", "error", err)
			}
			return
		}
		r.enterApprovalHold(sess, tc, args.Instruction)

	default:
		if handler, ok := r.toolHandlers[tc.Name]; ok {
			r.respond(sess, tc, handler(tc.Args))
			return
		}
		r.respond(sess, tc, map[string]any{"error": fmt.Sprintf("Unknown tool: %s", tc.Name)})
	}
}

// enterApprovalHold gates the mic, reads the instruction back over TTS,
// arms accept/reject keywords, and presents the approval to the UI. The
// hold resolves exactly once.
func (r *Relay) enterApprovalHold(sess speech.SessionHandle, tc *speech.ToolCall, instruction string) {
	execute := func() {
		r.clearApprovalState()
		r.respond(sess, tc, map[string]any{"result": "done"})
		if err := r.startConverse(instruction); err != nil {
			r.store.PushToast("Agent start failed")
			slog.Error("relay: converse start", "error", err)
		}
	}
	cancel := func() {
		r.clearApprovalState()
		r.store.ClearTool()
		r.respond(sess, tc, map[string]any{"status": "rejected"})
	}

	p := newApproval(instruction, execute, cancel)
	bindings := make(map[string]func())
	for _, w := range r.acceptWords {
		bindings[w] = func() { p.resolve(true) }
	}
	for _, w := range r.rejectWords {
		bindings[w] = func() { p.resolve(false) }
	}

	r.mu.Lock()
	r.gated = true
	r.pending = p
	r.acceptListener = keyword.New(bindings)
	r.mu.Unlock()

	r.store.SetApproval(&PendingApproval{Instruction: instruction})
	_ = r.pump.Send(instruction)
	_ = r.pump.Finish()
}

// clearApprovalState ungates the mic and retires the approval listener.
func (r *Relay) clearApprovalState() {
	r.mu.Lock()
	r.pending = nil
	r.ungateLocked()
	r.mu.Unlock()
	r.store.SetApproval(nil)
}

func (r *Relay) ungateLocked() {
	r.gated = false
	if r.acceptListener != nil {
		r.acceptListener.Stop()
		r.acceptListener = nil
	}
}

// respond answers a frozen tool call; failures mean the session is gone
// and are only logged.
func (r *Relay) respond(sess speech.SessionHandle, tc *speech.ToolCall, payload map[string]any) {
	if err := sess.RespondTool(tc.ID, tc.Name, payload); err != nil {
		slog.Debug("relay: tool response failed", "tool", tc.Name, "error", err)
	}
}

// commitUtterance flushes pending input into the committed log and
// signals external collaborators.
func (r *Relay) commitUtterance() {
	text := r.store.CommitUtterance()
	if text != "" && r.onUtterance != nil {
		r.onUtterance(text)
	}
}

// ─── Converse lifecycle ──────────────────────────────────────────────────────

// startConverse records the instruction, opens the SSE stream, arms the
// stop-word listener, and consumes events until the terminal one.
func (r *Relay) startConverse(instruction string) error {
	instrIdx := r.store.CommitUser(instruction)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("relay: session closed")
	}
	req := ConverseRequest{
		Instruction:    instruction,
		SessionID:      r.sessionID,
		LeafUUID:       r.leafUUID,
		Model:          r.model,
		SystemPrompt:   r.systemPrompt,
		PermissionMode: r.permissionMode,
	}
	r.leafUUID = ""
	ctx := r.ctx
	r.mu.Unlock()

	stream, err := r.client.Converse(ctx, req)
	if err != nil {
		r.store.ClearTool()
		return fmt.Errorf("relay: open converse: %w", err)
	}

	r.mu.Lock()
	r.stream = stream
	r.converseActive = true
	r.instrIdx = instrIdx
	r.stopListener = keyword.New(stopBindings(r.stopWords, r.abortConverse))
	r.mu.Unlock()

	// Ensure a pending tool exists even when the converse came from the
	// UI (rewind) rather than a speech tool call.
	if r.store.Snapshot().Tool == nil {
		r.store.SetTool(&PendingTool{Name: toolConverse, Streaming: true})
	}

	r.wg.Add(1)
	go r.consumeStream(stream)
	return nil
}

// stopBindings maps every stop word to the abort action.
func stopBindings(words []string, abort func()) map[string]func() {
	bindings := make(map[string]func(), len(words))
	for _, w := range words {
		bindings[w] = abort
	}
	return bindings
}

// consumeStream applies converse events to the store and the TTS pump.
// Events already buffered when an abort lands are drained without effect:
// a Send after the abort's Interrupt would un-mute the pump and speak
// agent text the user just stopped.
func (r *Relay) consumeStream(stream *Stream) {
	defer r.wg.Done()

	for ev := range stream.Events() {
		r.mu.Lock()
		live := r.converseActive && r.stream == stream
		r.mu.Unlock()
		if !live {
			continue
		}

		switch {
		case ev.Text != "":
			r.store.AppendToolText(ev.Text)
			_ = r.pump.Send(ev.Text)

		case ev.Block != nil:
			r.store.AppendToolBlock(*ev.Block)

		case ev.Done:
			if ev.Error != "" {
				r.store.PushToast("Agent error: " + ev.Error)
				r.abortConverse()
				return
			}
			if ev.SessionID != "" {
				r.mu.Lock()
				r.sessionID = ev.SessionID
				r.mu.Unlock()
				r.store.SetSessionID(ev.SessionID)
			}
			r.finishConverse(stream)
			return
		}
	}

	// Stream ended without a terminal event: abort unless one already ran.
	if err := stream.Err(); err != nil {
		r.store.PushToast("Agent stream failed")
		slog.Warn("relay: converse stream", "error", err)
	}
	r.abortConverse()
}

// finishConverse closes out a successful converse: the tool stream is
// done, remaining TTS text flushes, and the accumulated tool output
// commits as an assistant message.
func (r *Relay) finishConverse(stream *Stream) {
	r.mu.Lock()
	if !r.converseActive || r.stream != stream {
		r.mu.Unlock()
		return
	}
	r.converseActive = false
	r.stream = nil
	if r.stopListener != nil {
		r.stopListener.Stop()
		r.stopListener = nil
	}
	instrIdx := r.instrIdx
	sessionID := r.sessionID
	ctx := r.ctx
	r.mu.Unlock()

	r.store.FinishToolStream()
	_ = r.pump.Finish()
	toolIdx := r.store.CommitTool()
	r.backfillUUIDs(ctx, sessionID, instrIdx, toolIdx)
}

// backfillUUIDs links the turns a finished converse committed to their
// conversation-log entries: the instruction to the path's last user entry,
// the assistant output to the path's leaf. Without the link those messages
// could never serve as rewind targets.
func (r *Relay) backfillUUIDs(ctx context.Context, sessionID string, instrIdx, toolIdx int) {
	if sessionID == "" || ctx == nil {
		return
	}
	refs, err := r.client.Path(ctx, sessionID)
	if err != nil {
		slog.Debug("relay: uuid backfill", "error", err)
		return
	}

	var lastUser, leaf string
	for _, ref := range refs {
		if ref.UUID == "" {
			continue
		}
		leaf = ref.UUID
		if ref.Role == convo.RoleUser {
			lastUser = ref.UUID
		}
	}
	r.store.SetMessageUUID(instrIdx, lastUser)
	r.store.SetMessageUUID(toolIdx, leaf)
}

// abortConverse cancels an in-flight converse: SSE read stops, TTS
// interrupts (sink flushed, not stopped), the stop listener retires, and
// the pending tool commits with whatever accumulated. Idempotent.
func (r *Relay) abortConverse() {
	r.mu.Lock()
	if !r.converseActive {
		r.mu.Unlock()
		return
	}
	r.converseActive = false
	stream := r.stream
	r.stream = nil
	if r.stopListener != nil {
		r.stopListener.Stop()
		r.stopListener = nil
	}
	r.mu.Unlock()

	if stream != nil {
		stream.Abort()
	}
	_ = r.pump.Interrupt()
	r.store.FinishToolStream()
	r.store.CommitTool()
}

// DroppedChunks reports how many mic chunks were withheld by gating.
func (r *Relay) DroppedChunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedChunks
}

// SessionID returns the current agent session id.
func (r *Relay) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}
