// Package ttspump turns the agent's streamed text into speech through a
// persistent synthesis session.
//
// One pump lives for the whole voice session and is reused across many
// converse calls. Streamed text accumulates in a sentence buffer and is
// flushed to the synthesis session as complete read-back turns; the
// returned audio is scheduled on the speaker sink. Interrupting drops
// buffered text and queued audio but keeps both the session and the sink
// alive for the next turn.
package ttspump

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/reduck-ai/reduck/pkg/audio"
	"github.com/reduck-ai/reduck/pkg/speech"
)

const (
	// defaultMinChars is the minimum buffered length before a sentence
	// boundary triggers a flush.
	defaultMinChars = 80

	// defaultMaxWait bounds how long buffered text may sit without a
	// sentence boundary before it is flushed anyway.
	defaultMaxWait = time.Second

	// readPrefix marks flushed text as read-back material so the synthesis
	// model reads it verbatim instead of answering it.
	readPrefix = "[READ]: "

	// defaultInstructions is the system prompt of the synthesis session,
	// reinforcing the read-back contract.
	defaultInstructions = "You are a text-to-speech reader. Read aloud, verbatim and " +
		"without commentary, any text prefixed with [READ]:. Never answer questions or " +
		"add your own words."
)

// sentenceEnds are the boundaries the buffer flushes on.
var sentenceEnds = []string{". ", "! ", "? "}

// ErrClosed is returned by Send after the pump has been closed.
var ErrClosed = fmt.Errorf("ttspump: pump closed")

// Option is a functional option for configuring a Pump.
type Option func(*Pump)

// WithMinChars overrides the minimum buffered length for a sentence flush.
func WithMinChars(n int) Option {
	return func(p *Pump) { p.minChars = n }
}

// WithMaxWait overrides the fallback flush timer.
func WithMaxWait(d time.Duration) Option {
	return func(p *Pump) { p.maxWait = d }
}

// WithVoice selects the synthesis voice.
func WithVoice(voice string) Option {
	return func(p *Pump) { p.voice = voice }
}

// Pump is a sentence-buffered bridge from streamed text to spoken audio.
// All exported methods are safe for concurrent use.
type Pump struct {
	minChars int
	maxWait  time.Duration
	voice    string

	sess speech.SessionHandle
	sink audio.Speaker

	mu           sync.Mutex
	buf          strings.Builder
	pendingSends int
	muted        bool
	finishing    bool
	closed       bool
	timer        *time.Timer

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New connects a synthesis session and starts the pump. The session is a
// dedicated text-in audio-out channel: no tools, no transcription. The
// sink receives the synthesised audio; the pump flushes it on interrupt
// and stops it only on Close.
func New(ctx context.Context, provider speech.Provider, sink audio.Speaker, opts ...Option) (*Pump, error) {
	p := &Pump{
		minChars: defaultMinChars,
		maxWait:  defaultMaxWait,
		sink:     sink,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	sess, err := provider.Connect(ctx, speech.SessionConfig{
		Instructions: defaultInstructions,
		Voice:        p.voice,
	})
	if err != nil {
		return nil, fmt.Errorf("ttspump: connect synthesis session: %w", err)
	}
	p.sess = sess

	p.wg.Add(2)
	go p.audioLoop()
	go p.eventLoop()

	return p, nil
}

// Send appends streamed text to the sentence buffer, flushing complete
// sentences once enough has accumulated. It also re-arms the pump after a
// previous interrupt or finish.
func (p *Pump) Send(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	// A new stream of text re-opens the pump: unmute after interrupt,
	// clear the end-of-stream mark from the previous converse.
	p.muted = false
	p.finishing = false

	p.buf.WriteString(text)
	if err := p.flushSentencesLocked(); err != nil {
		return err
	}
	p.armTimerLocked()
	return nil
}

// Finish marks the end of the current text stream. The remaining buffer
// is flushed regardless of length; once all pending turns complete, the
// pump idles with the session alive for the next converse.
func (p *Pump) Finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.finishing = true
	return p.flushAllLocked()
}

// Interrupt drops everything queued: the sentence buffer, pending turn
// accounting, and the sink's queued audio. Incoming audio is muted until
// the next Send. The session and sink stay open.
func (p *Pump) Interrupt() error {
	p.mu.Lock()
	p.buf.Reset()
	p.pendingSends = 0
	p.finishing = false
	p.muted = true
	p.stopTimerLocked()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}
	// Flush, not Stop: the playback context must survive for reuse.
	return p.sink.Flush()
}

// Close tears the pump down: stops the speaker sink, closes the synthesis
// session, and waits for the internal goroutines. Idempotent.
func (p *Pump) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.buf.Reset()
		p.stopTimerLocked()
		p.mu.Unlock()

		err = p.sink.Stop()
		if cerr := p.sess.Close(); err == nil {
			err = cerr
		}
		p.wg.Wait()
	})
	return err
}

// Done is closed when the synthesis session ends, expectedly or not.
// Check Err afterwards to distinguish.
func (p *Pump) Done() <-chan struct{} { return p.done }

// Err returns the error that terminated the synthesis session, nil after
// a clean shutdown.
func (p *Pump) Err() error { return p.sess.Err() }

// Pending returns the number of flushed turns not yet acknowledged by the
// synthesis session.
func (p *Pump) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingSends
}

// ─── Internal ─────────────────────────────────────────────────────────────────

// flushSentencesLocked flushes the buffer up to and including the last
// sentence boundary, provided at least minChars have accumulated.
func (p *Pump) flushSentencesLocked() error {
	s := p.buf.String()
	if len(s) < p.minChars {
		return nil
	}

	cut := -1
	for _, end := range sentenceEnds {
		if i := strings.LastIndex(s, end); i >= 0 && i+len(end) > cut {
			cut = i + len(end)
		}
	}
	if cut < 0 {
		return nil
	}

	head, tail := s[:cut], s[cut:]
	p.buf.Reset()
	p.buf.WriteString(tail)
	return p.flushTextLocked(head)
}

// flushAllLocked flushes whatever the buffer holds, regardless of length.
func (p *Pump) flushAllLocked() error {
	s := p.buf.String()
	p.buf.Reset()
	p.stopTimerLocked()
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return p.flushTextLocked(s)
}

// flushTextLocked delivers one read-back turn to the synthesis session.
// turnComplete=true is what triggers audio generation.
func (p *Pump) flushTextLocked(text string) error {
	p.pendingSends++
	if err := p.sess.SendText(readPrefix+text, true); err != nil {
		p.pendingSends--
		return fmt.Errorf("ttspump: flush: %w", err)
	}
	return nil
}

// armTimerLocked (re)starts the fallback flush timer while the buffer is
// non-empty.
func (p *Pump) armTimerLocked() {
	p.stopTimerLocked()
	if p.buf.Len() == 0 {
		return
	}
	p.timer = time.AfterFunc(p.maxWait, p.timerFlush)
}

func (p *Pump) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// timerFlush runs when buffered text sat too long without a boundary.
func (p *Pump) timerFlush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	_ = p.flushAllLocked()
}

// audioLoop moves synthesised audio to the sink, dropping chunks while
// muted.
func (p *Pump) audioLoop() {
	defer p.wg.Done()
	for chunk := range p.sess.Audio() {
		p.mu.Lock()
		muted := p.muted || p.closed
		p.mu.Unlock()
		if muted {
			continue
		}
		_ = p.sink.Play(chunk)
	}
}

// eventLoop tracks turn completions for the pending-send accounting.
func (p *Pump) eventLoop() {
	defer p.wg.Done()
	defer close(p.done)
	for ev := range p.sess.Events() {
		if ev.Type != speech.EventTurnComplete {
			continue
		}
		p.mu.Lock()
		if p.pendingSends > 0 {
			p.pendingSends--
		}
		p.mu.Unlock()
	}
}
