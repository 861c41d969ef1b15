// Package mock provides in-memory mock implementations of the
// [audio.Source] and [audio.Speaker] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments.
//
// Typical usage:
//
//	src := mock.NewSource()
//	src.Push([]byte{0x01, 0x02})
//	spk := &mock.Speaker{}
//	// ... run the code under test ...
//	if spk.FlushCallCount != 1 { ... }
package mock

import (
	"sync"

	"github.com/reduck-ai/reduck/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Push chunks in with
// [Source.Push]; Close closes the channel exactly once.
type Source struct {
	mu sync.Mutex

	ch     chan []byte
	closed bool

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseCallCount records how many times Close was called.
	CloseCallCount int
}

// NewSource creates a Source with a buffered chunk channel.
func NewSource() *Source {
	return &Source{ch: make(chan []byte, 64)}
}

// Push delivers one chunk to the Chunks channel. Pushing after Close
// panics, mirroring a misuse of a real device.
func (s *Source) Push(chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.ch <- cp
}

// Chunks implements [audio.Source].
func (s *Source) Chunks() <-chan []byte { return s.ch }

// Close implements [audio.Source]. Closes the channel on first call.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.CloseErr
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker]. It records played
// chunks and the order of lifecycle calls.
type Speaker struct {
	mu sync.Mutex

	// PlayErr, FlushErr, StopErr are returned by the respective methods.
	PlayErr  error
	FlushErr error
	StopErr  error

	// Played records a copy of every chunk passed to Play, in order.
	Played [][]byte

	// FlushCallCount records how many times Flush was called.
	FlushCallCount int

	// StopCallCount records how many times Stop was called.
	StopCallCount int
}

// Play implements [audio.Speaker]. Records a copy of chunk.
func (s *Speaker) Play(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Played = append(s.Played, cp)
	return s.PlayErr
}

// Flush implements [audio.Speaker]. Records the call.
func (s *Speaker) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCallCount++
	return s.FlushErr
}

// Stop implements [audio.Speaker]. Records the call.
func (s *Speaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCallCount++
	return s.StopErr
}

// PlayedCount returns the number of Play calls so far. Thread-safe.
func (s *Speaker) PlayedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}

// Ensure Speaker implements audio.Speaker at compile time.
var _ audio.Speaker = (*Speaker)(nil)
