// Package keyword implements the keyword listener fed by live
// transcription text. A listener binds spoken words to callbacks and
// fires them when a matching word is recognized, tolerating the
// transcription mangling real speech produces ("stop" heard as "stopp",
// "nevermind" as "never mind").
//
// Matching runs in two stages: Double Metaphone phonetic codes filter
// candidates, Jaro-Winkler similarity ranks them. Exact token matches
// short-circuit both.
//
// The listener delivers a callback every time its word is recognized;
// exactly-once resolution is the caller's job (the voice relay guards
// approvals with a resolve-once flag).
package keyword

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// DefaultStopWords is the built-in set of words that abort an in-flight
// converse when spoken.
var DefaultStopWords = []string{"stop", "cancel", "nevermind"}

// Option is a functional option for configuring a Listener.
type Option func(*Listener)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for
// a phonetically-matched word to fire. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(l *Listener) { l.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic overlap exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(l *Listener) { l.fuzzyThreshold = threshold }
}

// binding pairs a bound word with its callback and precomputed codes.
type binding struct {
	word     string
	codes    map[string]struct{}
	callback func()
}

// Listener matches transcription text against bound words. Safe for
// concurrent use; Stop is idempotent and makes all further Feed calls
// no-ops.
type Listener struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	mu       sync.Mutex
	bindings []binding
	stopped  bool
}

// New creates a Listener with the given word→callback bindings. Words are
// matched case-insensitively.
func New(bindings map[string]func(), opts ...Option) *Listener {
	l := &Listener{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(l)
	}
	for word, cb := range bindings {
		w := strings.ToLower(strings.TrimSpace(word))
		if w == "" || cb == nil {
			continue
		}
		l.bindings = append(l.bindings, binding{
			word:     w,
			codes:    phoneticCodes(w),
			callback: cb,
		})
	}
	return l
}

// Feed scans one fragment of transcription text and fires the callback of
// every bound word recognized in it, at most once per word per call.
func (l *Listener) Feed(text string) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	bindings := l.bindings
	l.mu.Unlock()

	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return
	}

	for _, b := range bindings {
		if l.matches(b, tokens) {
			b.callback()
		}
	}
}

// Stop deactivates the listener. Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

// matches reports whether any token (or adjacent token pair, for split
// words like "never mind") matches the binding.
func (l *Listener) matches(b binding, tokens []string) bool {
	for i, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:'\"")
		if tok == "" {
			continue
		}
		if tok == b.word {
			return true
		}
		if l.scoreToken(b, tok) {
			return true
		}
		// Transcriptions split compound words; try the two-token join.
		if i+1 < len(tokens) {
			joined := tok + strings.Trim(tokens[i+1], ".,!?;:'\"")
			if joined == b.word || l.scoreToken(b, joined) {
				return true
			}
		}
	}
	return false
}

// scoreToken applies the phonetic-then-fuzzy two-stage match.
func (l *Listener) scoreToken(b binding, tok string) bool {
	score := matchr.JaroWinkler(tok, b.word, false)
	if codesOverlap(phoneticCodes(tok), b.codes) {
		return score >= l.phoneticThreshold
	}
	return score >= l.fuzzyThreshold
}

// phoneticCodes returns the Double Metaphone codes of a word, excluding
// empty codes.
func phoneticCodes(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
