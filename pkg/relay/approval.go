package relay

import "sync"

// approval pairs a pending instruction with its two continuations and a
// resolve-once guard. Voice keywords and UI clicks can race to resolve;
// the first arrival wins and the rest are ignored.
type approval struct {
	instruction string
	execute     func()
	cancel      func()

	mu       sync.Mutex
	resolved bool
}

func newApproval(instruction string, execute, cancel func()) *approval {
	return &approval{
		instruction: instruction,
		execute:     execute,
		cancel:      cancel,
	}
}

// resolve honors the first call only: accept runs execute, reject runs
// cancel. Returns false when a prior call already resolved.
func (a *approval) resolve(accept bool) bool {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return false
	}
	a.resolved = true
	a.mu.Unlock()

	if accept {
		a.execute()
	} else {
		a.cancel()
	}
	return true
}

// abandon marks the approval resolved without running either
// continuation. Used when the hold is torn down externally (close,
// rewind).
func (a *approval) abandon() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		return false
	}
	a.resolved = true
	return true
}
