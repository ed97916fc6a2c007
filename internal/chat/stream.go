package chat

import (
	"strings"
	"sync"
)

// Accumulator is the single streaming buffer per connection. Fragments are
// appended in arrival order; a confirmed bot message or a connection drop
// resets it.
type Accumulator struct {
	mu     sync.Mutex
	buf    strings.Builder
	active bool
}

// NewAccumulator creates an inactive accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append starts accumulation if needed, appends delta, and returns the
// updated snapshot for immediate publication.
func (a *Accumulator) Append(delta string) StreamSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		a.buf.Reset()
		a.active = true
	}
	a.buf.WriteString(delta)
	return StreamSnapshot{Text: a.buf.String(), Active: true}
}

// Snapshot returns the current buffer state.
func (a *Accumulator) Snapshot() StreamSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return StreamSnapshot{Text: a.buf.String(), Active: a.active}
}

// Reset discards the buffer and deactivates accumulation.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.Reset()
	a.active = false
}
