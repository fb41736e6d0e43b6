package field

import (
	"sync"
	"sync/atomic"
)

// Ref holds the latest committed value and change callback supplied by the
// host. Event handlers registered once on an engine read through the Ref,
// so they always see what the host supplied last rather than what existed
// when they were registered.
//
// A value proposed through Apply is kept until the host supplies a new one,
// so a second event arriving before the host re-renders builds on the
// first event's result.
//
// Applies are serialized through the end of their callback, so the host
// sees proposed values in the order they were stored.
type Ref struct {
	serial   sync.Mutex // held by Apply until its callback returns
	applying atomic.Int32

	mu       sync.Mutex
	value    []string
	onChange func([]string)
}

// NewRef returns a Ref holding value and onChange.
func NewRef(value []string, onChange func([]string)) *Ref {
	return &Ref{value: clone(value), onChange: onChange}
}

// Set replaces the committed value and callback.
func (r *Ref) Set(value []string, onChange func([]string)) {
	r.mu.Lock()
	r.value = clone(value)
	r.onChange = onChange
	r.mu.Unlock()
}

// Current returns a copy of the committed value.
func (r *Ref) Current() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.value)
}

// Apply runs fn against the current value. When fn reports a change the new
// value is stored and the callback is invoked with a copy of it. The
// callback may call Set but must not call Apply.
func (r *Ref) Apply(fn func(current []string) ([]string, bool)) bool {
	r.serial.Lock()
	defer r.serial.Unlock()

	r.mu.Lock()
	next, changed := fn(clone(r.value))
	if !changed {
		r.mu.Unlock()
		return false
	}
	r.value = clone(next)
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		r.applying.Add(1)
		defer r.applying.Add(-1)
		onChange(clone(next))
	}
	return true
}

// Applying reports whether a change callback is running.
func (r *Ref) Applying() bool {
	return r.applying.Load() > 0
}

func clone(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
