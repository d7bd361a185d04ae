package session

import "sync"

// Registry tracks the number of connected viewers and reports transitions
// across the zero boundary. Pure counter, no I/O.
type Registry struct {
	mu    sync.Mutex
	count int
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// OnConnect records a viewer connection and reports whether the count just
// left zero.
func (r *Registry) OnConnect() (count int, nowNonZero bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	return r.count, r.count == 1
}

// OnDisconnect records a viewer disconnection and reports whether the count
// just reached zero. A disconnect with no recorded viewers is a no-op.
func (r *Registry) OnDisconnect() (count int, nowZero bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return 0, false
	}
	r.count--
	return r.count, r.count == 0
}

// Count returns the current viewer count.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
