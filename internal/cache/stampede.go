package cache

import "sync"

// stampedeTracker counts populates in progress per key. A begin that returns more
// than 1 means several callers missed the same key at once and each is fetching.
type stampedeTracker struct {
	mu      sync.Mutex
	pending map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{pending: make(map[string]int)}
}

// begin records a populate for key and returns how many are now in progress.
// Pair every begin with end.
func (st *stampedeTracker) begin(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending[key]++
	return st.pending[key]
}

func (st *stampedeTracker) end(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	n, ok := st.pending[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(st.pending, key)
		return
	}
	st.pending[key] = n - 1
}

func (st *stampedeTracker) pendingFor(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending[key]
}
