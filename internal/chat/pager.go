package chat

import "sync"

// pager serializes incremental loading of one paginated backend list. A
// fetch-in-progress flag prevents overlapping requests; the cursor follows
// the backend's next_offset, nil meaning exhausted.
type pager struct {
	mu      sync.Mutex
	busy    bool
	started bool
	next    *int
}

// begin claims the next fetch. It returns the offset to request and false
// when a fetch is already running or the list is exhausted.
func (p *pager) begin() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.busy {
		return 0, false
	}
	if p.started && p.next == nil {
		return 0, false
	}
	offset := 0
	if p.next != nil {
		offset = *p.next
	}
	p.busy = true
	return offset, true
}

// finish releases the fetch claim. On success the cursor advances to next;
// on failure the previous cursor is kept so the same page can be retried.
func (p *pager) finish(next *int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.busy = false
	if ok {
		p.started = true
		p.next = next
	}
}

// reset returns the pager to its initial state.
func (p *pager) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.busy = false
	p.started = false
	p.next = nil
}

// exhausted reports whether every page has been loaded.
func (p *pager) exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && p.next == nil
}
