package store

import "sync"

// dedupFallbackMax bounds the in-process claimed-id set. At typical inbound
// rates this covers well over an hour of traffic, far past the provider's
// retry horizon.
const dedupFallbackMax = 10000

// dedupFallback is a bounded in-process record of claimed message ids. It
// backs ClaimMessage when the database cannot answer: provider redeliveries
// during a store outage are still recognized, so the at-most-once contract
// degrades to per-process instead of disappearing.
type dedupFallback struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
}

func newDedupFallback(max int) *dedupFallback {
	return &dedupFallback{
		seen: make(map[string]struct{}, max),
		max:  max,
	}
}

// remember records id. When the set is full the oldest quarter is evicted in
// one batch, amortizing eviction cost across inserts.
func (f *dedupFallback) remember(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[id]; ok {
		return
	}
	if len(f.order) >= f.max {
		drop := f.max / 4
		if drop < 1 {
			drop = 1
		}
		for _, old := range f.order[:drop] {
			delete(f.seen, old)
		}
		f.order = append(f.order[:0], f.order[drop:]...)
	}
	f.seen[id] = struct{}{}
	f.order = append(f.order, id)
}

// contains reports whether id was claimed by this process.
func (f *dedupFallback) contains(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[id]
	return ok
}
