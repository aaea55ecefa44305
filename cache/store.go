package cache

import (
	"sync"
)

const segments = 64

type segment struct {
	mu   sync.RWMutex
	data map[uint64]*item
}

// store is a bounded map split into segments to keep lock contention low.
// A full segment drops arbitrary entries; map iteration order is random.
type store struct {
	segs  [segments]segment
	limit int
}

func newStore(size int) *store {
	limit := size / segments
	if limit < 1 {
		limit = 1
	}

	s := &store{limit: limit}
	for i := range s.segs {
		s.segs[i].data = make(map[uint64]*item)
	}

	return s
}

func (s *store) segment(key uint64) *segment {
	return &s.segs[key%segments]
}

func (s *store) get(key uint64) (*item, bool) {
	seg := s.segment(key)

	seg.mu.RLock()
	defer seg.mu.RUnlock()

	it, ok := seg.data[key]
	return it, ok
}

func (s *store) set(key uint64, it *item) {
	seg := s.segment(key)

	seg.mu.Lock()
	defer seg.mu.Unlock()

	if _, exists := seg.data[key]; !exists && len(seg.data) >= s.limit {
		// batch of 5%, at least one
		evict := s.limit / 20
		if evict < 1 {
			evict = 1
		}
		for k := range seg.data {
			delete(seg.data, k)
			if evict--; evict == 0 {
				break
			}
		}
	}

	seg.data[key] = it
}

func (s *store) remove(key uint64) {
	seg := s.segment(key)

	seg.mu.Lock()
	delete(seg.data, key)
	seg.mu.Unlock()
}

func (s *store) len() int {
	n := 0
	for i := range s.segs {
		s.segs[i].mu.RLock()
		n += len(s.segs[i].data)
		s.segs[i].mu.RUnlock()
	}
	return n
}
