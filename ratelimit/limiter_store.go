package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// LimiterStore keeps one limiter per client key, bounded by maxSize.
type LimiterStore struct {
	mu       sync.RWMutex
	limiters map[uint64]*entry
	maxSize  int
	rate     int

	now func() time.Time
}

// NewLimiterStore creates a store handing out limiters of rateLimit
// requests per minute with an equal burst.
func NewLimiterStore(maxSize, rateLimit int) *LimiterStore {
	return &LimiterStore{
		limiters: make(map[uint64]*entry),
		maxSize:  maxSize,
		rate:     rateLimit,
		now:      time.Now,
	}
}

// Get retrieves or creates the limiter for key.
func (s *LimiterStore) Get(key uint64) *rate.Limiter {
	now := s.now().UnixNano()

	s.mu.RLock()
	if e, ok := s.limiters[key]; ok {
		e.lastSeen.Store(now)
		s.mu.RUnlock()
		return e.limiter
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.limiters[key]; ok {
		e.lastSeen.Store(now)
		return e.limiter
	}

	if len(s.limiters) >= s.maxSize {
		s.evictOne()
	}

	limit := rate.Limit(0)
	if s.rate > 0 {
		limit = rate.Every(time.Minute / time.Duration(s.rate))
	}

	e := &entry{limiter: rate.NewLimiter(limit, s.rate)}
	e.lastSeen.Store(now)
	s.limiters[key] = e

	return e.limiter
}

// evictOne removes the least recently seen of up to 100 sampled entries.
func (s *LimiterStore) evictOne() {
	var (
		oldestKey  uint64
		oldestSeen int64
		sampled    int
	)

	for k, e := range s.limiters {
		if seen := e.lastSeen.Load(); sampled == 0 || seen < oldestSeen {
			oldestKey, oldestSeen = k, seen
		}
		if sampled++; sampled >= 100 {
			break
		}
	}

	if sampled > 0 {
		delete(s.limiters, oldestKey)
	}
}

// Cleanup removes entries not seen for olderThan.
func (s *LimiterStore) Cleanup(olderThan time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan).UnixNano()
	for k, e := range s.limiters {
		if e.lastSeen.Load() < cutoff {
			delete(s.limiters, k)
		}
	}
}

// Len returns the number of limiters
func (s *LimiterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}
