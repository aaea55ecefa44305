// Package ratelimit limits DoH requests per client address.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/semihalev/dohsink/accesslist"
	"github.com/semihalev/zlog/v2"
)

const storeSize = 256 * 100

// RateLimit type
type RateLimit struct {
	store *LimiterStore
	rate  int
}

// New returns a limiter allowing rate requests per minute per client.
// Zero disables limiting.
func New(rate int) *RateLimit {
	return &RateLimit{
		store: NewLimiterStore(storeSize, rate),
		rate:  rate,
	}
}

// Allow reports whether ip may send one more request now.
func (r *RateLimit) Allow(ip net.IP) bool {
	if r.rate <= 0 || ip == nil || ip.IsLoopback() {
		return true
	}

	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	return r.store.Get(xxhash.Sum64(ip)).Allow()
}

// Handler answers 429 to clients above the limit.
func (r *RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Allow(accesslist.ClientIP(req)) {
			zlog.Debug("Client rate limited", "client", req.RemoteAddr)
			w.Header().Set("Retry-After", strconv.Itoa(r.retryAfter()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, req)
	})
}

// Run drops idle limiters every interval until ctx is done.
func (r *RateLimit) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.store.Cleanup(10 * time.Minute)
		}
	}
}

func (r *RateLimit) retryAfter() int {
	if r.rate <= 0 {
		return 0
	}

	secs := int(time.Minute / time.Duration(r.rate) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
