package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/semihalev/dohsink/dnswire"
	"github.com/semihalev/dohsink/metrics"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/singleflight"
)

// Forwarder is the upstream the cache sits in front of.
type Forwarder interface {
	Forward(ctx context.Context, query []byte) ([]byte, error)
}

type item struct {
	raw    []byte
	stored time.Time
	ttl    time.Duration
}

func (i *item) expired(now time.Time) bool {
	return now.Sub(i.stored) >= i.ttl
}

// Cache answers repeated questions from memory. It never changes whether
// a name is blocked: it only ever holds upstream answers.
type Cache struct {
	next    Forwarder
	store   *store
	group   singleflight.Group
	metrics *metrics.Metrics
	timeout time.Duration

	now func() time.Time
}

// DefaultTimeout bounds a shared upstream call when New is given none.
const DefaultTimeout = 2 * time.Second

// New wraps next with a cache holding up to size answers. A miss shared by
// concurrent callers runs detached from any single caller, bounded by
// timeout.
func New(next Forwarder, size int, timeout time.Duration, m *metrics.Metrics) *Cache {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Cache{
		next:    next,
		store:   newStore(size),
		metrics: m,
		timeout: timeout,
		now:     time.Now,
	}
}

// Forward implements the resolver forwarder. Every caller gets its own copy
// of the answer carrying the caller's transaction id.
func (c *Cache) Forward(ctx context.Context, query []byte) ([]byte, error) {
	req, err := dnswire.Decode(query)
	if err != nil || len(req.Question) != 1 {
		return c.next.Forward(ctx, query)
	}

	var do bool
	if opt := req.OPT(); opt != nil {
		do = opt.DO()
	}

	key := Key(req.Question[0], req.CheckingDisabled, do)

	if answer, ok := c.lookup(key, req.ID); ok {
		c.metrics.ObserveCache(true)
		echoQuestion(answer, query)
		return answer, nil
	}
	c.metrics.ObserveCache(false)

	ch := c.group.DoChan(strconv.FormatUint(key, 16), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		answer, err := c.next.Forward(shared, query)
		if err != nil {
			return nil, err
		}

		c.add(key, answer)

		return answer, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		answer := append([]byte(nil), res.Val.([]byte)...)
		dnswire.SetID(answer, req.ID)
		echoQuestion(answer, query)

		return answer, nil
	}
}

// echoQuestion copies the question name of query over the one in answer, so
// every caller reads back its own spelling. Both messages carry the name
// uncompressed right after the header; nothing changes unless the two names
// are equal ignoring ASCII case.
func echoQuestion(answer, query []byte) {
	const off = 12

	end := questionEnd(query, off)
	if end < 0 || end > len(answer) || !foldEqual(answer[off:end], query[off:end]) {
		return
	}

	copy(answer[off:end], query[off:end])
}

func questionEnd(b []byte, off int) int {
	for off < len(b) {
		n := int(b[off])
		if n == 0 {
			return off + 1
		}
		if n > dnswire.MaxLabelLen {
			return -1
		}
		off += n + 1
	}
	return -1
}

func foldEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		x, y := a[i], b[i]
		if 'A' <= x && x <= 'Z' {
			x += 'a' - 'A'
		}
		if 'A' <= y && y <= 'Z' {
			y += 'a' - 'A'
		}
		if x != y {
			return false
		}
	}

	return true
}

// Len returns the number of cached answers.
func (c *Cache) Len() int {
	return c.store.len()
}

func (c *Cache) lookup(key uint64, id uint16) ([]byte, bool) {
	it, ok := c.store.get(key)
	if !ok {
		return nil, false
	}

	now := c.now()
	if it.expired(now) {
		c.store.remove(key)
		return nil, false
	}

	elapsed := uint32(now.Sub(it.stored) / time.Second)
	if elapsed == 0 {
		answer := append([]byte(nil), it.raw...)
		dnswire.SetID(answer, id)
		return answer, true
	}

	msg, err := dnswire.Decode(it.raw)
	if err != nil {
		c.store.remove(key)
		return nil, false
	}

	age(msg, elapsed)
	msg.ID = id

	answer, err := dnswire.Encode(msg)
	if err != nil {
		zlog.Debug("Cache entry re-encode failed", "error", err.Error())
		c.store.remove(key)
		return nil, false
	}

	return answer, true
}

func (c *Cache) add(key uint64, answer []byte) {
	msg, err := dnswire.Decode(answer)
	if err != nil {
		return
	}

	ttl := cacheTTL(msg)
	if ttl <= 0 {
		return
	}

	c.store.set(key, &item{
		raw:    append([]byte(nil), answer...),
		stored: c.now(),
		ttl:    ttl,
	})
}
