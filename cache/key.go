// Package cache provides an opportunistic response cache in front of the
// upstream forwarder.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/semihalev/dohsink/dnswire"
)

type keyBuffer struct {
	buf [512]byte
}

var keyBufferPool = sync.Pool{
	New: func() any {
		return new(keyBuffer)
	},
}

// Key hashes the question with the bits that change the upstream answer.
// Format: [qclass:2][qtype:2][cd:1][do:1][labels, lowercased, length prefixed]
func Key(q dnswire.Question, cd, do bool) uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	defer keyBufferPool.Put(kb)

	buf := kb.buf[:0]

	buf = append(buf, byte(q.Class>>8), byte(q.Class))
	buf = append(buf, byte(q.Type>>8), byte(q.Type))
	buf = append(buf, flag(cd), flag(do))

	for _, label := range q.Name {
		buf = append(buf, byte(len(label)))
		for i := 0; i < len(label); i++ {
			c := label[i]
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			buf = append(buf, c)
		}
	}

	return xxhash.Sum64(buf)
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}
