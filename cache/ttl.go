package cache

import (
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/dohsink/dnswire"
)

const (
	// MinCacheTTL is the minimum time to cache any response
	MinCacheTTL = 5 * time.Second
	// MaxCacheTTL is the maximum time to cache any response
	MaxCacheTTL = 24 * time.Hour
)

// cacheTTL returns how long msg may be cached, zero when it must not be.
// Only complete NOERROR and NXDOMAIN answers are cached; the lifetime is
// the smallest TTL of all sections, OPT excluded.
func cacheTTL(msg *dnswire.Msg) time.Duration {
	if !msg.Response || msg.Truncated {
		return 0
	}

	switch msg.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return 0
	}

	minTTL := MaxCacheTTL
	found := false

	for _, section := range [][]dnswire.RR{msg.Answer, msg.Authority, msg.Additional} {
		if ttl, ok := dnswire.MinTTL(section); ok {
			found = true
			if d := time.Duration(ttl) * time.Second; d < minTTL {
				minTTL = d
			}
		}
	}

	if !found || minTTL < MinCacheTTL {
		return MinCacheTTL
	}

	return minTTL
}

// age lowers every TTL by elapsed whole seconds, without going below zero.
func age(msg *dnswire.Msg, elapsed uint32) {
	for _, section := range [][]dnswire.RR{msg.Answer, msg.Authority, msg.Additional} {
		for i := range section {
			if section[i].Type == dns.TypeOPT {
				continue
			}
			if section[i].TTL > elapsed {
				section[i].TTL -= elapsed
			} else {
				section[i].TTL = 0
			}
		}
	}
}
