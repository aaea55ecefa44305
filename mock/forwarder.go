// Package mock holds test doubles shared by package tests.
package mock

import (
	"context"
	"net"
	"sync"

	"github.com/miekg/dns"
)

// Forwarder is a scripted upstream resolver. Without a Reply func every
// query is answered with 192.0.2.1 and ID 0, the way DoH upstreams answer.
type Forwarder struct {
	Reply func(ctx context.Context, query []byte) ([]byte, error)

	mu      sync.Mutex
	queries [][]byte
}

// Forward implements the resolver forwarder.
func (f *Forwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	f.mu.Lock()
	f.queries = append(f.queries, append([]byte(nil), query...))
	f.mu.Unlock()

	if f.Reply != nil {
		return f.Reply(ctx, query)
	}

	return Answer(query, "192.0.2.1", 300)
}

// Calls returns how many queries were forwarded.
func (f *Forwarder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.queries)
}

// Queries returns copies of the forwarded queries.
func (f *Forwarder) Queries() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([][]byte(nil), f.queries...)
}

// Query packs a recursive query for name and qtype with ID 0xbeef.
func Query(name string, qtype uint16, edns bool) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = 0xbeef
	if edns {
		m.SetEdns0(4096, true)
	}

	b, err := m.Pack()
	if err != nil {
		panic(err)
	}

	return b
}

// Answer replies to query with one address record per question. The reply
// has ID 0.
func Answer(query []byte, addr string, ttl uint32) ([]byte, error) {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Id = 0
	resp.RecursionAvailable = true

	ip := net.ParseIP(addr)
	for _, q := range req.Question {
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: ttl}

		switch {
		case q.Qtype == dns.TypeA && ip.To4() != nil:
			resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: ip.To4()})
		case q.Qtype == dns.TypeAAAA:
			resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip.To16()})
		}
	}

	return resp.Pack()
}

// Unpack decodes b with miekg/dns, panicking on failure.
func Unpack(b []byte) *dns.Msg {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		panic(err)
	}

	return m
}
