// Package resolver decides per query whether to synthesize a sinkhole
// answer or relay the query to the upstream resolver.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/dohsink/denylist"
	"github.com/semihalev/dohsink/dnswire"
	"github.com/semihalev/zlog/v2"
)

// SafetyMargin is kept free before the caller's deadline so a SERVFAIL can
// still be written after an upstream timeout.
const SafetyMargin = 50 * time.Millisecond

// DefaultTimeout is used when Options.Timeout is unset.
const DefaultTimeout = 400 * time.Millisecond

const ednsSize = 1232

// Extended DNS Error codes (RFC 8914)
const (
	edeBlocked      = 15
	edeNetworkError = 23
)

var (
	errInvalidQuery  = errors.New("query must have QR clear and exactly one question")
	errInvalidAnswer = errors.New("invalid upstream answer")
	errNoBudget      = fmt.Errorf("no time left for upstream: %w", context.DeadlineExceeded)
)

// Outcome of one query.
type Outcome int

// Outcomes
const (
	OutcomeFormatError Outcome = iota
	OutcomeNotImplemented
	OutcomeBlocked
	OutcomeRelayed
	OutcomeUpstreamError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFormatError:
		return "formerr"
	case OutcomeNotImplemented:
		return "notimp"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeRelayed:
		return "relayed"
	case OutcomeUpstreamError:
		return "upstream_error"
	}
	return "unknown"
}

// Response is the wire answer plus what produced it. Msg is always a
// complete DNS message.
type Response struct {
	Msg      []byte
	Outcome  Outcome
	Question dnswire.Question
	Err      error
}

// Timeout reports whether an upstream failure was a deadline.
func (r *Response) Timeout() bool {
	if r.Err == nil {
		return false
	}
	if errors.Is(r.Err, context.DeadlineExceeded) {
		return true
	}

	var te interface{ Timeout() bool }
	return errors.As(r.Err, &te) && te.Timeout()
}

// DenyList supplies the compiled list.
type DenyList interface {
	Get() *denylist.List
}

// Forwarder relays a raw query.
type Forwarder interface {
	Forward(ctx context.Context, query []byte) ([]byte, error)
}

// Options type
type Options struct {
	// Timeout bounds one upstream exchange.
	Timeout time.Duration

	// AddressSinkhole answers blocked A/AAAA queries with the null routes
	// instead of NXDOMAIN.
	AddressSinkhole bool
	Nullroute       net.IP
	Nullroutev6     net.IP
	SinkholeTTL     uint32
}

// Engine type
type Engine struct {
	list DenyList
	fwd  Forwarder
	opts Options
}

// New returns an engine. The engine holds no per-request state.
func New(list DenyList, fwd Forwarder, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Nullroute == nil {
		opts.Nullroute = net.IPv4zero
	}
	if opts.Nullroutev6 == nil {
		opts.Nullroutev6 = net.IPv6zero
	}

	return &Engine{list: list, fwd: fwd, opts: opts}
}

// Resolve answers query. It always returns a response; upstream I/O only
// happens for well-formed queries on names that are not blocked.
func (e *Engine) Resolve(ctx context.Context, query []byte) *Response {
	req, err := dnswire.Decode(query)
	if err != nil {
		return &Response{Msg: dnswire.FormErr(query), Outcome: OutcomeFormatError, Err: err}
	}

	if req.Response || len(req.Question) != 1 {
		return &Response{Msg: dnswire.FormErr(query), Outcome: OutcomeFormatError, Err: errInvalidQuery}
	}

	q := req.Question[0]

	if req.Opcode != dns.OpcodeQuery {
		reply := req.Reply()
		reply.RecursionAvailable = true
		reply.Rcode = dns.RcodeNotImplemented
		return e.synthesize(query, reply, OutcomeNotImplemented, nil)
	}

	if e.list.Get().MatchLabels(q.Name).Blocked {
		return e.synthesize(query, e.block(req), OutcomeBlocked, nil)
	}

	return e.relay(ctx, req, query)
}

func (e *Engine) block(req *dnswire.Msg) *dnswire.Msg {
	q := req.Question[0]

	reply := req.Reply()
	reply.RecursionAvailable = true

	if !e.opts.AddressSinkhole {
		reply.Rcode = dns.RcodeNameError
	} else {
		switch q.Type {
		case dns.TypeA:
			reply.Answer = append(reply.Answer, e.address(q, e.opts.Nullroute.To4()))
		case dns.TypeAAAA:
			reply.Answer = append(reply.Answer, e.address(q, e.opts.Nullroutev6.To16()))
		}
	}

	if opt := req.OPT(); opt != nil {
		reply.Additional = append(reply.Additional, dnswire.NewOPT(ednsSize, opt.DO(), dnswire.EDE(edeBlocked, "")))
	}

	return reply
}

func (e *Engine) address(q dnswire.Question, ip net.IP) dnswire.RR {
	return dnswire.RR{
		Name:  q.Name,
		Type:  q.Type,
		Class: q.Class,
		TTL:   e.opts.SinkholeTTL,
		Data:  append([]byte(nil), ip...),
	}
}

func (e *Engine) relay(ctx context.Context, req *dnswire.Msg, query []byte) *Response {
	budget := e.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline) - SafetyMargin; left < budget {
			budget = left
		}
	}

	if budget <= 0 {
		return e.servfail(query, req, errNoBudget)
	}

	fctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	answer, err := e.fwd.Forward(fctx, query)
	if err != nil {
		return e.servfail(query, req, err)
	}

	resp, err := dnswire.Decode(answer)
	if err != nil {
		return e.servfail(query, req, fmt.Errorf("%w: %w", errInvalidAnswer, err))
	}
	if !resp.Response {
		return e.servfail(query, req, fmt.Errorf("%w: QR bit clear", errInvalidAnswer))
	}

	dnswire.SetID(answer, req.ID)

	return &Response{Msg: answer, Outcome: OutcomeRelayed, Question: req.Question[0]}
}

func (e *Engine) servfail(query []byte, req *dnswire.Msg, err error) *Response {
	reply := req.Reply()
	reply.RecursionAvailable = true
	reply.Rcode = dns.RcodeServerFailure

	if opt := req.OPT(); opt != nil {
		reply.Additional = append(reply.Additional, dnswire.NewOPT(ednsSize, opt.DO(), dnswire.EDE(edeNetworkError, "")))
	}

	return e.synthesize(query, reply, OutcomeUpstreamError, err)
}

func (e *Engine) synthesize(query []byte, reply *dnswire.Msg, outcome Outcome, cause error) *Response {
	msg, err := dnswire.Encode(reply)
	if err != nil {
		zlog.Error("Encode reply failed", "outcome", outcome.String(), "error", err.Error())
		return &Response{Msg: dnswire.FormErr(query), Outcome: OutcomeFormatError, Err: err}
	}

	return &Response{Msg: msg, Outcome: outcome, Question: reply.Question[0], Err: cause}
}
