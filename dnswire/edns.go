package dnswire

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

// Option is an EDNS(0) option.
type Option struct {
	Code uint16
	Data []byte
}

// OPT returns the first OPT pseudo record of the additional section.
func (m *Msg) OPT() *RR {
	for i := range m.Additional {
		if m.Additional[i].Type == dns.TypeOPT {
			return &m.Additional[i]
		}
	}
	return nil
}

// DO reports whether the DNSSEC OK bit is set on an OPT record.
func (rr *RR) DO() bool {
	return rr.TTL&0x8000 != 0
}

// NewOPT builds an OPT pseudo record.
func NewOPT(udpSize uint16, do bool, options ...Option) RR {
	rr := RR{
		Type:  dns.TypeOPT,
		Class: udpSize,
	}

	if do {
		rr.TTL = 0x8000
	}

	for _, o := range options {
		rr.Data = binary.BigEndian.AppendUint16(rr.Data, o.Code)
		rr.Data = binary.BigEndian.AppendUint16(rr.Data, uint16(len(o.Data)))
		rr.Data = append(rr.Data, o.Data...)
	}

	return rr
}

// Options splits the RDATA of an OPT record, nil when malformed.
func (rr *RR) Options() []Option {
	var (
		opts []Option
		data = rr.Data
	)

	for len(data) > 0 {
		if len(data) < 4 {
			return nil
		}

		code := binary.BigEndian.Uint16(data)
		l := int(binary.BigEndian.Uint16(data[2:]))
		if len(data) < 4+l {
			return nil
		}

		opts = append(opts, Option{Code: code, Data: data[4 : 4+l]})
		data = data[4+l:]
	}

	return opts
}

// EDE returns an Extended DNS Error option (RFC 8914).
func EDE(code uint16, text string) Option {
	data := binary.BigEndian.AppendUint16(nil, code)
	return Option{Code: dns.EDNS0EDE, Data: append(data, text...)}
}
