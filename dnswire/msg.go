// Package dnswire implements a strict RFC 1035 wire format codec.
//
// Decoding never follows forward or looping compression pointers and treats
// any mismatch between the header counts and the message body as a format
// error. Encoding never emits compression pointers.
package dnswire

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

const (
	// HeaderSize is the fixed size of the message header.
	HeaderSize = 12
	// MaxMsgSize is the largest message the codec accepts or emits.
	MaxMsgSize = 65535
	// MaxNameLen is the longest encoded domain name.
	MaxNameLen = 255
	// MaxLabelLen is the longest single label.
	MaxLabelLen = 63
)

// Header is the decoded message header without the section counts, which
// are always derived from the sections themselves.
type Header struct {
	ID                 uint16
	Response           bool
	Opcode             uint8
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	Zero               bool
	AuthenticatedData  bool
	CheckingDisabled   bool
	Rcode              uint8
}

// Question is an entry of the question section.
type Question struct {
	Name  Name
	Type  uint16
	Class uint16
}

// RR is a resource record. Data holds the RDATA with every embedded domain
// name already expanded.
type RR struct {
	Name  Name
	Type  uint16
	Class uint16
	TTL   uint32
	Data  []byte
}

// Msg is a DNS message.
type Msg struct {
	Header

	Question   []Question
	Answer     []RR
	Authority  []RR
	Additional []RR
}

// Reply returns a response skeleton for m: same ID, opcode, RD and CD bits,
// and a copy of the question section.
func (m *Msg) Reply() *Msg {
	r := &Msg{
		Header: Header{
			ID:               m.ID,
			Response:         true,
			Opcode:           m.Opcode,
			RecursionDesired: m.RecursionDesired,
			CheckingDisabled: m.CheckingDisabled,
		},
	}

	if len(m.Question) > 0 {
		r.Question = make([]Question, len(m.Question))
		copy(r.Question, m.Question)
	}

	return r
}

// MinTTL returns the smallest TTL of rrs, ignoring OPT pseudo records.
func MinTTL(rrs []RR) (uint32, bool) {
	var (
		min   uint32
		found bool
	)

	for _, rr := range rrs {
		if rr.Type == dns.TypeOPT {
			continue
		}

		if !found || rr.TTL < min {
			min, found = rr.TTL, true
		}
	}

	return min, found
}

// ID returns the transaction ID of a raw message, 0 when b is too short.
func ID(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}

	return binary.BigEndian.Uint16(b)
}

// SetID rewrites the transaction ID of a raw message in place.
func SetID(b []byte, id uint16) {
	if len(b) < 2 {
		return
	}

	binary.BigEndian.PutUint16(b, id)
}

// FormErr builds a FORMERR response for bytes that could not be decoded.
// The ID, opcode and RD bit are echoed when the input carries them.
func FormErr(raw []byte) []byte {
	h := Header{
		ID:       ID(raw),
		Response: true,
		Rcode:    dns.RcodeFormatError,
	}

	if len(raw) >= 3 {
		h.Opcode = (raw[2] >> 3) & 0x0F
		h.RecursionDesired = raw[2]&0x01 != 0
	}

	out := make([]byte, HeaderSize)
	putHeader(out, &h)

	return out
}

func putHeader(b []byte, h *Header) {
	binary.BigEndian.PutUint16(b, h.ID)

	var hi, lo byte
	if h.Response {
		hi |= 0x80
	}
	hi |= (h.Opcode & 0x0F) << 3
	if h.Authoritative {
		hi |= 0x04
	}
	if h.Truncated {
		hi |= 0x02
	}
	if h.RecursionDesired {
		hi |= 0x01
	}

	if h.RecursionAvailable {
		lo |= 0x80
	}
	if h.Zero {
		lo |= 0x40
	}
	if h.AuthenticatedData {
		lo |= 0x20
	}
	if h.CheckingDisabled {
		lo |= 0x10
	}
	lo |= h.Rcode & 0x0F

	b[2], b[3] = hi, lo
}

func parseHeader(b []byte) Header {
	hi, lo := b[2], b[3]

	return Header{
		ID:                 binary.BigEndian.Uint16(b),
		Response:           hi&0x80 != 0,
		Opcode:             (hi >> 3) & 0x0F,
		Authoritative:      hi&0x04 != 0,
		Truncated:          hi&0x02 != 0,
		RecursionDesired:   hi&0x01 != 0,
		RecursionAvailable: lo&0x80 != 0,
		Zero:               lo&0x40 != 0,
		AuthenticatedData:  lo&0x20 != 0,
		CheckingDisabled:   lo&0x10 != 0,
		Rcode:              lo & 0x0F,
	}
}
