package dnswire

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

// field kinds of an RDATA layout
const (
	fieldName = iota
	fieldFixed
	fieldString
)

type field struct {
	kind int
	size int
}

var (
	oneName   = []field{{kind: fieldName}}
	twoNames  = []field{{kind: fieldName}, {kind: fieldName}}
	prefName  = []field{{kind: fieldFixed, size: 2}, {kind: fieldName}}
	rdLayouts = map[uint16][]field{
		dns.TypeNS:    oneName,
		dns.TypeMD:    oneName,
		dns.TypeMF:    oneName,
		dns.TypeCNAME: oneName,
		dns.TypeMB:    oneName,
		dns.TypeMG:    oneName,
		dns.TypeMR:    oneName,
		dns.TypePTR:   oneName,
		dns.TypeDNAME: oneName,
		dns.TypeSOA:   {{kind: fieldName}, {kind: fieldName}, {kind: fieldFixed, size: 20}},
		dns.TypeMINFO: twoNames,
		dns.TypeRP:    twoNames,
		dns.TypeMX:    prefName,
		dns.TypeAFSDB: prefName,
		dns.TypeRT:    prefName,
		dns.TypeKX:    prefName,
		dns.TypePX:    {{kind: fieldFixed, size: 2}, {kind: fieldName}, {kind: fieldName}},
		dns.TypeSRV:   {{kind: fieldFixed, size: 6}, {kind: fieldName}},
		dns.TypeNAPTR: {
			{kind: fieldFixed, size: 4},
			{kind: fieldString}, {kind: fieldString}, {kind: fieldString},
			{kind: fieldName},
		},
	}
)

// minimum encoded sizes, used to reject lying counts before allocating
const (
	minQuestionLen = 5
	minRecordLen   = 11
)

type decoder struct {
	msg []byte
	off int
}

// Decode parses a wire format message.
func Decode(b []byte) (*Msg, error) {
	if len(b) < HeaderSize {
		return nil, formatErr(len(b), ErrShortHeader)
	}

	m := &Msg{Header: parseHeader(b)}

	qd := int(binary.BigEndian.Uint16(b[4:]))
	an := int(binary.BigEndian.Uint16(b[6:]))
	ns := int(binary.BigEndian.Uint16(b[8:]))
	ar := int(binary.BigEndian.Uint16(b[10:]))

	if qd*minQuestionLen+(an+ns+ar)*minRecordLen > len(b)-HeaderSize {
		return nil, formatErr(HeaderSize, ErrTruncated)
	}

	d := &decoder{msg: b, off: HeaderSize}

	if qd > 0 {
		m.Question = make([]Question, 0, qd)
	}
	for i := 0; i < qd; i++ {
		q, err := d.question()
		if err != nil {
			return nil, err
		}
		m.Question = append(m.Question, q)
	}

	var err error
	if m.Answer, err = d.records(an); err != nil {
		return nil, err
	}
	if m.Authority, err = d.records(ns); err != nil {
		return nil, err
	}
	if m.Additional, err = d.records(ar); err != nil {
		return nil, err
	}

	if d.off != len(b) {
		return nil, formatErr(d.off, ErrTrailingData)
	}

	return m, nil
}

func (d *decoder) question() (Question, error) {
	name, err := d.name()
	if err != nil {
		return Question{}, err
	}

	if d.off+4 > len(d.msg) {
		return Question{}, formatErr(d.off, ErrTruncated)
	}

	q := Question{
		Name:  name,
		Type:  binary.BigEndian.Uint16(d.msg[d.off:]),
		Class: binary.BigEndian.Uint16(d.msg[d.off+2:]),
	}
	d.off += 4

	return q, nil
}

func (d *decoder) records(n int) ([]RR, error) {
	if n == 0 {
		return nil, nil
	}

	rrs := make([]RR, 0, n)
	for i := 0; i < n; i++ {
		rr, err := d.record()
		if err != nil {
			return nil, err
		}
		rrs = append(rrs, rr)
	}

	return rrs, nil
}

func (d *decoder) record() (RR, error) {
	name, err := d.name()
	if err != nil {
		return RR{}, err
	}

	if d.off+10 > len(d.msg) {
		return RR{}, formatErr(d.off, ErrTruncated)
	}

	rr := RR{
		Name:  name,
		Type:  binary.BigEndian.Uint16(d.msg[d.off:]),
		Class: binary.BigEndian.Uint16(d.msg[d.off+2:]),
		TTL:   binary.BigEndian.Uint32(d.msg[d.off+4:]),
	}
	rdlen := int(binary.BigEndian.Uint16(d.msg[d.off+8:]))
	d.off += 10

	end := d.off + rdlen
	if end > len(d.msg) {
		return RR{}, formatErr(d.off, ErrTruncated)
	}

	if rdlen > 0 {
		if rr.Data, err = d.rdata(rr.Type, d.off, end); err != nil {
			return RR{}, err
		}
	}
	d.off = end

	return rr, nil
}

// rdata returns a self-contained copy of msg[start:end], expanding the
// compressed names of the types that may carry them.
func (d *decoder) rdata(typ uint16, start, end int) ([]byte, error) {
	layout, ok := rdLayouts[typ]
	if !ok {
		data := make([]byte, end-start)
		copy(data, d.msg[start:end])
		return data, nil
	}

	out := make([]byte, 0, end-start)
	pos := start

	for _, f := range layout {
		switch f.kind {
		case fieldName:
			name, next, err := d.nameAt(pos)
			if err != nil {
				return nil, err
			}
			if next > end {
				return nil, formatErr(pos, ErrBadRData)
			}
			out = appendLabels(out, name)
			pos = next
		case fieldFixed:
			if pos+f.size > end {
				return nil, formatErr(pos, ErrBadRData)
			}
			out = append(out, d.msg[pos:pos+f.size]...)
			pos += f.size
		case fieldString:
			if pos >= end || pos+1+int(d.msg[pos]) > end {
				return nil, formatErr(pos, ErrBadRData)
			}
			l := 1 + int(d.msg[pos])
			out = append(out, d.msg[pos:pos+l]...)
			pos += l
		}
	}

	if pos != end {
		return nil, formatErr(pos, ErrBadRData)
	}

	return out, nil
}

func (d *decoder) name() (Name, error) {
	name, next, err := d.nameAt(d.off)
	if err != nil {
		return nil, err
	}
	d.off = next
	return name, nil
}

// nameAt decodes the name starting at off and returns the offset right
// after it in the original byte stream. Every pointer must target an offset
// inside the message body that lies strictly before the segment holding the
// pointer, so the walk always moves backwards and terminates.
func (d *decoder) nameAt(off int) (Name, int, error) {
	var (
		name    Name
		wire    = 1
		pos     = off
		segment = off
		next    = -1
	)

	for {
		if pos >= len(d.msg) {
			return nil, 0, formatErr(pos, ErrTruncated)
		}

		c := int(d.msg[pos])

		switch c & 0xC0 {
		case 0x00:
			if c == 0 {
				if next < 0 {
					next = pos + 1
				}
				return name, next, nil
			}

			if pos+1+c > len(d.msg) {
				return nil, 0, formatErr(pos, ErrTruncated)
			}

			wire += c + 1
			if wire > MaxNameLen {
				return nil, 0, formatErr(pos, ErrNameTooLong)
			}

			name = append(name, string(d.msg[pos+1:pos+1+c]))
			pos += 1 + c
		case 0xC0:
			if pos+2 > len(d.msg) {
				return nil, 0, formatErr(pos, ErrTruncated)
			}

			ptr := int(binary.BigEndian.Uint16(d.msg[pos:]) & 0x3FFF)
			if ptr < HeaderSize || ptr >= segment {
				return nil, 0, formatErr(pos, ErrBadPointer)
			}

			if next < 0 {
				next = pos + 2
			}
			pos, segment = ptr, ptr
		default:
			return nil, 0, formatErr(pos, ErrLabelTooLong)
		}
	}
}
