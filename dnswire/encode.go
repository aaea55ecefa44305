package dnswire

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes m without name compression. Header counts come from the
// section lengths and the ID is written as found in m.
func Encode(m *Msg) ([]byte, error) {
	for _, n := range []int{len(m.Question), len(m.Answer), len(m.Authority), len(m.Additional)} {
		if n > 0xFFFF {
			return nil, ErrTooManyRecords
		}
	}

	buf := make([]byte, HeaderSize, 512)
	putHeader(buf, &m.Header)
	binary.BigEndian.PutUint16(buf[4:], uint16(len(m.Question)))
	binary.BigEndian.PutUint16(buf[6:], uint16(len(m.Answer)))
	binary.BigEndian.PutUint16(buf[8:], uint16(len(m.Authority)))
	binary.BigEndian.PutUint16(buf[10:], uint16(len(m.Additional)))

	var err error
	for _, q := range m.Question {
		if buf, err = appendName(buf, q.Name); err != nil {
			return nil, fmt.Errorf("question %s: %w", q.Name, err)
		}
		buf = binary.BigEndian.AppendUint16(buf, q.Type)
		buf = binary.BigEndian.AppendUint16(buf, q.Class)
	}

	for _, section := range [][]RR{m.Answer, m.Authority, m.Additional} {
		for _, rr := range section {
			if buf, err = appendRR(buf, &rr); err != nil {
				return nil, err
			}
		}
	}

	if len(buf) > MaxMsgSize {
		return nil, ErrMessageTooLarge
	}

	return buf, nil
}

func appendRR(buf []byte, rr *RR) ([]byte, error) {
	if len(rr.Data) > 0xFFFF {
		return nil, fmt.Errorf("record %s: %w", rr.Name, ErrRDataTooLong)
	}

	buf, err := appendName(buf, rr.Name)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rr.Name, err)
	}

	buf = binary.BigEndian.AppendUint16(buf, rr.Type)
	buf = binary.BigEndian.AppendUint16(buf, rr.Class)
	buf = binary.BigEndian.AppendUint32(buf, rr.TTL)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rr.Data)))

	return append(buf, rr.Data...), nil
}

func appendName(buf []byte, n Name) ([]byte, error) {
	if n.WireLen() > MaxNameLen {
		return nil, ErrNameTooLong
	}

	for _, label := range n {
		if len(label) == 0 {
			return nil, ErrEmptyLabel
		}
		if len(label) > MaxLabelLen {
			return nil, ErrLabelTooLong
		}
	}

	return appendLabels(buf, n), nil
}

// appendLabels writes an already validated name.
func appendLabels(buf []byte, n Name) []byte {
	for _, label := range n {
		buf = append(buf, byte(len(label)))
		buf = append(buf, label...)
	}
	return append(buf, 0)
}
