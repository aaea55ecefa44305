package dnswire

import (
	"strconv"
	"strings"
)

// Name is a domain name as a sequence of labels, most specific first, in
// the case they were received. The root name has no labels.
type Name []string

// ParseName parses a name in presentation format. A trailing dot is
// optional; "\." and "\DDD" escapes are honoured.
func ParseName(s string) (Name, error) {
	if s == "" || s == "." {
		return nil, nil
	}

	var (
		name  Name
		label []byte
		wire  = 1
	)

	flush := func() error {
		if len(label) == 0 {
			return ErrEmptyLabel
		}
		if len(label) > MaxLabelLen {
			return ErrLabelTooLong
		}
		wire += len(label) + 1
		if wire > MaxNameLen {
			return ErrNameTooLong
		}
		name = append(name, string(label))
		label = label[:0]
		return nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]):
			v, _ := strconv.Atoi(s[i+1 : i+4])
			if v > 255 {
				return nil, ErrBadEscape
			}
			label = append(label, byte(v))
			i += 3
		case c == '\\' && i+1 < len(s):
			label = append(label, s[i+1])
			i++
		case c == '.':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			label = append(label, c)
		}
	}

	if len(label) > 0 || !strings.HasSuffix(s, ".") {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	return name, nil
}

// MustParseName is ParseName for constants, it panics on error.
func MustParseName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic("dnswire: " + err.Error() + ": " + s)
	}
	return n
}

// String returns the name in presentation format with a trailing dot.
func (n Name) String() string {
	if len(n) == 0 {
		return "."
	}

	var b strings.Builder
	for _, label := range n {
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c == '.' || c == '\\' || c == '"' || c == '(' || c == ')' || c == ';' || c == '@' || c == '$':
				b.WriteByte('\\')
				b.WriteByte(c)
			case c < '!' || c > '~':
				b.WriteByte('\\')
				b.WriteString(pad3(int(c)))
			default:
				b.WriteByte(c)
			}
		}
		b.WriteByte('.')
	}

	return b.String()
}

// Lower returns the lowercase presentation form used as a matching key.
func (n Name) Lower() string {
	return lowerASCII(n.String())
}

// Equal reports whether n and o are the same name, ignoring ASCII case.
func (n Name) Equal(o Name) bool {
	if len(n) != len(o) {
		return false
	}

	for i := range n {
		if !strings.EqualFold(n[i], o[i]) {
			return false
		}
	}

	return true
}

// WireLen returns the uncompressed encoded length of n.
func (n Name) WireLen() int {
	l := 1
	for _, label := range n {
		l += len(label) + 1
	}
	return l
}

func lowerASCII(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func pad3(v int) string {
	s := strconv.Itoa(v)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
