package pipeline

import (
	"bufio"
	"io"
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/semihalev/dohsink/denylist"
	"golang.org/x/net/idna"
)

// local host names found in most hosts files; never entries.
var localNames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"local":                 {},
	"broadcasthost":         {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
	"ip6-localnet":          {},
	"ip6-mcastprefix":       {},
	"ip6-allnodes":          {},
	"ip6-allrouters":        {},
	"ip6-allhosts":          {},
}

type entry struct {
	name string
	mode denylist.Mode
}

// parseList reads every entry from a source. Lines that carry no valid name
// are counted as skipped.
func parseList(r io.Reader, exact denylist.Mode, each func(entry)) (skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		for _, tok := range tokens(scanner.Text()) {
			e, ok := parseToken(tok, exact)
			if !ok {
				skipped++
				continue
			}
			each(e)
		}
	}

	return skipped, scanner.Err()
}

// tokens returns the name tokens of one line in hosts, adblock or plain
// format.
func tokens(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' || line[0] == '!' || line[0] == '[' {
		return nil
	}

	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	if net.ParseIP(fields[0]) != nil {
		return fields[1:]
	}

	return fields[:1]
}

func parseToken(tok string, exact denylist.Mode) (entry, bool) {
	mode := exact

	switch {
	case strings.HasPrefix(tok, "@@||") || strings.HasPrefix(tok, "||"):
		tok = strings.TrimPrefix(strings.TrimPrefix(tok, "@@"), "||")
		if i := strings.IndexAny(tok, "^$/"); i >= 0 {
			tok = tok[:i]
		}
		mode = denylist.Suffix
	case strings.HasPrefix(tok, "*."):
		tok = tok[2:]
		mode = denylist.Suffix
	}

	name, ok := normalize(tok)
	if !ok {
		return entry{}, false
	}

	return entry{name: name, mode: mode}, true
}

// normalize lowercases, strips the root dot and converts to the ASCII form.
func normalize(name string) (string, bool) {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "" {
		return "", false
	}

	if _, ok := localNames[name]; ok {
		return "", false
	}

	if net.ParseIP(name) != nil {
		return "", false
	}

	ascii, err := idna.ToASCII(name)
	if err != nil || !hostChars(ascii) {
		return "", false
	}

	if _, ok := dns.IsDomainName(ascii); !ok {
		return "", false
	}
	if len(dns.Fqdn(ascii)) > 255 {
		return "", false
	}

	for _, label := range strings.Split(ascii, ".") {
		if label == "" || len(label) > 63 {
			return "", false
		}
	}

	return ascii, true
}

func hostChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
