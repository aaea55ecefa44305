// Package denylist holds the compiled set of blocked domains.
//
// Entries live in a trie keyed by reversed labels, so a lookup walks at most
// one node per label of the queried name no matter how many entries the
// list has. A List is immutable once built.
package denylist

import (
	"errors"
	"sort"
	"strings"
)

// Mode is the match mode of an entry.
type Mode uint8

const (
	// Exact entries match only the identical name.
	Exact Mode = iota + 1
	// Suffix entries match the name and every name below it.
	Suffix
)

func (m Mode) String() string {
	switch m {
	case Exact:
		return "exact"
	case Suffix:
		return "suffix"
	}
	return "none"
}

// Result is the outcome of a lookup.
type Result struct {
	Blocked bool
	Mode    Mode
}

// Entry is a single deny-list entry in normalized form.
type Entry struct {
	Name string
	Mode Mode
}

// ErrInvalidName is returned for names that cannot be entries.
var ErrInvalidName = errors.New("invalid domain name")

type node struct {
	children map[string]*node
	exact    bool
	suffix   bool
}

func (n *node) child(label string, create bool) *node {
	c, ok := n.children[label]
	if ok || !create {
		return c
	}

	if n.children == nil {
		n.children = make(map[string]*node)
	}

	c = new(node)
	n.children[label] = c

	return c
}

// Builder accumulates entries. It is not safe for concurrent use.
type Builder struct {
	root *node
	n    int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{root: new(node)}
}

// Insert adds name with the given mode. Inserting an existing entry is a no-op.
func (b *Builder) Insert(name string, mode Mode) error {
	labels, err := split(name)
	if err != nil {
		return err
	}

	n := b.root
	for i := len(labels) - 1; i >= 0; i-- {
		n = n.child(labels[i], true)
	}

	switch mode {
	case Exact:
		if !n.exact {
			n.exact = true
			b.n++
		}
	case Suffix:
		if !n.suffix {
			n.suffix = true
			b.n++
		}
	default:
		return errors.New("unknown match mode")
	}

	return nil
}

// Remove deletes every entry for exactly name and reports whether one existed.
func (b *Builder) Remove(name string) bool {
	labels, err := split(name)
	if err != nil {
		return false
	}

	n := b.root
	for i := len(labels) - 1; i >= 0 && n != nil; i-- {
		n = n.child(labels[i], false)
	}

	if n == nil || (!n.exact && !n.suffix) {
		return false
	}

	if n.exact {
		b.n--
	}
	if n.suffix {
		b.n--
	}
	n.exact, n.suffix = false, false

	return true
}

// Len returns the number of entries inserted so far.
func (b *Builder) Len() int { return b.n }

// Build returns the compiled list and resets the builder.
func (b *Builder) Build() *List {
	l := &List{root: b.root, n: b.n}
	b.root, b.n = new(node), 0
	return l
}

// List is an immutable compiled deny-list, safe for concurrent reads.
type List struct {
	root *node
	n    int
}

// Empty returns a list without entries.
func Empty() *List {
	return &List{root: new(node)}
}

// Get returns l, so a compiled List can be used where a lazily loaded one
// is expected.
func (l *List) Get() *List { return l }

// Len returns the number of entries.
func (l *List) Len() int { return l.n }

// Match looks up a name in presentation format.
func (l *List) Match(name string) Result {
	labels, err := split(name)
	if err != nil {
		return Result{}
	}
	return l.MatchLabels(labels)
}

// MatchLabels looks up a name given as labels, most specific first.
func (l *List) MatchLabels(labels []string) Result {
	n := l.root

	for i := len(labels) - 1; i >= 0; i-- {
		n = n.children[lower(labels[i])]
		if n == nil {
			return Result{}
		}

		if n.suffix {
			return Result{Blocked: true, Mode: Suffix}
		}
	}

	if n.exact {
		return Result{Blocked: true, Mode: Exact}
	}

	return Result{}
}

// Entries returns every entry sorted by name, exact before suffix.
func (l *List) Entries() []Entry {
	entries := make([]Entry, 0, l.n)

	var walk func(n *node, path []string)
	walk = func(n *node, path []string) {
		if n.exact || n.suffix {
			name := join(path)
			if n.exact {
				entries = append(entries, Entry{Name: name, Mode: Exact})
			}
			if n.suffix {
				entries = append(entries, Entry{Name: name, Mode: Suffix})
			}
		}

		for label, c := range n.children {
			walk(c, append(path, label))
		}
	}
	walk(l.root, nil)

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Mode < entries[j].Mode
	})

	return entries
}

// join turns a root-first label path into a dotted name.
func join(path []string) string {
	labels := make([]string, len(path))
	for i, label := range path {
		labels[len(path)-1-i] = label
	}
	return strings.Join(labels, ".")
}

// split normalizes a name into lowercase labels, most specific first.
func split(name string) ([]string, error) {
	name = strings.TrimSuffix(lower(name), ".")
	if name == "" {
		return nil, ErrInvalidName
	}

	labels := strings.Split(name, ".")
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return nil, ErrInvalidName
		}
	}

	return labels, nil
}

func lower(s string) string {
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
