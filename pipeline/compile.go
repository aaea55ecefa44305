// Package pipeline fetches block-list sources, compiles them into a deny-list
// and packages the list into a deployable artifact.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/semihalev/dohsink/denylist"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyList is returned when the sources compile to no entries.
var ErrEmptyList = errors.New("compiled deny-list is empty")

// Config lists the sources of a compile.
type Config struct {
	// BlockLists and AllowLists are URLs or local paths.
	BlockLists []string
	AllowLists []string

	// Blocklist and Whitelist are literal entries.
	Blocklist []string
	Whitelist []string

	// SuffixMatch turns plain hosts entries into suffix entries.
	SuffixMatch bool

	// Timeout bounds each source download.
	Timeout time.Duration

	Client *http.Client
}

// Stats describes the last compile.
type Stats struct {
	Sources int
	Entries int
	Allowed int
	Skipped int
}

// Compiler builds deny-lists from its sources.
type Compiler struct {
	cfg     Config
	timeout time.Duration
	client  *http.Client
}

// New returns a compiler.
func New(cfg Config) *Compiler {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	return &Compiler{cfg: cfg, timeout: cfg.Timeout, client: client}
}

// Compile fetches every source concurrently and builds the list. Any fetch
// failure aborts the compile with a *SourceFetchError.
func (c *Compiler) Compile(ctx context.Context) (*denylist.List, error) {
	list, _, err := c.CompileStats(ctx)
	return list, err
}

// CompileStats is Compile that also reports counts.
func (c *Compiler) CompileStats(ctx context.Context) (*denylist.List, Stats, error) {
	start := time.Now()

	blocks, allows, err := c.fetchAll(ctx)
	if err != nil {
		return nil, Stats{}, err
	}

	exact := denylist.Exact
	if c.cfg.SuffixMatch {
		exact = denylist.Suffix
	}

	b := denylist.NewBuilder()
	stats := Stats{Sources: len(blocks) + len(allows)}

	insert := func(e entry) {
		// normalized names always insert
		_ = b.Insert(e.name, e.mode)
	}

	for _, src := range blocks {
		skipped, err := parseList(bytes.NewReader(src), exact, insert)
		if err != nil {
			return nil, Stats{}, err
		}
		stats.Skipped += skipped
	}

	for _, name := range c.cfg.Blocklist {
		e, ok := parseToken(name, exact)
		if !ok {
			zlog.Warn("Invalid blocklist entry skipped", "entry", name)
			stats.Skipped++
			continue
		}
		insert(e)
	}

	remove := func(e entry) {
		if b.Remove(e.name) {
			stats.Allowed++
		}
	}

	for _, src := range allows {
		skipped, err := parseList(bytes.NewReader(src), exact, remove)
		if err != nil {
			return nil, Stats{}, err
		}
		stats.Skipped += skipped
	}

	for _, name := range c.cfg.Whitelist {
		if e, ok := parseToken(name, exact); ok {
			remove(e)
		}
	}

	list := b.Build()
	stats.Entries = list.Len()

	if list.Len() == 0 {
		return nil, stats, ErrEmptyList
	}

	zlog.Info("Deny-list compiled", "entries", stats.Entries, "allowed", stats.Allowed,
		"skipped", stats.Skipped, "sources", stats.Sources, "duration", time.Since(start).String())

	return list, stats, nil
}

func (c *Compiler) fetchAll(ctx context.Context) (blocks, allows [][]byte, err error) {
	blocks = make([][]byte, len(c.cfg.BlockLists))
	allows = make([][]byte, len(c.cfg.AllowLists))

	g, ctx := errgroup.WithContext(ctx)

	for i, source := range c.cfg.BlockLists {
		g.Go(func() error {
			b, err := c.fetch(ctx, source)
			blocks[i] = b
			return err
		})
	}

	for i, source := range c.cfg.AllowLists {
		g.Go(func() error {
			b, err := c.fetch(ctx, source)
			allows[i] = b
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return blocks, allows, nil
}
