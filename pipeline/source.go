package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/semihalev/zlog/v2"
)

// maxSourceSize bounds a single downloaded source.
const maxSourceSize = 128 << 20

// SourceFetchError reports a source that could not be read. It aborts the
// cycle; the previous deployment stays in place.
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// fetch reads one source. http(s) sources are downloaded, anything else is
// read as a local path (file:// URLs included).
func (c *Compiler) fetch(ctx context.Context, source string) ([]byte, error) {
	start := time.Now()

	var (
		b   []byte
		err error
	)

	u, perr := url.Parse(source)
	if perr == nil && (u.Scheme == "http" || u.Scheme == "https") {
		b, err = c.download(ctx, source)
	} else {
		path := source
		if perr == nil && u.Scheme == "file" {
			path = u.Path
		}
		b, err = readFile(path)
	}

	if err != nil {
		return nil, &SourceFetchError{Source: source, Err: err}
	}

	zlog.Debug("Source fetched", "source", source, "bytes", len(b), "duration", time.Since(start).String())

	return b, nil
}

func (c *Compiler) download(ctx context.Context, source string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "dohsink")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return readLimited(resp.Body)
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readLimited(f)
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxSourceSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxSourceSize {
		return nil, fmt.Errorf("source larger than %d bytes", maxSourceSize)
	}
	return b, nil
}
