// Package forwarder relays raw DNS queries to one upstream DNS-over-HTTPS
// resolver.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/semihalev/dohsink/metrics"
)

const (
	contentType = "application/dns-message"

	// MaxResponseSize bounds the upstream response body.
	MaxResponseSize = 64 * 1024
)

var (
	errTooLarge   = errors.New("response exceeds 64KiB")
	errNotHTTPS   = errors.New("upstream must be an https url")
	errBadContent = errors.New("unexpected content type")
)

// Error is returned for every failed upstream exchange.
type Error struct {
	Upstream string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: status %d", e.Upstream, e.Status)
	}
	return fmt.Sprintf("upstream %s: %v", e.Upstream, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the exchange failed on a deadline.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Config type
type Config struct {
	Upstream string
	HTTP3    bool

	// TLSConfig overrides the system roots, mostly for tests.
	TLSConfig *tls.Config

	Metrics *metrics.Metrics
}

// Forwarder type
type Forwarder struct {
	upstream string
	client   *http.Client
	closer   io.Closer
	metrics  *metrics.Metrics
}

// New returns a forwarder for cfg.Upstream. The http client is shared by
// all requests and keeps its connections warm.
func New(cfg Config) (*Forwarder, error) {
	u, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, errNotHTTPS
	}

	f := &Forwarder{
		upstream: u.String(),
		metrics:  cfg.Metrics,
	}

	if cfg.HTTP3 {
		tr := &http3.Transport{
			TLSClientConfig: cfg.TLSConfig,
			QUICConfig: &quic.Config{
				MaxIdleTimeout:  30 * time.Second,
				KeepAlivePeriod: 10 * time.Second,
			},
		}
		f.client = &http.Client{Transport: tr}
		f.closer = tr
		return f, nil
	}

	f.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: cfg.TLSConfig,
			Proxy:           http.ProxyFromEnvironment,
			IdleConnTimeout: 30 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          16,
			TLSHandshakeTimeout:   4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	return f, nil
}

// Upstream returns the upstream URL.
func (f *Forwarder) Upstream() string { return f.upstream }

// Forward posts query to the upstream and returns the raw answer. The caller
// bounds the exchange through ctx; there are no retries.
func (f *Forwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.upstream, bytes.NewReader(query))
	if err != nil {
		return nil, f.error(0, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	start := time.Now()
	defer func() { f.metrics.ObserveUpstream(time.Since(start)) }()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.error(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
		return nil, f.error(resp.StatusCode, nil)
	}

	ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, f.error(0, fmt.Errorf("parse content type: %w", err))
	}
	if ct != contentType {
		return nil, f.error(0, fmt.Errorf("%w %q", errBadContent, ct))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, f.error(0, fmt.Errorf("read body: %w", err))
	}
	if len(body) > MaxResponseSize {
		return nil, f.error(0, errTooLarge)
	}

	return body, nil
}

// Close releases idle connections.
func (f *Forwarder) Close() error {
	f.client.CloseIdleConnections()
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

func (f *Forwarder) error(status int, err error) *Error {
	return &Error{Upstream: f.upstream, Status: status, Err: err}
}
