package forwarder

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newForwarder(t *testing.T, srv *httptest.Server) *Forwarder {
	t.Helper()

	f, err := New(Config{
		Upstream:  srv.URL + "/dns-query",
		TLSConfig: srv.Client().Transport.(*http.Transport).TLSClientConfig,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	return f
}

func Test_Forward(t *testing.T) {
	answer := []byte{0x12, 0x34, 0x81, 0x80, 0, 0, 0, 0, 0, 0, 0, 0}

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/dns-query", r.URL.Path)
		assert.Equal(t, contentType, r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("query"), body)

		w.Header().Set("Content-Type", "application/dns-message; charset=binary")
		_, _ = w.Write(answer)
	}))
	defer srv.Close()

	f := newForwarder(t, srv)

	resp, err := f.Forward(context.Background(), []byte("query"))
	require.NoError(t, err)
	assert.Equal(t, answer, resp)
}

func Test_ForwardStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newForwarder(t, srv).Forward(context.Background(), []byte("query"))

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
	assert.False(t, fe.Timeout())
	assert.Contains(t, fe.Error(), "status 503")
}

func Test_ForwardContentType(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := newForwarder(t, srv).Forward(context.Background(), []byte("query"))
	assert.ErrorIs(t, err, errBadContent)
}

func Test_ForwardTooLarge(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(bytes.Repeat([]byte{0}, MaxResponseSize+1))
	}))
	defer srv.Close()

	_, err := newForwarder(t, srv).Forward(context.Background(), []byte("query"))
	assert.ErrorIs(t, err, errTooLarge)
}

func Test_ForwardTimeout(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := newForwarder(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Forward(ctx, []byte("query"))

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Timeout())
	assert.Less(t, time.Since(start), time.Second)
}

func Test_ForwardUnreachable(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	f := newForwarder(t, srv)
	srv.Close()

	_, err := f.Forward(context.Background(), []byte("query"))

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Timeout())
}

func Test_New(t *testing.T) {
	_, err := New(Config{Upstream: "http://dns.example/dns-query"})
	assert.ErrorIs(t, err, errNotHTTPS)

	_, err = New(Config{Upstream: "://"})
	assert.Error(t, err)

	f, err := New(Config{Upstream: "https://dns.example/dns-query", HTTP3: true})
	require.NoError(t, err)
	assert.Equal(t, "https://dns.example/dns-query", f.Upstream())
	assert.NoError(t, f.Close())
}
