package doh

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/dohsink/denylist"
	"github.com/semihalev/dohsink/forwarder"
	"github.com/semihalev/dohsink/metrics"
	"github.com/semihalev/dohsink/mock"
	"github.com/semihalev/dohsink/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, fwd *mock.Forwarder) *resolver.Engine {
	t.Helper()

	b := denylist.NewBuilder()
	require.NoError(t, b.Insert("ads.example.com", denylist.Exact))

	return resolver.New(b.Build(), fwd, resolver.Options{Timeout: 200 * time.Millisecond})
}

func newHandler(t *testing.T, fwd *mock.Forwarder) *Handler {
	t.Helper()
	return NewHandler(newEngine(t, fwd), metrics.New(prometheus.NewRegistry()))
}

func getRequest(query []byte) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+base64.RawURLEncoding.EncodeToString(query), nil)
	r.RemoteAddr = "127.0.0.1:0"
	return r
}

func postRequest(query []byte, ct string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(query))
	r.Header.Set("Content-Type", ct)
	r.RemoteAddr = "127.0.0.1:0"
	return r
}

func Test_ParseRequest(t *testing.T) {
	query := mock.Query("example.com", dns.TypeA, false)

	buf, err := ParseRequest(getRequest(query))
	require.NoError(t, err)
	assert.Equal(t, query, buf)

	padded := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+base64.URLEncoding.EncodeToString(query[:13]), nil)
	buf, err = ParseRequest(padded)
	require.NoError(t, err)
	assert.Equal(t, query[:13], buf)

	buf, err = ParseRequest(postRequest(query, "application/dns-message"))
	require.NoError(t, err)
	assert.Equal(t, query, buf)

	buf, err = ParseRequest(postRequest(query, "Application/DNS-Message; charset=binary"))
	require.NoError(t, err)
	assert.Equal(t, query, buf)
}

func Test_ParseRequestRejects(t *testing.T) {
	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"missing param", httptest.NewRequest(http.MethodGet, "/dns-query", nil), http.StatusBadRequest},
		{"bad base64", httptest.NewRequest(http.MethodGet, "/dns-query?dns=!!!", nil), http.StatusBadRequest},
		{"empty body", postRequest(nil, ContentType), http.StatusBadRequest},
		{"content type", postRequest([]byte("x"), "text/plain"), http.StatusUnsupportedMediaType},
		{"no content type", postRequest([]byte("x"), ""), http.StatusUnsupportedMediaType},
		{"oversize", postRequest(make([]byte, 70000), ContentType), http.StatusRequestEntityTooLarge},
		{"method", httptest.NewRequest(http.MethodPut, "/dns-query", nil), http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest(tt.req)

			var bre *BadRequestError
			require.ErrorAs(t, err, &bre)
			assert.Equal(t, tt.status, bre.Status)
		})
	}
}

func Test_HandlerBlocked(t *testing.T) {
	fwd := new(mock.Forwarder)
	h := newHandler(t, fwd)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, getRequest(mock.Query("ads.example.com", dns.TypeA, false)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ContentType, w.Header().Get("Content-Type"))
	assert.Equal(t, 0, fwd.Calls())

	m := mock.Unpack(w.Body.Bytes())
	assert.Equal(t, dns.RcodeNameError, m.Rcode)
	assert.Equal(t, uint16(0xbeef), m.Id)
}

func Test_HandlerRelayed(t *testing.T) {
	fwd := new(mock.Forwarder)
	h := newHandler(t, fwd)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, postRequest(mock.Query("example.com", dns.TypeA, false), ContentType))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, fwd.Calls())
	assert.Equal(t, "max-age=300", w.Header().Get("Cache-Control"))
	assert.Equal(t, strconv.Itoa(w.Body.Len()), w.Header().Get("Content-Length"))

	m := mock.Unpack(w.Body.Bytes())
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "192.0.2.1", m.Answer[0].(*dns.A).A.String())
}

func Test_HandlerFormatError(t *testing.T) {
	fwd := new(mock.Forwarder)
	h := newHandler(t, fwd)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, postRequest([]byte{1, 2, 3, 4, 5}, ContentType))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ContentType, w.Header().Get("Content-Type"))
	assert.Equal(t, dns.RcodeFormatError, mock.Unpack(w.Body.Bytes()).Rcode)
	assert.Equal(t, 0, fwd.Calls())
}

func Test_HandlerUpstreamErrors(t *testing.T) {
	fwd := &mock.Forwarder{Reply: func(ctx context.Context, query []byte) ([]byte, error) {
		return nil, &forwarder.Error{Status: http.StatusInternalServerError}
	}}

	w := httptest.NewRecorder()
	newHandler(t, fwd).ServeHTTP(w, getRequest(mock.Query("example.com", dns.TypeA, false)))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, dns.RcodeServerFailure, mock.Unpack(w.Body.Bytes()).Rcode)
	assert.Empty(t, w.Header().Get("Cache-Control"))

	slow := &mock.Forwarder{Reply: func(ctx context.Context, query []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, &forwarder.Error{Err: ctx.Err()}
	}}

	w = httptest.NewRecorder()
	newHandler(t, slow).ServeHTTP(w, getRequest(mock.Query("example.com", dns.TypeA, false)))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, dns.RcodeServerFailure, mock.Unpack(w.Body.Bytes()).Rcode)
}

func Test_HandlerBadRequest(t *testing.T) {
	h := newHandler(t, new(mock.Forwarder))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/dns-query", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, POST", w.Header().Get("Allow"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, postRequest([]byte("x"), "application/json"))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func Test_JSONHandler(t *testing.T) {
	fwd := new(mock.Forwarder)
	h := NewJSONHandler(newEngine(t, fwd), nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resolve?name=example.com&type=a&do=true&cd=true", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/dns-json", w.Header().Get("Content-Type"))

	var dm Msg
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dm))
	require.Len(t, dm.Answer, 1)
	assert.Equal(t, "192.0.2.1", dm.Answer[0].Data)
	assert.Equal(t, uint16(dns.TypeA), dm.Answer[0].Type)
	assert.Equal(t, "example.com.", dm.Question[0].Name)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/resolve?name=ads.example.com", nil)
	r.Header.Set("Accept", "text/html")
	h.ServeHTTP(w, r)

	assert.Equal(t, "application/x-javascript", w.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dm))
	assert.Equal(t, dns.RcodeNameError, dm.Status)
	assert.Equal(t, 1, fwd.Calls())
}

func Test_JSONHandlerErrors(t *testing.T) {
	h := NewJSONHandler(newEngine(t, new(mock.Forwarder)), nil)

	for _, target := range []string{
		"/resolve",
		"/resolve?name=",
		"/resolve?name=example.com&type=NOPE",
		"/resolve?name=" + strings.Repeat("a", 64) + ".com",
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/resolve?name=example.com", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func Test_ParseQTYPE(t *testing.T) {
	assert.Equal(t, dns.TypeA, ParseQTYPE(""))
	assert.Equal(t, dns.TypeAAAA, ParseQTYPE("aaaa"))
	assert.Equal(t, dns.TypeMX, ParseQTYPE("15"))
	assert.Equal(t, uint16(65280), ParseQTYPE("TYPE65280"))
	assert.Equal(t, dns.TypeNone, ParseQTYPE("bogus"))
	assert.Equal(t, dns.TypeNone, ParseQTYPE("0"))
}
