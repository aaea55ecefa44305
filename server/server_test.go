package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCert(t *testing.T, commonName string) ([]byte, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func writeCertAndKey(t *testing.T, certPath, keyPath string, cert, key []byte) {
	t.Helper()

	require.NoError(t, os.WriteFile(keyPath, key, 0o600))
	require.NoError(t, os.WriteFile(certPath, cert, 0o644))
}

func commonName(t *testing.T, r *certReloader) string {
	t.Helper()

	cert, err := r.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	return leaf.Subject.CommonName
}

func startReloader(t *testing.T, certPath, keyPath string) *certReloader {
	t.Helper()

	r, err := newCertReloader(certPath, keyPath)
	require.NoError(t, err)
	r.settle = 20 * time.Millisecond
	r.retry = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return r
}

func TestCertReloader(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	cert, key := generateTestCert(t, "one.example.com")
	writeCertAndKey(t, certPath, keyPath, cert, key)

	r := startReloader(t, certPath, keyPath)

	assert.Equal(t, "one.example.com", commonName(t, r))
	assert.Equal(t, uint16(tls.VersionTLS12), r.tlsConfig().MinVersion)

	cert, key = generateTestCert(t, "two.example.com")
	writeCertAndKey(t, certPath, keyPath, cert, key)

	assert.Eventually(t, func() bool {
		return commonName(t, r) == "two.example.com"
	}, 2*time.Second, 10*time.Millisecond)

	swapped, err := r.reload()
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestCertReloaderKeyWrittenLast(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	cert, key := generateTestCert(t, "one.example.com")
	writeCertAndKey(t, certPath, keyPath, cert, key)

	r := startReloader(t, certPath, keyPath)

	cert, key = generateTestCert(t, "two.example.com")
	require.NoError(t, os.WriteFile(certPath, cert, 0o644))

	// a certificate without its key is not served
	_, err := r.reload()
	assert.Error(t, err)
	assert.Equal(t, "one.example.com", commonName(t, r))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(keyPath, key, 0o600))

	assert.Eventually(t, func() bool {
		return commonName(t, r) == "two.example.com"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCertReloaderSymlinkSwap(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")

	link := func(name string) {
		data := filepath.Join(dir, "..data")
		tmp := data + "_tmp"
		require.NoError(t, os.Symlink(name, tmp))
		require.NoError(t, os.Rename(tmp, data))
	}

	for i, cn := range []string{"one.example.com", "two.example.com"} {
		version := filepath.Join(dir, fmt.Sprintf("..v%d", i))
		require.NoError(t, os.Mkdir(version, 0o755))
		cert, key := generateTestCert(t, cn)
		writeCertAndKey(t, filepath.Join(version, "tls.crt"), filepath.Join(version, "tls.key"), cert, key)
	}

	link("..v0")
	require.NoError(t, os.Symlink(filepath.Join("..data", "tls.crt"), certPath))
	require.NoError(t, os.Symlink(filepath.Join("..data", "tls.key"), keyPath))

	r := startReloader(t, certPath, keyPath)
	assert.Equal(t, "one.example.com", commonName(t, r))

	link("..v1")

	assert.Eventually(t, func() bool {
		return commonName(t, r) == "two.example.com"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCertReloaderMissing(t *testing.T) {
	dir := t.TempDir()

	_, err := newCertReloader(filepath.Join(dir, "none.crt"), filepath.Join(dir, "none.key"))
	assert.Error(t, err)
}

func TestUniqueDirs(t *testing.T) {
	assert.Equal(t, []string{"/etc/tls"}, uniqueDirs("/etc/tls/a.crt", "/etc/tls/a.key"))
	assert.Equal(t, []string{"/etc/tls", "/etc/keys"}, uniqueDirs("/etc/tls/a.crt", "/etc/keys/a.key"))
}

func newTestRouter(trustProxy bool) http.Handler {
	dnsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "dns "+r.RemoteAddr)
	})
	jsonHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "json")
	})
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "metrics")
	})
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Deny") != "" {
				http.Error(w, "denied", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	panicky := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Panic") != "" {
				panic("boom")
			}
			next.ServeHTTP(w, r)
		})
	}

	return NewRouter(Routes{
		DNS:       dnsHandler,
		JSON:      jsonHandler,
		Metrics:   metricsHandler,
		Admission: []func(http.Handler) http.Handler{deny, panicky},
	}, trustProxy)
}

func get(h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.RemoteAddr = "192.0.2.1:1234"
	for k, v := range header {
		r.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRouter(t *testing.T) {
	h := newTestRouter(false)

	w := get(h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok\n", w.Body.String())

	assert.Equal(t, "metrics", get(h, "/metrics", nil).Body.String())
	assert.Equal(t, "json", get(h, "/resolve?name=example.com", nil).Body.String())
	assert.Equal(t, "dns 192.0.2.1:1234", get(h, "/dns-query", map[string]string{"X-Real-IP": "203.0.113.9"}).Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(h, "/dns-query", map[string]string{"X-Deny": "1"}).Code)
	assert.Equal(t, http.StatusUnauthorized, get(h, "/resolve", map[string]string{"X-Deny": "1"}).Code)
	assert.Equal(t, http.StatusOK, get(h, "/healthz", map[string]string{"X-Deny": "1"}).Code)

	assert.Equal(t, http.StatusInternalServerError, get(h, "/dns-query", map[string]string{"X-Panic": "1"}).Code)
	assert.Equal(t, http.StatusNotFound, get(h, "/other", nil).Code)
}

func TestRouterTrustProxy(t *testing.T) {
	h := newTestRouter(true)

	w := get(h, "/dns-query", map[string]string{"X-Real-IP": "203.0.113.9"})
	assert.Equal(t, "dns 203.0.113.9", w.Body.String())
}

func TestServerRun(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	cert, key := generateTestCert(t, "localhost")
	writeCertAndKey(t, certPath, keyPath, cert, key)

	srv := New(Config{Bind: "127.0.0.1:0", TLSCertificate: certPath, TLSPrivateKey: keyPath}, newTestRouter(false))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var addr string
	select {
	case a := <-srv.Ready():
		addr = a.String()
	case err := <-done:
		t.Fatalf("server stopped: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(cert))

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig:   &tls.Config{RootCAs: pool, ServerName: "localhost"},
		ForceAttemptHTTP2: true,
	}}

	resp, err := client.Get("https://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))
	assert.Equal(t, 2, resp.ProtoMajor)

	// new handshakes pick up a rotated pair
	rotated, rotatedKey := generateTestCert(t, "localhost")
	writeCertAndKey(t, certPath, keyPath, rotated, rotatedKey)
	require.True(t, pool.AppendCertsFromPEM(rotated))

	want, _ := pem.Decode(rotated)
	assert.Eventually(t, func() bool {
		conn, err := tls.Dial("tcp", addr, &tls.Config{RootCAs: pool, ServerName: "localhost"})
		if err != nil {
			return false
		}
		defer conn.Close()

		peers := conn.ConnectionState().PeerCertificates
		return len(peers) > 0 && bytes.Equal(peers[0].Raw, want.Bytes)
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerRunBindError(t *testing.T) {
	srv := New(Config{Bind: "256.0.0.1:0"}, http.NotFoundHandler())
	assert.Error(t, srv.Run(context.Background()))
}

func TestListenSystemdWithoutSockets(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	_, err := listen("systemd")
	assert.Error(t, err)
}
