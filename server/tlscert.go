package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

const (
	// settleDelay coalesces the writes of one rotation into one reload.
	settleDelay = 250 * time.Millisecond
	// retryDelay is how long a half written pair waits before it is read again.
	retryDelay = 5 * time.Second
	// expiryWarning is how close to NotAfter a loaded certificate is logged as
	// expiring.
	expiryWarning = 7 * 24 * time.Hour
)

var errNoCertificate = errors.New("no certificate available")

type keyPair struct {
	cert *tls.Certificate
	sum  [sha256.Size]byte
}

// certReloader serves the key pair a rotation left on disk. Any change in the
// directories holding the pair triggers a read; the pair is swapped only when
// its content changed and the two files match each other.
type certReloader struct {
	certPath string
	keyPath  string
	settle   time.Duration
	retry    time.Duration

	mu      sync.RWMutex
	current *keyPair

	watcher *fsnotify.Watcher
}

func newCertReloader(certPath, keyPath string) (*certReloader, error) {
	r := &certReloader{
		certPath: certPath,
		keyPath:  keyPath,
		settle:   settleDelay,
		retry:    retryDelay,
	}

	if _, err := r.reload(); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Directories, not files: secret mounts and certbot swap symlinks.
	for _, dir := range uniqueDirs(certPath, keyPath) {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	r.watcher = watcher

	return r, nil
}

func uniqueDirs(paths ...string) []string {
	var dirs []string
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		dir := filepath.Dir(p)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}

// reload reads both files and swaps the pair when their content changed.
func (r *certReloader) reload() (bool, error) {
	certPEM, err := os.ReadFile(r.certPath)
	if err != nil {
		return false, err
	}
	keyPEM, err := os.ReadFile(r.keyPath)
	if err != nil {
		return false, err
	}

	sum := sha256.Sum256(bytes.Join([][]byte{certPEM, keyPEM}, []byte{0}))

	r.mu.RLock()
	unchanged := r.current != nil && r.current.sum == sum
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.current = &keyPair{cert: &cert, sum: sum}
	r.mu.Unlock()

	logLoaded(r.certPath, &cert)

	return true, nil
}

func logLoaded(path string, cert *tls.Certificate) {
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			zlog.Info("TLS certificate loaded", "cert", path)
			return
		}
	}

	zlog.Info("TLS certificate loaded", "cert", path, "subject", leaf.Subject.CommonName,
		"expires", leaf.NotAfter.UTC().Format(time.RFC3339))

	if left := time.Until(leaf.NotAfter); left < expiryWarning {
		zlog.Warn("TLS certificate expires soon", "cert", path, "left", left.Round(time.Minute).String())
	}
}

// GetCertificate hands out the current pair to every new handshake.
func (r *certReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current == nil {
		return nil, errNoCertificate
	}

	return r.current.cert, nil
}

func (r *certReloader) tlsConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

// run follows the directories until ctx is done.
func (r *certReloader) run(ctx context.Context) {
	defer r.watcher.Close()

	pending := time.NewTimer(time.Hour)
	pending.Stop()
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			zlog.Debug("Certificate directory changed", "event", event.String())
			pending.Reset(r.settle)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Certificate watcher error", "error", err.Error())

		case <-pending.C:
			if _, err := r.reload(); err != nil {
				zlog.Warn("Certificate reload failed, keeping the loaded pair", "cert", r.certPath, "error", err.Error())
				pending.Reset(r.retry)
			}
		}
	}
}
