// Package server runs the responder as a long-lived HTTPS service.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	l "log"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"blitiri.com.ar/go/systemd"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/semihalev/zlog/v2"
)

const shutdownGrace = 5 * time.Second

// Routes are the handlers mounted by NewRouter. Admission runs in order in
// front of the DNS and JSON handlers only.
type Routes struct {
	DNS       http.Handler
	JSON      http.Handler
	Metrics   http.Handler
	Admission []func(http.Handler) http.Handler
}

// NewRouter builds the http surface.
func NewRouter(routes Routes, trustProxy bool) http.Handler {
	r := chi.NewRouter()

	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(routes.Admission...)

		// the handler answers 405 itself, with a DNS-aware Allow header
		r.Handle("/dns-query", routes.DNS)

		if routes.JSON != nil {
			r.Handle("/resolve", routes.JSON)
		}
	})

	return r
}

// Config type
type Config struct {
	Bind           string
	TLSCertificate string
	TLSPrivateKey  string
}

// Server type
type Server struct {
	cfg     Config
	handler http.Handler

	ready chan net.Addr
}

// New return new server
func New(cfg Config, handler http.Handler) *Server {
	if cfg.Bind == "" {
		cfg.Bind = ":8053"
	}

	return &Server{cfg: cfg, handler: handler, ready: make(chan net.Addr, 1)}
}

// Ready yields the bound address once the listener is up.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Run serves until ctx is done, then shuts down gracefully. Without a
// certificate it serves plain HTTP for a TLS terminating proxy.
func (s *Server) Run(ctx context.Context) error {
	logReader, logWriter := io.Pipe()
	defer logWriter.Close()
	go readlogs(logReader)

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          l.New(logWriter, "", 0),
	}

	ln, err := listen(s.cfg.Bind)
	if err != nil {
		return err
	}

	tlsEnabled := s.cfg.TLSCertificate != ""
	if tlsEnabled {
		certs, err := newCertReloader(s.cfg.TLSCertificate, s.cfg.TLSPrivateKey)
		if err != nil {
			_ = ln.Close()
			return err
		}

		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go certs.run(watchCtx)

		srv.TLSConfig = certs.tlsConfig()
	}

	zlog.Info("DoH server listening...", "addr", ln.Addr().String(), "tls", tlsEnabled)
	s.ready <- ln.Addr()

	errCh := make(chan error, 1)
	go func() {
		if tlsEnabled {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	zlog.Info("DoH server shutting down...", "addr", ln.Addr().String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// listen binds addr. The address "systemd" takes the first TCP socket passed
// by systemd socket activation.
func listen(addr string) (net.Listener, error) {
	if addr != "systemd" {
		return net.Listen("tcp", addr)
	}

	fsMap, err := systemd.Files()
	if err != nil {
		return nil, fmt.Errorf("systemd listeners: %w", err)
	}

	names := make([]string, 0, len(fsMap))
	for name := range fsMap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, f := range fsMap[name] {
			ln, err := net.FileListener(f)
			_ = f.Close()
			if err == nil {
				return ln, nil
			}
		}
	}

	return nil, errors.New("no systemd listening socket, did you forget the .socket?")
}

func readlogs(rd io.Reader) {
	buf := bufio.NewReader(rd)
	for {
		line, err := buf.ReadBytes('\n')
		if err != nil {
			return
		}

		parts := strings.SplitN(strings.TrimSuffix(string(line), "\n"), " ", 2)
		if len(parts) > 1 {
			zlog.Warn("Client http socket failed", "net", "https", "error", parts[1])
		}
	}
}
