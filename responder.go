package main

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/dohsink/accesslist"
	"github.com/semihalev/dohsink/cache"
	"github.com/semihalev/dohsink/config"
	"github.com/semihalev/dohsink/denylist"
	"github.com/semihalev/dohsink/doh"
	"github.com/semihalev/dohsink/forwarder"
	"github.com/semihalev/dohsink/lambda"
	"github.com/semihalev/dohsink/metrics"
	"github.com/semihalev/dohsink/ratelimit"
	"github.com/semihalev/dohsink/resolver"
	"github.com/semihalev/dohsink/server"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
)

type responder struct {
	handler   http.Handler
	forwarder *forwarder.Forwarder
	limiter   *ratelimit.RateLimit
}

func newResponder(cfg *config.Config, reg *prometheus.Registry) (*responder, error) {
	m := metrics.New(reg)

	fwd, err := forwarder.New(forwarder.Config{
		Upstream: cfg.Upstream,
		HTTP3:    cfg.UpstreamHTTP3,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	var next resolver.Forwarder = fwd
	if cfg.CacheSize > 0 {
		next = cache.New(fwd, cfg.CacheSize, cfg.Timeout.Duration, m)
	}

	list := denylist.NewLazy(cfg.DenyList, func(l *denylist.List) {
		m.SetEntries(l.Len())
	})

	engine := resolver.New(list, next, resolver.Options{
		Timeout:         cfg.Timeout.Duration,
		AddressSinkhole: cfg.Sinkhole == config.SinkholeAddress,
		Nullroute:       net.ParseIP(cfg.Nullroute),
		Nullroutev6:     net.ParseIP(cfg.Nullroutev6),
		SinkholeTTL:     cfg.SinkholeTTL,
	})

	limiter := ratelimit.New(cfg.ClientRateLimit)

	handler := server.NewRouter(server.Routes{
		DNS:     doh.NewHandler(engine, m),
		JSON:    doh.NewJSONHandler(engine, m),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Admission: []func(http.Handler) http.Handler{
			accesslist.New(cfg.AccessList).Handler,
			limiter.Handler,
		},
	}, cfg.TrustProxy)

	return &responder{handler: handler, forwarder: fwd, limiter: limiter}, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the responder as a long running DoH server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			r, err := newResponder(a.cfg, newRegistry())
			if err != nil {
				return err
			}
			defer r.forwarder.Close()

			go r.limiter.Run(ctx, time.Minute)

			zlog.Info("Starting dohsink...", "version", version, "upstream", r.forwarder.Upstream())

			srv := server.New(server.Config{
				Bind:           a.cfg.Bind,
				TLSCertificate: a.cfg.TLSCertificate,
				TLSPrivateKey:  a.cfg.TLSPrivateKey,
			}, r.handler)

			err = srv.Run(ctx)

			zlog.Info("Stopping dohsink...")

			return err
		},
	}
}

func (a *app) lambdaCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "lambda",
		Short: "Run inside AWS Lambda as the configured role",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if role == "" {
				role = a.cfg.Role
			}

			switch role {
			case config.RoleResponder:
				r, err := newResponder(a.cfg, newRegistry())
				if err != nil {
					return err
				}

				zlog.Info("Starting lambda responder", "version", version, "upstream", r.forwarder.Upstream())
				lambda.NewResponder(r.handler).Start()

			case config.RoleUpdater:
				u, err := a.newUpdater(cmd.Context(), nil)
				if err != nil {
					return err
				}

				zlog.Info("Starting lambda updater", "version", version)
				lambda.NewUpdater(u).Start()

			default:
				return fmt.Errorf("unknown role %q", role)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "override the configured role [responder,updater]")

	return cmd
}
