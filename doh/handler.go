package doh

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/dohsink/metrics"
	"github.com/semihalev/dohsink/resolver"
	"github.com/semihalev/zlog/v2"
)

// Resolver answers raw DNS queries.
type Resolver interface {
	Resolve(ctx context.Context, query []byte) *resolver.Response
}

// Handler serves /dns-query.
type Handler struct {
	resolver Resolver
	metrics  *metrics.Metrics
}

// NewHandler returns a wire format handler.
func NewHandler(r Resolver, m *metrics.Metrics) *Handler {
	return &Handler{resolver: r, metrics: m}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	query, err := ParseRequest(r)
	if err != nil {
		var bre *BadRequestError
		status := http.StatusBadRequest
		if errors.As(err, &bre) {
			status = bre.Status
		}
		if status == http.StatusMethodNotAllowed {
			w.Header().Set("Allow", "GET, POST")
		}

		zlog.Debug("DoH request rejected", "client", r.RemoteAddr, "method", r.Method, "error", err.Error())
		h.metrics.ObserveQuery("bad_request", time.Since(start))

		http.Error(w, http.StatusText(status), status)
		return
	}

	resp := h.resolver.Resolve(r.Context(), query)
	status := StatusCode(resp)

	WriteResponse(w, status, resp.Msg)

	h.observe(r, resp, status, start)
}

// StatusCode maps an outcome to the HTTP status. The body is always a DNS
// message.
func StatusCode(resp *resolver.Response) int {
	switch resp.Outcome {
	case resolver.OutcomeFormatError:
		return http.StatusBadRequest
	case resolver.OutcomeUpstreamError:
		if resp.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}

	return http.StatusOK
}

func (h *Handler) observe(r *http.Request, resp *resolver.Response, status int, start time.Time) {
	elapsed := time.Since(start)
	h.metrics.ObserveQuery(resp.Outcome.String(), elapsed)

	fields := []any{
		"client", r.RemoteAddr,
		"name", resp.Question.Name.String(),
		"type", dns.Type(resp.Question.Type).String(),
		"outcome", resp.Outcome.String(),
		"status", status,
		"duration", elapsed.String(),
	}
	if resp.Err != nil {
		fields = append(fields, "error", resp.Err.Error())
	}

	if resp.Outcome == resolver.OutcomeUpstreamError {
		zlog.Warn("Upstream query failed", fields...)
		return
	}

	zlog.Debug("DoH query", fields...)
}
