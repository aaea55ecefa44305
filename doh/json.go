package doh

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/dohsink/metrics"
)

// Question struct
type Question struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
}

// RR struct
type RR struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// Msg is the JSON rendering of an answer.
type Msg struct {
	Status    int
	TC        bool
	RD        bool
	RA        bool
	AD        bool
	CD        bool
	Question  []Question
	Answer    []RR `json:",omitempty"`
	Authority []RR `json:",omitempty"`
}

// NewMsg renders m in presentation format.
func NewMsg(m *dns.Msg) *Msg {
	if m == nil {
		return nil
	}

	msg := &Msg{
		Status:    m.Rcode,
		TC:        m.Truncated,
		RD:        m.RecursionDesired,
		RA:        m.RecursionAvailable,
		AD:        m.AuthenticatedData,
		CD:        m.CheckingDisabled,
		Question:  make([]Question, len(m.Question)),
		Answer:    records(m.Answer),
		Authority: records(m.Ns),
	}

	for i, q := range m.Question {
		msg.Question[i] = Question{Name: q.Name, Type: q.Qtype}
	}

	return msg
}

func records(rrs []dns.RR) []RR {
	if len(rrs) == 0 {
		return nil
	}

	out := make([]RR, len(rrs))
	for i, rr := range rrs {
		out[i] = RR{
			Name: rr.Header().Name,
			Type: rr.Header().Rrtype,
			TTL:  rr.Header().Ttl,
			Data: strings.TrimPrefix(rr.String(), rr.Header().String()),
		}
	}

	return out
}

// ParseQTYPE accepts a mnemonic (case-insensitive), a number or the
// RFC 3597 TYPEnnn form. Empty means A; unknown returns dns.TypeNone.
func ParseQTYPE(s string) uint16 {
	if s == "" {
		return dns.TypeA
	}

	s = strings.ToUpper(s)
	if t, ok := dns.StringToType[s]; ok {
		return t
	}

	if n, err := strconv.ParseUint(strings.TrimPrefix(s, "TYPE"), 10, 16); err == nil && n > 0 {
		return uint16(n)
	}

	return dns.TypeNone
}

// JSONHandler serves /resolve?name=&type=&cd=&do= through the same engine as
// the wire format handler.
type JSONHandler struct {
	resolver Resolver
	metrics  *metrics.Metrics
}

// NewJSONHandler returns a JSON API handler.
func NewJSONHandler(r Resolver, m *metrics.Metrics) *JSONHandler {
	return &JSONHandler{resolver: r, metrics: m}
}

// ServeHTTP implements http.Handler.
func (h *JSONHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" || len(name) > 253 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	name = dns.Fqdn(name)

	if _, ok := dns.IsDomainName(name); !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	qtype := ParseQTYPE(r.URL.Query().Get("type"))
	if qtype == dns.TypeNone {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req := new(dns.Msg)
	req.SetQuestion(name, qtype)
	req.AuthenticatedData = true
	req.CheckingDisabled = r.URL.Query().Get("cd") == "true"
	req.SetEdns0(dns.DefaultMsgSize, r.URL.Query().Get("do") == "true")

	query, err := req.Pack()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	resp := h.resolver.Resolve(r.Context(), query)

	answer := new(dns.Msg)
	if err := answer.Unpack(resp.Msg); err != nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	body, err := json.Marshal(NewMsg(answer))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "application/x-javascript")
	} else {
		w.Header().Set("Content-Type", "application/dns-json")
	}

	w.WriteHeader(StatusCode(resp))
	_, _ = w.Write(body)

	h.metrics.ObserveQuery(resp.Outcome.String(), time.Since(start))
}
