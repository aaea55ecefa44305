// Package accesslist admits HTTP clients by source address.
package accesslist

import (
	"net"
	"net/http"

	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
)

// AccessList type
type AccessList struct {
	ranger cidranger.Ranger
}

// New returns an access list for cidrs. Entries that do not parse are
// logged and skipped; an empty list admits everyone.
func New(cidrs []string) *AccessList {
	a := &AccessList{ranger: cidranger.NewPCTrieRanger()}

	if len(cidrs) == 0 {
		cidrs = []string{"0.0.0.0/0", "::/0"}
	}

	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		if err := a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			zlog.Error("Access list insert failed", "cidr", cidr, "error", err.Error())
		}
	}

	return a
}

// Allowed reports whether ip may query.
func (a *AccessList) Allowed(ip net.IP) bool {
	if ip == nil {
		return false
	}

	allowed, _ := a.ranger.Contains(ip)
	return allowed
}

// Handler rejects clients outside the list with 401.
func (a *AccessList) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(ClientIP(r)) {
			zlog.Debug("Client not in access list", "client", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP parses the host part of r.RemoteAddr.
func ClientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return net.ParseIP(host)
}
