package doh

import (
	"net/http"
	"strconv"

	"github.com/semihalev/dohsink/dnswire"
)

// WriteResponse writes msg with the given status. Successful answers carry
// their smallest answer TTL as max-age; clients may ignore it.
func WriteResponse(w http.ResponseWriter, status int, msg []byte) {
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Content-Length", strconv.Itoa(len(msg)))

	if status == http.StatusOK {
		if m, err := dnswire.Decode(msg); err == nil {
			if ttl, ok := dnswire.MinTTL(m.Answer); ok {
				h.Set("Cache-Control", "max-age="+strconv.FormatUint(uint64(ttl), 10))
			}
		}
	}

	w.WriteHeader(status)
	_, _ = w.Write(msg)
}
