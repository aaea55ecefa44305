// Package doh adapts DNS-over-HTTPS (RFC 8484) requests to the resolution
// engine.
package doh

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/semihalev/dohsink/dnswire"
)

// ContentType of DNS wire format bodies.
const ContentType = "application/dns-message"

var (
	errMissingParam = errors.New("missing dns parameter")
	errEmpty        = errors.New("empty dns message")
	errTooLarge     = errors.New("dns message exceeds 65535 bytes")
)

// BadRequestError rejects a request before any DNS decoding.
type BadRequestError struct {
	Status int
	Err    error
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.Status, http.StatusText(e.Status), e.Err)
}

func (e *BadRequestError) Unwrap() error { return e.Err }

func badRequest(status int, err error) *BadRequestError {
	return &BadRequestError{Status: status, Err: err}
}

// ParseRequest extracts the raw DNS message from a GET or POST request.
func ParseRequest(r *http.Request) ([]byte, error) {
	var (
		buf []byte
		err error
	)

	switch r.Method {
	case http.MethodGet:
		param := r.URL.Query().Get("dns")
		if param == "" {
			return nil, badRequest(http.StatusBadRequest, errMissingParam)
		}

		// padding is not allowed by RFC 8484 but some clients send it
		buf, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(param, "="))
		if err != nil {
			return nil, badRequest(http.StatusBadRequest, fmt.Errorf("invalid base64url: %w", err))
		}

	case http.MethodPost:
		ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || ct != ContentType {
			return nil, badRequest(http.StatusUnsupportedMediaType, fmt.Errorf("content type %q", r.Header.Get("Content-Type")))
		}

		defer r.Body.Close()

		buf, err = io.ReadAll(io.LimitReader(r.Body, dnswire.MaxMsgSize+1))
		if err != nil {
			return nil, badRequest(http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		}

	default:
		return nil, badRequest(http.StatusMethodNotAllowed, fmt.Errorf("method %s", r.Method))
	}

	if len(buf) > dnswire.MaxMsgSize {
		return nil, badRequest(http.StatusRequestEntityTooLarge, errTooLarge)
	}

	if len(buf) == 0 {
		return nil, badRequest(http.StatusBadRequest, errEmpty)
	}

	return buf, nil
}
