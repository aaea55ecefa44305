package dnswire

import (
	"errors"
	"fmt"
)

var (
	// ErrShortHeader is returned for input shorter than the fixed header.
	ErrShortHeader = errors.New("message shorter than header")
	// ErrTruncated is returned when the declared counts need more bytes than present.
	ErrTruncated = errors.New("section counts exceed message length")
	// ErrTrailingData is returned when bytes remain after the declared sections.
	ErrTrailingData = errors.New("trailing data after declared sections")
	// ErrLabelTooLong is returned for labels over 63 octets or reserved label types.
	ErrLabelTooLong = errors.New("label exceeds 63 octets")
	// ErrNameTooLong is returned for names over 255 octets.
	ErrNameTooLong = errors.New("name exceeds 255 octets")
	// ErrBadPointer is returned for forward, out of bounds or looping compression pointers.
	ErrBadPointer = errors.New("invalid compression pointer")
	// ErrBadRData is returned when RDATA does not match its type layout.
	ErrBadRData = errors.New("malformed rdata")

	// ErrBadEscape is returned for a \DDD escape above 255.
	ErrBadEscape = errors.New("invalid escape sequence")
	// ErrEmptyLabel is returned when encoding a name with an empty label.
	ErrEmptyLabel = errors.New("empty label")
	// ErrRDataTooLong is returned when encoding RDATA over 65535 octets.
	ErrRDataTooLong = errors.New("rdata exceeds 65535 octets")
	// ErrTooManyRecords is returned when a section does not fit a 16-bit count.
	ErrTooManyRecords = errors.New("section exceeds 65535 entries")
	// ErrMessageTooLarge is returned when an encoded message exceeds 65535 octets.
	ErrMessageTooLarge = errors.New("message exceeds 65535 octets")
)

// FormatError reports malformed wire data and the offset where decoding stopped.
type FormatError struct {
	Offset int
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("dns format error at offset %d: %v", e.Offset, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErr(off int, err error) error {
	return &FormatError{Offset: off, Err: err}
}
