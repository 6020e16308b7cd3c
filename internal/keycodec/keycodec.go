// Package keycodec encodes integers as fixed-width strings whose byte order
// matches numeric order.
//
// Values at or above base^width fall back to their natural representation
// and no longer sort correctly against fixed-width values. With width 10 in
// base 10 that limit is ten billion sequence numbers; with width 8 in base 36
// it is 2821109907455, i.e. millisecond timestamps up to the year 2059.
package keycodec

import (
	"fmt"
	"strconv"
	"strings"
)

// PadNumber renders n in base 10, left-padded with zeros to width.
func PadNumber(n uint64, width int) string {
	return pad(strconv.FormatUint(n, 10), width)
}

// AlphaKey renders n in base 36 (lowercase), left-padded with zeros to width.
func AlphaKey(n uint64, width int) string {
	return pad(strconv.FormatUint(n, 36), width)
}

// ParseAlphaKey decodes a value produced by AlphaKey.
func ParseAlphaKey(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 36, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid alpha key %q: %w", s, err)
	}
	return n, nil
}

// ParsePadNumber decodes a value produced by PadNumber.
func ParsePadNumber(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid padded number %q: %w", s, err)
	}
	return n, nil
}

// Document keys are PadNumber(seq, SeqWidth) + ":" + primaryKey. They all
// start with a digit, so [DocumentsLower, DocumentsUpper) covers every
// document and nothing in the reserved namespaces.
const (
	SeqWidth       = 10
	DocumentsLower = "0"
	DocumentsUpper = ":"
)

// DocumentKey returns the storage key of a document.
func DocumentKey(seq uint64, primaryKey string) string {
	return PadNumber(seq, SeqWidth) + ":" + primaryKey
}

// SplitDocumentKey returns the sequence and primary key of a document key.
func SplitDocumentKey(key string) (uint64, string, error) {
	i := strings.IndexByte(key, ':')
	if i <= 0 {
		return 0, "", fmt.Errorf("invalid document key %q", key)
	}
	seq, err := ParsePadNumber(key[:i])
	if err != nil {
		return 0, "", err
	}
	return seq, key[i+1:], nil
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
