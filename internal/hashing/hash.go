package hashing

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"unicode/utf16"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Algorithm selects the digest applied to a canonical serialization.
type Algorithm string

const (
	// DJB2 is the 32-bit shift djb2 hash, rendered in base 36.
	DJB2 Algorithm = "djb2"
	// XXHash is xxHash64, rendered in base 36.
	XXHash Algorithm = "xxhash"
	// SHA1 is rendered in standard base64.
	SHA1 Algorithm = "sha1"
	// SHA256 is rendered in standard base64.
	SHA256 Algorithm = "sha256"
	// BLAKE3 is the 256-bit BLAKE3 digest, rendered in standard base64.
	BLAKE3 Algorithm = "blake3"
)

// Algorithms lists every supported algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{DJB2, XXHash, SHA1, SHA256, BLAKE3}
}

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	for _, a := range Algorithms() {
		if string(a) == name {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown hash algorithm %q", name)
}

// Cryptographic reports whether a is a cryptographic digest.
func (a Algorithm) Cryptographic() bool {
	switch a {
	case SHA1, SHA256, BLAKE3:
		return true
	}
	return false
}

// Hash returns the digest of the canonical serialization of v.
func Hash(v interface{}, algo Algorithm) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return Sum(data, algo)
}

// Sum digests already-canonical bytes.
func Sum(data []byte, algo Algorithm) (string, error) {
	switch algo {
	case DJB2:
		return strconv.FormatInt(djb2(string(data)), 36), nil
	case XXHash:
		return strconv.FormatUint(xxhash.Sum64(data), 36), nil
	case SHA1:
		sum := sha1.Sum(data)
		return base64.StdEncoding.EncodeToString(sum[:]), nil
	case SHA256:
		sum := sha256.Sum256(data)
		return base64.StdEncoding.EncodeToString(sum[:]), nil
	case BLAKE3:
		sum := blake3.Sum256(data)
		return base64.StdEncoding.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", algo)
	}
}

// djb2 walks UTF-16 code units. The shift truncates to a signed 32-bit
// value while the running sum does not, so the result can leave the int32
// range and go negative.
func djb2(s string) int64 {
	var h int64 = 5381
	for _, c := range utf16.Encode([]rune(s)) {
		h = int64(int32(uint32(h)<<5)) + h + int64(c)
	}
	return h
}
