package indexer

import (
	"fmt"
	"strings"

	"github.com/syntrixbase/contextdb/internal/keycodec"
	"github.com/syntrixbase/contextdb/internal/storage"
)

// Key prefixes of the index namespaces.
const (
	prefixIdx   = "idx~" // Composite entries: idx~{fp}~{binding}~c~{docKey} → document
	prefixOwner = "o~"   // Reverse index: o~{docKey} → JSON array of composite keys

	stateCurrent = "c"
	stateDeleted = "d"

	// deletedAtWidth is the AlphaKey width of deletion timestamps.
	deletedAtWidth = 8

	// deletedRangeEnd closes every deleted-state range. It sorts after any
	// base-36 timestamp.
	deletedRangeEnd = "\xff"
)

// KeyInfo is a decoded composite key.
type KeyInfo struct {
	Fingerprint string
	Binding     string
	Deleted     bool
	DeletedAt   uint64
	DocKey      string
}

// bindingPrefix builds idx~{fp}~{binding}~.
func bindingPrefix(fingerprint, binding string) string {
	return prefixIdx + fingerprint + "~" + binding + "~"
}

// CurrentKey builds the composite key of a current-state entry.
func CurrentKey(fingerprint, binding, docKey string) string {
	return bindingPrefix(fingerprint, binding) + stateCurrent + "~" + docKey
}

// DeletedKey builds the composite key of a deleted-state entry.
func DeletedKey(fingerprint, binding string, deletedAt uint64, docKey string) string {
	return bindingPrefix(fingerprint, binding) + stateDeleted + "~" +
		keycodec.AlphaKey(deletedAt, deletedAtWidth) + "~" + docKey
}

// OwnerKey builds the reverse-index key of a document.
func OwnerKey(docKey string) []byte {
	return []byte(prefixOwner + docKey)
}

// ParseKey decodes a composite key.
func ParseKey(key string) (KeyInfo, error) {
	if !strings.HasPrefix(key, prefixIdx) {
		return KeyInfo{}, fmt.Errorf("not a composite key: %q", key)
	}
	parts := strings.Split(key[len(prefixIdx):], "~")
	switch {
	case len(parts) == 4 && parts[2] == stateCurrent:
		return KeyInfo{Fingerprint: parts[0], Binding: parts[1], DocKey: parts[3]}, nil
	case len(parts) == 5 && parts[2] == stateDeleted:
		at, err := keycodec.ParseAlphaKey(parts[3])
		if err != nil {
			return KeyInfo{}, err
		}
		return KeyInfo{Fingerprint: parts[0], Binding: parts[1], Deleted: true, DeletedAt: at, DocKey: parts[4]}, nil
	}
	return KeyInfo{}, fmt.Errorf("malformed composite key: %q", key)
}

// CurrentRange returns the scan range of current-state entries under a
// fingerprint and binding hash.
func CurrentRange(fingerprint, binding string) (lower, upper []byte) {
	lower = []byte(bindingPrefix(fingerprint, binding) + stateCurrent + "~")
	return lower, storage.PrefixEnd(lower)
}

// DeletedRange returns the scan range of deleted-state entries deleted at or
// after since (epoch milliseconds).
func DeletedRange(fingerprint, binding string, since uint64) (lower, upper []byte) {
	prefix := bindingPrefix(fingerprint, binding) + stateDeleted + "~"
	return []byte(prefix + keycodec.AlphaKey(since, deletedAtWidth)), []byte(prefix + deletedRangeEnd)
}
