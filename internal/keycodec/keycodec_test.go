package keycodec

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadNumber(t *testing.T) {
	tests := []struct {
		n     uint64
		width int
		want  string
	}{
		{0, 10, "0000000000"},
		{42, 10, "0000000042"},
		{9999999999, 10, "9999999999"},
		{12345678901, 10, "12345678901"},
		{7, 0, "7"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PadNumber(tt.n, tt.width))
	}
}

func TestAlphaKey(t *testing.T) {
	tests := []struct {
		n     uint64
		width int
		want  string
	}{
		{0, 8, "00000000"},
		{35, 8, "0000000z"},
		{1700000000000, 8, "loyw3v28"},
		{2821109907456, 8, "100000000"},
		{1700000000000, 0, "loyw3v28"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AlphaKey(tt.n, tt.width))
	}
}

func TestAlphaKey_OrderMatchesNumericOrder(t *testing.T) {
	values := []uint64{1700000000000, 5, 36, 1300000000000, 35, 0, 2821109907455, 1296}
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = AlphaKey(v, 8)
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	sort.Strings(keys)

	for i, k := range keys {
		n, err := ParseAlphaKey(k)
		require.NoError(t, err)
		assert.Equal(t, values[i], n)
	}
}

func TestParse(t *testing.T) {
	n, err := ParsePadNumber("0000000042")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)

	_, err = ParsePadNumber("4x")
	assert.Error(t, err)

	_, err = ParseAlphaKey("!!")
	assert.Error(t, err)
}

func TestDocumentKey(t *testing.T) {
	key := DocumentKey(7, "site-1")
	assert.Equal(t, "0000000007:site-1", key)
	assert.True(t, key >= DocumentsLower && key < DocumentsUpper)

	seq, pk, err := SplitDocumentKey(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
	assert.Equal(t, "site-1", pk)

	for _, bad := range []string{"", "site-1", ":x", "abc:x"} {
		_, _, err := SplitDocumentKey(bad)
		assert.Error(t, err, bad)
	}

	// reserved namespaces stay outside the document range
	for _, reserved := range []string{"idx~a", "o~0000000001:a", "pk~a", "\xffincrement~_seq"} {
		assert.False(t, reserved >= DocumentsLower && reserved < DocumentsUpper, reserved)
	}
}
