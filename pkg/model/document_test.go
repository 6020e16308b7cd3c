package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimaryKey(t *testing.T) {
	tests := []struct {
		name    string
		doc     Document
		want    string
		wantErr bool
	}{
		{"string", Document{"id": "site-1"}, "site-1", false},
		{"int", Document{"id": 42}, "42", false},
		{"decoded float", Document{"id": float64(7)}, "7", false},
		{"json number", Document{"id": json.Number("12")}, "12", false},
		{"fractional", Document{"id": 1.5}, "", true},
		{"missing", Document{"name": "x"}, "", true},
		{"empty", Document{"id": ""}, "", true},
		{"tilde", Document{"id": "a~b"}, "", true},
		{"colon", Document{"id": "a:b"}, "", true},
		{"bool", Document{"id": true}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pk, err := tt.doc.PrimaryKey("id")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPrimaryKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pk)
		})
	}
}

func TestValidateDocument(t *testing.T) {
	fields := DefaultFields()

	t.Run("nil", func(t *testing.T) {
		var doc Document
		assert.Error(t, doc.ValidateDocument(fields))
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Document{"id": "a", "_seq": float64(3)}.ValidateDocument(fields))
	})

	t.Run("negative sequence", func(t *testing.T) {
		assert.ErrorIs(t, Document{"id": "a", "_seq": -1}.ValidateDocument(fields), ErrInvalidDocument)
	})

	t.Run("sequence disabled", func(t *testing.T) {
		f := fields
		f.Increment = ""
		assert.NoError(t, Document{"id": "a", "_seq": "junk"}.ValidateDocument(f))
	})
}

func TestClone(t *testing.T) {
	doc := Document{
		"id":   "a",
		"tags": []interface{}{"x", map[string]interface{}{"y": 1}},
		"meta": map[string]interface{}{"n": 1},
	}
	clone := doc.Clone()
	assert.Equal(t, doc, clone)

	clone["meta"].(map[string]interface{})["n"] = 2
	clone["tags"].([]interface{})[1].(map[string]interface{})["y"] = 2
	assert.Equal(t, 1, doc["meta"].(map[string]interface{})["n"])
	assert.Equal(t, 1, doc["tags"].([]interface{})[1].(map[string]interface{})["y"])

	assert.Nil(t, Document(nil).Clone())
}

func TestEncodeDecode(t *testing.T) {
	doc := Document{"id": "a", "n": 1}
	data, err := doc.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "a", decoded["id"])
	n, ok := decoded.Int("n")
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

func TestFieldsApplyDefaults(t *testing.T) {
	f := Fields{Increment: ""}
	f.ApplyDefaults()
	assert.Equal(t, "id", f.PrimaryKey)
	assert.Equal(t, "", f.Increment)
	assert.Equal(t, "_deleted", f.Deleted)
	assert.Equal(t, "deleted_at", f.DeletedAt)
}
