package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ReservedKeyChars lists the characters that separate segments of
// composite store keys. Primary keys must not contain them.
const ReservedKeyChars = "~:"

// Fields names the reserved document fields. Every name is configurable;
// an empty Increment disables sequence assignment.
type Fields struct {
	PrimaryKey string `yaml:"primary_key"`
	Increment  string `yaml:"incrementing_key"`
	CreatedAt  string `yaml:"created_at"`
	UpdatedAt  string `yaml:"updated_at"`
	DeletedAt  string `yaml:"deleted_at"`
	Deleted    string `yaml:"deleted"`
}

// DefaultFields returns the default reserved field names.
func DefaultFields() Fields {
	return Fields{
		PrimaryKey: "id",
		Increment:  "_seq",
		CreatedAt:  "created_at",
		UpdatedAt:  "updated_at",
		DeletedAt:  "deleted_at",
		Deleted:    "_deleted",
	}
}

// ApplyDefaults fills empty names, except Increment which may be disabled on purpose.
func (f *Fields) ApplyDefaults() {
	d := DefaultFields()
	if f.PrimaryKey == "" {
		f.PrimaryKey = d.PrimaryKey
	}
	if f.CreatedAt == "" {
		f.CreatedAt = d.CreatedAt
	}
	if f.UpdatedAt == "" {
		f.UpdatedAt = d.UpdatedAt
	}
	if f.DeletedAt == "" {
		f.DeletedAt = d.DeletedAt
	}
	if f.Deleted == "" {
		f.Deleted = d.Deleted
	}
}

// Document is a stored JSON object. Values decoded from the store follow
// encoding/json conventions (numbers are float64).
type Document map[string]interface{}

// Decode parses a stored document.
func Decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// Encode serializes a document for storage.
func (doc Document) Encode() ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy of the document.
func (doc Document) Clone() Document {
	if doc == nil {
		return nil
	}
	return CloneValue(map[string]interface{}(doc)).(map[string]interface{})
}

// CloneValue deep copies a JSON-like value. Maps and slices are copied,
// everything else is returned as is.
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return Document(CloneValue(map[string]interface{}(val)).(map[string]interface{}))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Int reads an integral field. It accepts the numeric types produced by
// encoding/json and by Go callers.
func (doc Document) Int(field string) (int64, bool) {
	return ToInt(doc[field])
}

// Bool reports whether field holds boolean true.
func (doc Document) Bool(field string) bool {
	b, ok := doc[field].(bool)
	return ok && b
}

// PrimaryKey returns the string form of the primary key field.
func (doc Document) PrimaryKey(field string) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("%w: document is nil", ErrInvalidPrimaryKey)
	}
	raw, ok := doc[field]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: field %q is missing", ErrInvalidPrimaryKey, field)
	}

	var pk string
	switch v := raw.(type) {
	case string:
		pk = v
	case json.Number:
		pk = v.String()
	default:
		n, ok := ToInt(raw)
		if !ok {
			return "", fmt.Errorf("%w: field %q must be a string or integer", ErrInvalidPrimaryKey, field)
		}
		pk = strconv.FormatInt(n, 10)
	}

	if pk == "" {
		return "", fmt.Errorf("%w: field %q cannot be empty", ErrInvalidPrimaryKey, field)
	}
	if strings.ContainsAny(pk, ReservedKeyChars) {
		return "", fmt.Errorf("%w: %q contains a reserved character (%s)", ErrInvalidPrimaryKey, pk, ReservedKeyChars)
	}
	return pk, nil
}

// ToInt converts integral JSON-like numbers to int64.
func ToInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// ValidateDocument checks the document can be stored under fields.
func (doc Document) ValidateDocument(fields Fields) error {
	if doc == nil {
		return fmt.Errorf("%w: data cannot be nil", ErrInvalidDocument)
	}
	if _, err := doc.PrimaryKey(fields.PrimaryKey); err != nil {
		return err
	}
	if fields.Increment != "" {
		if raw, ok := doc[fields.Increment]; ok && raw != nil {
			if n, ok := ToInt(raw); !ok || n < 0 {
				return fmt.Errorf("%w: field %q must be a non-negative integer", ErrInvalidDocument, fields.Increment)
			}
		}
	}
	return nil
}
