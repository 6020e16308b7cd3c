package matcher

import (
	"encoding/json"
	"strings"

	"github.com/syntrixbase/contextdb/pkg/model"
)

// Filter operators usable as literal constraint values, e.g.
// {"status": {"$any": ["open", "held"]}}.
const (
	OpPresent  = "$present"  // field exists and is not null (or the opposite for false)
	OpAny      = "$any"      // value equals one of the listed values
	OpNot      = "$not"      // value differs from the operand (or from every listed value)
	OpContains = "$contains" // array value contains the operand (or every listed value)
)

// CheckFilter reports whether doc satisfies every constraint in filter.
// A nested mapping constrains a sub-document field by field; a null
// constraint matches a missing or null field; everything else must be
// equal, with numbers compared by value.
func CheckFilter(doc map[string]interface{}, filter map[string]interface{}) bool {
	for field, want := range filter {
		got, present := doc[field]
		if !matchValue(got, present, want) {
			return false
		}
	}
	return true
}

func matchValue(got interface{}, present bool, want interface{}) bool {
	if constraint, ok := asMap(want); ok {
		if isOperatorMap(constraint) {
			return matchOperators(got, present, constraint)
		}
		sub, ok := asMap(got)
		if !ok {
			return false
		}
		return CheckFilter(sub, constraint)
	}
	if want == nil {
		return got == nil
	}
	return Equal(got, want)
}

func isOperatorMap(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func matchOperators(got interface{}, present bool, ops map[string]interface{}) bool {
	for op, operand := range ops {
		switch op {
		case OpPresent:
			want, _ := operand.(bool)
			if (present && got != nil) != want {
				return false
			}
		case OpAny:
			list, ok := operand.([]interface{})
			if !ok || !containsEqual(list, got) {
				return false
			}
		case OpNot:
			if list, ok := operand.([]interface{}); ok {
				if containsEqual(list, got) {
					return false
				}
			} else if matchValue(got, present, operand) {
				return false
			}
		case OpContains:
			values, ok := got.([]interface{})
			if !ok {
				return false
			}
			wanted, isList := operand.([]interface{})
			if !isList {
				wanted = []interface{}{operand}
			}
			for _, w := range wanted {
				if !containsEqual(values, w) {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

func containsEqual(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if Equal(item, v) {
			return true
		}
	}
	return false
}

// Equal compares JSON-like values deeply. Numbers of any Go numeric type
// compare by value.
func Equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ma, ok := asMap(a); ok {
		mb, ok := asMap(b)
		if !ok || len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !Equal(va, vb) {
				return false
			}
		}
		return true
	}
	if sa, ok := a.([]interface{}); ok {
		sb, ok := b.([]interface{})
		if !ok || len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if !Equal(sa[i], sb[i]) {
				return false
			}
		}
		return true
	}
	switch va := a.(type) {
	case nil:
		return b == nil
	case string:
		vb, ok := b.(string)
		return ok && va == vb
	case bool:
		vb, ok := b.(bool)
		return ok && va == vb
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case model.Document:
		return m, true
	}
	return nil, false
}
