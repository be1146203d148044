package job

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Details is the open key/value document attached to a job. Values are
// whatever encoding/json produced, so numbers arrive as float64 or
// json.Number depending on the decoder.
type Details map[string]any

// Clone returns a deep copy via JSON round trip.
func (d Details) Clone() Details {
	if d == nil {
		return Details{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		out := make(Details, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	out := Details{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// Merge overwrites top-level keys of d with patch. Nil values delete keys.
func (d Details) Merge(patch map[string]any) Details {
	if d == nil {
		d = Details{}
	}
	for k, v := range patch {
		if v == nil {
			delete(d, k)
			continue
		}
		d[k] = v
	}
	return d
}

func (d Details) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (d Details) Bool(key string) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	}
	return false
}

// Int64 reads an integer value; ok is false when the key is missing or not integral.
func (d Details) Int64(key string) (int64, bool) {
	return toInt64(d[key])
}

// Float64 reads a numeric value.
func (d Details) Float64(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// Strings reads a list of strings. A single string is treated as a one-element list.
func (d Details) Strings(key string) []string {
	var out []string
	switch v := d[key].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, it := range v {
			var s string
			switch x := it.(type) {
			case string:
				s = x
			case json.Number:
				s = x.String()
			case float64:
				s = strconv.FormatFloat(x, 'f', -1, 64)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Int64s reads a list of integer identifiers (chat ids). Entries that are
// not integral are dropped.
func (d Details) Int64s(key string) []int64 {
	var items []any
	switch v := d[key].(type) {
	case []any:
		items = v
	case []int64:
		return append([]int64(nil), v...)
	case []int:
		out := make([]int64, 0, len(v))
		for _, n := range v {
			out = append(out, int64(n))
		}
		return out
	case nil:
		return nil
	default:
		items = []any{v}
	}
	out := make([]int64, 0, len(items))
	for _, it := range items {
		if n, ok := toInt64(it); ok {
			out = append(out, n)
		}
	}
	return out
}

// Map reads a nested object.
func (d Details) Map(key string) Details {
	switch v := d[key].(type) {
	case map[string]any:
		return Details(v)
	case Details:
		return v
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	return 0, false
}
