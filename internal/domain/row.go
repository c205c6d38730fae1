package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Row is a full or partial table row. Key is the encoded primary key and
// travels with every partial row so that vertically split data can be
// joined back together.
type Row struct {
	Key    string
	Values map[int64]any
}

// RowKey encodes the primary key values of values.
func (t Table) RowKey(values map[int64]any) (string, error) {
	if len(t.PrimaryKey) == 0 {
		return "", fmt.Errorf("table %s has no primary key", t.Name)
	}
	parts := make([]string, 0, len(t.PrimaryKey))
	for _, id := range t.PrimaryKey {
		v, ok := values[id]
		if !ok || v == nil {
			return "", fmt.Errorf("primary key column %d missing in row", id)
		}
		parts = append(parts, Literal(v))
	}
	return strings.Join(parts, "|"), nil
}

// Literal formats a stored value the way partition qualifiers and
// predicates are written. Whole-number floats, as returned by JSON decoders,
// format like the integer they hold, so 1500000.0 is "1500000" and not
// "1.5e+06".
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		if f, err := x.Float64(); err == nil {
			return formatFloat(f, 64)
		}
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64, bitSize int) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, bitSize)
}

// Project returns a copy of r restricted to columns.
func (r Row) Project(columns []int64) Row {
	out := Row{Key: r.Key, Values: make(map[int64]any, len(columns))}
	for _, id := range columns {
		if v, ok := r.Values[id]; ok {
			out.Values[id] = v
		}
	}
	return out
}

// JoinRows merges partial rows that share a key. The result is sorted by key.
func JoinRows(parts ...[]Row) []Row {
	byKey := make(map[string]Row)
	for _, rows := range parts {
		for _, r := range rows {
			merged, ok := byKey[r.Key]
			if !ok {
				merged = Row{Key: r.Key, Values: make(map[int64]any, len(r.Values))}
			}
			for id, v := range r.Values {
				merged.Values[id] = v
			}
			byKey[r.Key] = merged
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Row, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}
