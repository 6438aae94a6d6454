package storage

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Record is a schemaless row. Values follow encoding/json typing after storage:
// numbers are float64, arrays are []interface{}.
type Record map[string]interface{}

// Filters selects records by field equality
type Filters map[string]interface{}

// ID returns the record id
func (r Record) ID() string {
	return r.String("id")
}

// String returns a string field or ""
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns an integer field and whether it was present and numeric
func (r Record) Int(key string) (int64, bool) {
	switch v := r[key].(type) {
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Bool returns a boolean field or false
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Strings returns a string list field
func (r Record) Strings(key string) []string {
	switch v := r[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	}
	return nil
}

// normalize deep-copies a record through JSON so every backend sees the same types
func normalize(rec Record) (Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (Record, error) {
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return out, nil
}

func normalizeValue(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func normalizeFilters(filters Filters) Filters {
	out := make(Filters, len(filters))
	for k, v := range filters {
		out[k] = normalizeValue(v)
	}
	return out
}

// matches expects filters already normalized
func matches(rec Record, filters Filters) bool {
	for k, want := range filters {
		got, ok := rec[k]
		if !ok {
			if want == nil {
				continue
			}
			return false
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func merge(rec Record, patch Record) Record {
	out := make(Record, len(rec)+len(patch))
	for k, v := range rec {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func sortRecords(recs []Record, order *Order) {
	if order == nil || order.Field == "" {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if order.Desc {
			return lessValue(recs[j][order.Field], recs[i][order.Field])
		}
		return lessValue(recs[i][order.Field], recs[j][order.Field])
	})
}

func lessValue(a, b interface{}) bool {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case nil:
		return b != nil
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

// filterAndSort decodes candidate rows, keeps the matching ones and orders them
func filterAndSort(rows [][]byte, filters Filters, order *Order) ([]Record, error) {
	want := normalizeFilters(filters)
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decode(row)
		if err != nil {
			return nil, err
		}
		if matches(rec, want) {
			out = append(out, rec)
		}
	}
	sortRecords(out, order)
	return out, nil
}
