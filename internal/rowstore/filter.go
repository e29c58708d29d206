package rowstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Condition is an equality test on one column.
type Condition struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Filter is a conjunction of equality conditions with optional ordering and limit.
// The zero Filter matches every row.
type Filter struct {
	Conditions []Condition `json:"conditions,omitempty"`
	OrderBy    string      `json:"order_by,omitempty"`
	Desc       bool        `json:"desc,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// All matches every row.
func All() Filter { return Filter{} }

// Eq returns a filter with a single equality condition.
func Eq(field string, value any) Filter {
	return Filter{Conditions: []Condition{{Field: field, Value: value}}}
}

// And returns a copy of f with another equality condition.
func (f Filter) And(field string, value any) Filter {
	out := f
	out.Conditions = append(append([]Condition(nil), f.Conditions...), Condition{Field: field, Value: value})
	return out
}

// Order returns a copy of f ordered by field.
func (f Filter) Order(field string, desc bool) Filter {
	f.OrderBy = field
	f.Desc = desc
	return f
}

// WithLimit returns a copy of f capped at n rows. Zero means unlimited.
func (f Filter) WithLimit(n int) Filter {
	f.Limit = n
	return f
}

// Value returns the value required for field, if f constrains it.
func (f Filter) Value(field string) (any, bool) {
	for _, c := range f.Conditions {
		if c.Field == field {
			return c.Value, true
		}
	}
	return nil, false
}

// StringValue returns the string required for field, if any.
func (f Filter) StringValue(field string) (string, bool) {
	v, ok := f.Value(field)
	if !ok {
		return "", false
	}
	s, ok := Normalize(v).(string)
	return s, ok
}

// Matches reports whether row satisfies every condition.
func (f Filter) Matches(row Row) bool {
	for _, c := range f.Conditions {
		if !ValuesEqual(row[c.Field], c.Value) {
			return false
		}
	}
	return true
}

// Apply filters, sorts and limits rows in memory.
func (f Filter) Apply(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	if f.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			cmp := CompareValues(out[i][f.OrderBy], out[j][f.OrderBy])
			if f.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// String renders the filter for logs.
func (f Filter) String() string {
	parts := make([]string, 0, len(f.Conditions)+2)
	for _, c := range f.Conditions {
		parts = append(parts, fmt.Sprintf("%s=%v", c.Field, Normalize(c.Value)))
	}
	if f.OrderBy != "" {
		dir := "asc"
		if f.Desc {
			dir = "desc"
		}
		parts = append(parts, "order="+f.OrderBy+" "+dir)
	}
	if f.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", f.Limit))
	}
	return strings.Join(parts, ",")
}

// MarshalQuery encodes the filter for a query string.
func (f Filter) MarshalQuery() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseFilter decodes a filter produced by MarshalQuery. Empty input is the zero filter.
func ParseFilter(s string) (Filter, error) {
	var f Filter
	if s == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return Filter{}, fmt.Errorf("parse filter: %w", err)
	}
	for i := range f.Conditions {
		f.Conditions[i].Value = Normalize(f.Conditions[i].Value)
	}
	return f, nil
}

// Normalize converts Go values to the JSON-shaped form rows carry.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool, float64:
		return t
	case *string:
		if t == nil {
			return nil
		}
		return *t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		// Named string types such as domain.Status.
		return fmt.Sprint(t)
	}
}

// ValuesEqual compares two JSON-shaped values, treating equal instants as equal
// regardless of their textual form.
func ValuesEqual(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok && as != bs {
			ta, errA := time.Parse(time.RFC3339Nano, as)
			tb, errB := time.Parse(time.RFC3339Nano, bs)
			return errA == nil && errB == nil && ta.Equal(tb)
		}
	}
	return a == b
}

// CompareValues orders two JSON-shaped values. Timestamps compare as instants;
// nil sorts first.
func CompareValues(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		ta, errA := time.Parse(time.RFC3339Nano, av)
		tb, errB := time.Parse(time.RFC3339Nano, bv)
		if errA == nil && errB == nil {
			return ta.Compare(tb)
		}
		return strings.Compare(av, bv)
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case bool:
		bv, _ := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	}
	return 0
}
