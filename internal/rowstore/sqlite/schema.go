package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

type columnKind int

const (
	textColumn columnKind = iota
	boolColumn
	timeColumn
)

type column struct {
	name string
	kind columnKind
}

// table is the whitelist of columns a collection exposes. Derived columns
// are written by the store and never returned.
type table struct {
	name    string
	columns []column
	byName  map[string]column
	derive  func(rowstore.Row) map[string]any
	touch   bool
}

func newTable(name string, columns ...column) *table {
	t := &table{name: name, columns: columns, byName: make(map[string]column, len(columns))}
	for _, c := range columns {
		t.byName[c.name] = c
	}
	return t
}

var tables = map[rowstore.Collection]*table{
	rowstore.Users: newTable("users",
		column{"id", textColumn},
		column{"handle", textColumn},
		column{"created_at", timeColumn},
	),
	rowstore.Lists: func() *table {
		t := newTable("lists",
			column{"id", textColumn},
			column{"name", textColumn},
			column{"creator_id", textColumn},
			column{"creator_handle", textColumn},
			column{"recipient_id", textColumn},
			column{"recipient_handle", textColumn},
			column{"status", textColumn},
			column{"share_code", textColumn},
			column{"created_at", timeColumn},
			column{"updated_at", timeColumn},
			column{"updated_by", textColumn},
		)
		t.touch = true
		return t
	}(),
	rowstore.Items: func() *table {
		t := newTable("items",
			column{"id", textColumn},
			column{"list_id", textColumn},
			column{"name", textColumn},
			column{"purchased", boolColumn},
			column{"purchased_at", timeColumn},
			column{"category", textColumn},
			column{"created_at", timeColumn},
			column{"updated_by", textColumn},
		)
		t.derive = func(row rowstore.Row) map[string]any {
			name, _ := row["name"].(string)
			return map[string]any{"name_key": domain.NormalizeItemName(name)}
		}
		return t
	}(),
	rowstore.Notifications: newTable("notifications",
		column{"id", textColumn},
		column{"user_id", textColumn},
		column{"message", textColumn},
		column{"type", textColumn},
		column{"item_id", textColumn},
		column{"list_id", textColumn},
		column{"read", boolColumn},
		column{"hidden", boolColumn},
		column{"created_at", timeColumn},
	),
	rowstore.Contacts: newTable("contacts",
		column{"id", textColumn},
		column{"owner_id", textColumn},
		column{"handle", textColumn},
		column{"created_at", timeColumn},
	),
}

func lookupTable(collection rowstore.Collection) (*table, error) {
	t, ok := tables[collection]
	if !ok {
		return nil, domainerrors.Invalidf("unknown collection %q", collection).WithCause(&rowstore.UnknownCollectionError{Collection: collection})
	}
	return t, nil
}

func (t *table) column(name string) (column, error) {
	c, ok := t.byName[name]
	if !ok {
		return column{}, domainerrors.Invalidf("%s has no column %q", t.name, name)
	}
	return c, nil
}

func (t *table) selectList() string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = quote(c.name)
	}
	return strings.Join(names, ", ")
}

// where renders the filter's conditions. A nil value matches NULL.
func (t *table) where(filter rowstore.Filter) (string, []any, error) {
	if len(filter.Conditions) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(filter.Conditions))
	args := make([]any, 0, len(filter.Conditions))
	for _, cond := range filter.Conditions {
		col, err := t.column(cond.Field)
		if err != nil {
			return "", nil, err
		}
		v, err := col.encode(cond.Value)
		if err != nil {
			return "", nil, err
		}
		if v == nil {
			clauses = append(clauses, quote(col.name)+" IS NULL")
			continue
		}
		clauses = append(clauses, quote(col.name)+" = ?")
		args = append(args, v)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (t *table) orderLimit(filter rowstore.Filter) (string, error) {
	var b strings.Builder
	if filter.OrderBy != "" {
		col, err := t.column(filter.OrderBy)
		if err != nil {
			return "", err
		}
		b.WriteString(" ORDER BY " + quote(col.name))
		if filter.Desc {
			b.WriteString(" DESC")
		}
		b.WriteString(", rowid")
	} else {
		b.WriteString(" ORDER BY rowid")
	}
	if filter.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", filter.Limit)
	}
	return b.String(), nil
}

// encode converts a row value into its stored form.
func (c column) encode(v any) (any, error) {
	v = rowstore.Normalize(v)
	if v == nil {
		return nil, nil
	}
	switch c.kind {
	case boolColumn:
		switch b := v.(type) {
		case bool:
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		case float64:
			if b == 0 || b == 1 {
				return int64(b), nil
			}
		}
		return nil, domainerrors.Invalidf("column %s expects a boolean, got %v", c.name, v)
	case timeColumn:
		s, ok := v.(string)
		if !ok {
			return nil, domainerrors.Invalidf("column %s expects a timestamp, got %v", c.name, v)
		}
		t, err := parseTime(s)
		if err != nil {
			return nil, domainerrors.Invalidf("column %s: invalid timestamp %q", c.name, s)
		}
		return formatTime(t), nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, domainerrors.Invalidf("column %s expects text, got %v", c.name, v)
		}
		return s, nil
	}
}

// decode converts a scanned value back into its row form.
func (c column) decode(v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil
	}
	if c.kind == boolColumn {
		switch n := v.(type) {
		case int64:
			return n != 0
		case bool:
			return n
		}
	}
	return v
}

func quote(name string) string {
	return `"` + name + `"`
}

// formatTime formats a time.Time to RFC3339Nano for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a RFC3339Nano string back to time.Time.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
