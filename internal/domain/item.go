package domain

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Item is a single purchasable entry within a list.
type Item struct {
	ID          string     `json:"id"`
	ListID      string     `json:"list_id"`
	Name        string     `json:"name"`
	Purchased   bool       `json:"purchased"`
	PurchasedAt *time.Time `json:"purchased_at"`
	Category    string     `json:"category"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedBy   *string    `json:"updated_by,omitempty"`
}

// Validate checks that purchased_at is set if and only if the item is purchased.
func (i *Item) Validate() error {
	if i.Purchased != (i.PurchasedAt != nil) {
		return fmt.Errorf("item %s: purchased=%t but purchased_at set=%t", i.ID, i.Purchased, i.PurchasedAt != nil)
	}
	return nil
}

// WithPurchased returns a copy with the purchase flag set and purchased_at kept consistent.
func (i Item) WithPurchased(purchased bool, now time.Time) Item {
	i.Purchased = purchased
	if purchased {
		at := now
		i.PurchasedAt = &at
	} else {
		i.PurchasedAt = nil
	}
	return i
}

// Toggled returns a copy with the purchase flag flipped.
func (i Item) Toggled(now time.Time) Item {
	return i.WithPurchased(!i.Purchased, now)
}

// Equal reports whether two items carry the same field values.
func (i Item) Equal(other Item) bool {
	if i.ID != other.ID || i.ListID != other.ListID || i.Name != other.Name ||
		i.Purchased != other.Purchased || i.Category != other.Category ||
		!i.CreatedAt.Equal(other.CreatedAt) {
		return false
	}
	if (i.PurchasedAt == nil) != (other.PurchasedAt == nil) {
		return false
	}
	return i.PurchasedAt == nil || i.PurchasedAt.Equal(*other.PurchasedAt)
}

// Clone returns a deep copy.
func (i Item) Clone() Item {
	if i.PurchasedAt != nil {
		at := *i.PurchasedAt
		i.PurchasedAt = &at
	}
	i.UpdatedBy = cloneString(i.UpdatedBy)
	return i
}

// NormalizeItemName folds a name for case-insensitive uniqueness checks:
// trimmed, inner whitespace collapsed, NFKC normalized and case folded.
func NormalizeItemName(name string) string {
	collapsed := strings.Join(strings.Fields(name), " ")
	return cases.Fold().String(norm.NFKC.String(collapsed))
}

// CleanItemName trims and collapses whitespace while keeping the user's casing.
func CleanItemName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// HasItemNamed reports whether items already contain name, ignoring case.
func HasItemNamed(items []Item, name string) bool {
	want := NormalizeItemName(name)
	for i := range items {
		if NormalizeItemName(items[i].Name) == want {
			return true
		}
	}
	return false
}
