package listsync

import (
	"github.com/listenupapp/cartshare/internal/domain"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// The functions in this file are pure and identifier-keyed. They never
// mutate their input slices and report whether anything changed, so applying
// the same event twice is a no-op the second time.

func indexOfItem(items []domain.Item, itemID string) int {
	for i := range items {
		if items[i].ID == itemID {
			return i
		}
	}
	return -1
}

func cloneItems(items []domain.Item) []domain.Item {
	out := make([]domain.Item, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}

// AppendItem appends item unless an item with the same identifier is already
// present. An optimistic add and the live insert event for it collapse here.
func AppendItem(items []domain.Item, item domain.Item) ([]domain.Item, bool) {
	if indexOfItem(items, item.ID) >= 0 {
		return items, false
	}
	out := cloneItems(items)
	return append(out, item.Clone()), true
}

// MergeItem overwrites the local item with the remote image, last write wins.
// A remote item missing locally is appended.
func MergeItem(items []domain.Item, remote domain.Item) ([]domain.Item, bool) {
	idx := indexOfItem(items, remote.ID)
	if idx < 0 {
		return AppendItem(items, remote)
	}
	if items[idx].Equal(remote) {
		return items, false
	}
	out := cloneItems(items)
	out[idx] = remote.Clone()
	return out, true
}

// RemoveItem drops the item with itemID.
func RemoveItem(items []domain.Item, itemID string) ([]domain.Item, bool) {
	idx := indexOfItem(items, itemID)
	if idx < 0 {
		return items, false
	}
	out := make([]domain.Item, 0, len(items)-1)
	for i := range items {
		if i != idx {
			out = append(out, items[i].Clone())
		}
	}
	return out, true
}

// ApplyItemChange reconciles one decoded item event into items.
func ApplyItemChange(items []domain.Item, ch rowstore.ItemChange) ([]domain.Item, bool) {
	switch ch.Kind {
	case rowstore.Inserted:
		if ch.After == nil {
			return items, false
		}
		return AppendItem(items, *ch.After)
	case rowstore.Updated:
		if ch.After == nil {
			return items, false
		}
		return MergeItem(items, *ch.After)
	case rowstore.Deleted:
		return RemoveItem(items, ch.ID)
	default:
		return items, false
	}
}

// ApplyListChange returns the list metadata after ch. It returns nil when the
// list row was deleted. Items are never part of a list event.
func ApplyListChange(local *domain.List, ch rowstore.ListChange) *domain.List {
	switch ch.Kind {
	case rowstore.Deleted:
		return nil
	case rowstore.Inserted, rowstore.Updated:
		if ch.After == nil {
			return local.Clone()
		}
		return ch.After.Clone()
	default:
		return local.Clone()
	}
}
