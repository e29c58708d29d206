package rowstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/listenupapp/cartshare/internal/domain"
)

// Encode converts a tagged struct into a Row via its JSON form.
func Encode(v any) (Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	var row Row
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return row, nil
}

// Decode converts a Row into T via its JSON form.
func Decode[T any](row Row) (T, error) {
	var out T
	b, err := json.Marshal(row)
	if err != nil {
		return out, fmt.Errorf("decode row: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode row: %w", err)
	}
	return out, nil
}

// DecodeList decodes a lists row.
func DecodeList(row Row) (*domain.List, error) {
	l, err := Decode[domain.List](row)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// DecodeItem decodes an items row.
func DecodeItem(row Row) (domain.Item, error) {
	return Decode[domain.Item](row)
}

// DecodeNotification decodes a notifications row.
func DecodeNotification(row Row) (domain.Notification, error) {
	return Decode[domain.Notification](row)
}

// DecodeItems decodes a slice of items rows.
func DecodeItems(rows []Row) ([]domain.Item, error) {
	out := make([]domain.Item, 0, len(rows))
	for _, r := range rows {
		it, err := DecodeItem(r)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// DecodeNotifications decodes a slice of notifications rows.
func DecodeNotifications(rows []Row) ([]domain.Notification, error) {
	out := make([]domain.Notification, 0, len(rows))
	for _, r := range rows {
		n, err := DecodeNotification(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ListChange is a lists change decoded at the subscription boundary.
type ListChange struct {
	Kind   ChangeKind
	ID     string
	Before *domain.List
	After  *domain.List
}

// ItemChange is an items change decoded at the subscription boundary.
type ItemChange struct {
	Kind   ChangeKind
	ID     string
	Before *domain.Item
	After  *domain.Item
}

// NotificationChange is a notifications change decoded at the subscription boundary.
type NotificationChange struct {
	Kind   ChangeKind
	ID     string
	Before *domain.Notification
	After  *domain.Notification
}

// DecodeListChange decodes both images of a lists change.
func DecodeListChange(c Change) (ListChange, error) {
	out := ListChange{Kind: c.Kind, ID: c.Row().ID()}
	var err error
	if c.Before != nil {
		if out.Before, err = DecodeList(c.Before); err != nil {
			return out, err
		}
	}
	if c.After != nil {
		if out.After, err = DecodeList(c.After); err != nil {
			return out, err
		}
	}
	return out, nil
}

// DecodeItemChange decodes both images of an items change.
func DecodeItemChange(c Change) (ItemChange, error) {
	out := ItemChange{Kind: c.Kind, ID: c.Row().ID()}
	if c.Before != nil {
		it, err := DecodeItem(c.Before)
		if err != nil {
			return out, err
		}
		out.Before = &it
	}
	if c.After != nil {
		it, err := DecodeItem(c.After)
		if err != nil {
			return out, err
		}
		out.After = &it
	}
	return out, nil
}

// DecodeNotificationChange decodes both images of a notifications change.
func DecodeNotificationChange(c Change) (NotificationChange, error) {
	out := NotificationChange{Kind: c.Kind, ID: c.Row().ID()}
	if c.Before != nil {
		n, err := DecodeNotification(c.Before)
		if err != nil {
			return out, err
		}
		out.Before = &n
	}
	if c.After != nil {
		n, err := DecodeNotification(c.After)
		if err != nil {
			return out, err
		}
		out.After = &n
	}
	return out, nil
}

// Conditional is implemented by stores that report how many rows an update
// touched, which lets callers detect a lost compare-and-swap.
type Conditional interface {
	UpdateIf(ctx context.Context, collection Collection, patch Row, filter Filter) (int, error)
}

// UpdateIf runs a conditional update when c supports it, else a plain update.
// applied is true when at least one row changed, or when c cannot tell.
func UpdateIf(ctx context.Context, c Client, collection Collection, patch Row, filter Filter) (applied bool, err error) {
	if cond, ok := c.(Conditional); ok {
		n, err := cond.UpdateIf(ctx, collection, patch, filter)
		return n > 0, err
	}
	if err := c.Update(ctx, collection, patch, filter); err != nil {
		return false, err
	}
	return true, nil
}
