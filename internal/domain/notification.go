package domain

import "time"

// NotificationType says which list or item event produced a notification.
type NotificationType string

// Notification types created by the server-side triggers.
const (
	NotificationNewList    NotificationType = "NEW_LIST"
	NotificationListStatus NotificationType = "LIST_STATUS"
	NotificationNewItem    NotificationType = "NEW_ITEM"
	NotificationItemStatus NotificationType = "ITEM_STATUS"
)

// Notification is a message addressed to exactly one user. It is never
// deleted, only hidden.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	ItemID    *string          `json:"item_id"`
	ListID    *string          `json:"list_id"`
	Read      bool             `json:"read"`
	Hidden    bool             `json:"hidden"`
	CreatedAt time.Time        `json:"created_at"`
}

// Visible reports whether the notification is shown.
func (n *Notification) Visible() bool {
	return !n.Hidden
}

// CountsAsUnread reports whether the notification contributes to the unread badge.
func (n *Notification) CountsAsUnread() bool {
	return !n.Hidden && !n.Read
}

// NewerThan orders notifications newest first, breaking timestamp ties by ID.
func (n *Notification) NewerThan(other *Notification) bool {
	if !n.CreatedAt.Equal(other.CreatedAt) {
		return n.CreatedAt.After(other.CreatedAt)
	}
	return n.ID > other.ID
}
