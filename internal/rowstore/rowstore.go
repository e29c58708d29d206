// Package rowstore defines the generic row-store contract the sync engine
// consumes: CRUD on named collections plus change subscriptions.
//
// Delivery is at-least-once and ordered within a single subscription. Nothing
// is promised about ordering across subscriptions, or between a write's
// response and the change event the same write produces.
package rowstore

import (
	"context"
	"fmt"

	"github.com/listenupapp/cartshare/internal/id"
)

// Collection names a table of rows.
type Collection string

// Collections known to the engine.
const (
	Lists         Collection = "lists"
	Items         Collection = "items"
	Notifications Collection = "notifications"
	Users         Collection = "users"
	Contacts      Collection = "contacts"
)

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case Lists, Items, Notifications, Users, Contacts:
		return true
	default:
		return false
	}
}

// UpdatedBy names the user whose write produced the current state of a list
// or item row. Writers set it on every insert and patch of those rows.
const UpdatedBy = "updated_by"

// Attributed reports whether rows of c carry UpdatedBy.
func (c Collection) Attributed() bool {
	return c == Lists || c == Items
}

// Row is a schema-less record keyed by column name. Values are JSON-shaped:
// string, bool, float64, nil, and RFC 3339 strings for timestamps.
type Row map[string]any

// ID returns the row's "id" column.
func (r Row) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Clone returns a shallow copy; values are immutable scalars.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ChangeKind is the kind of a change event.
type ChangeKind string

// Change kinds.
const (
	Inserted ChangeKind = "inserted"
	Updated  ChangeKind = "updated"
	Deleted  ChangeKind = "deleted"
)

// Change is one row-level change delivered to a subscription. Before is nil
// for inserts, After is nil for deletes.
type Change struct {
	Collection Collection `json:"collection"`
	Kind       ChangeKind `json:"kind"`
	Before     Row        `json:"before,omitempty"`
	After      Row        `json:"after,omitempty"`
}

// Row returns the image that identifies the changed row.
func (c Change) Row() Row {
	if c.After != nil {
		return c.After
	}
	return c.Before
}

// SubscriptionStatus is a lifecycle signal for a subscription.
type SubscriptionStatus string

// Subscription statuses. After StatusError or StatusClosed the subscription
// is dead and delivers nothing more; callers resubscribe.
const (
	StatusSubscribed SubscriptionStatus = "subscribed"
	StatusError      SubscriptionStatus = "error"
	StatusClosed     SubscriptionStatus = "closed"
)

// Handler receives events for one subscription. Calls for a single
// subscription are serialized.
type Handler struct {
	OnChange func(Change)
	OnStatus func(SubscriptionStatus, error)
}

// Deliver invokes the change callback if set.
func (h Handler) Deliver(c Change) {
	if h.OnChange != nil {
		h.OnChange(c)
	}
}

// Signal invokes the status callback if set.
func (h Handler) Signal(s SubscriptionStatus, err error) {
	if h.OnStatus != nil {
		h.OnStatus(s, err)
	}
}

// Subscription is an open change stream.
type Subscription interface {
	ID() string
	Collection() Collection
}

// Client is the data-access facade.
type Client interface {
	Select(ctx context.Context, collection Collection, filter Filter) ([]Row, error)
	Insert(ctx context.Context, collection Collection, rows ...Row) ([]Row, error)
	Update(ctx context.Context, collection Collection, patch Row, filter Filter) error
	Delete(ctx context.Context, collection Collection, filter Filter) error
	Subscribe(ctx context.Context, collection Collection, filter Filter, h Handler) (Subscription, error)
	Unsubscribe(sub Subscription) error
}

// UnknownCollectionError is returned for collections a backend does not serve.
type UnknownCollectionError struct {
	Collection Collection
}

func (e *UnknownCollectionError) Error() string {
	return fmt.Sprintf("unknown collection %q", e.Collection)
}

// NewID returns a fresh identifier for a row of collection. Notification ids
// are ULIDs so they sort by creation time.
func NewID(collection Collection) string {
	switch collection {
	case Notifications:
		return id.Notification()
	case Lists:
		return id.MustGenerate(id.PrefixList)
	case Items:
		return id.MustGenerate(id.PrefixItem)
	case Contacts:
		return id.MustGenerate(id.PrefixContact)
	default:
		return id.MustGenerate(id.PrefixUser)
	}
}
