// Package triggers creates notifications when lists and items change.
package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/listenupapp/cartshare/internal/clock"
	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/metrics"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

const (
	// DefaultRetryDelay is the wait before resubscribing after a dropped feed.
	DefaultRetryDelay = 2 * time.Second

	writeTimeout = 10 * time.Second
)

// Config holds the dependencies of a Notifier.
type Config struct {
	Store      rowstore.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      clock.Clock
	RetryDelay time.Duration
}

// Notifier watches lists and items and writes a notification to the
// counterpart of each change:
//
//	NEW_LIST     to the recipient when a list leaves draft
//	LIST_STATUS  to the creator when a sent list becomes opened or completed
//	NEW_ITEM     to the recipient when an item is added to a sent list
//	ITEM_STATUS  to the creator when an item becomes purchased
type Notifier struct {
	store      rowstore.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	clock      clock.Clock
	retryDelay time.Duration

	mu      sync.Mutex
	subs    map[rowstore.Collection]rowstore.Subscription
	timers  map[rowstore.Collection]clock.Timer
	ctx     context.Context
	running bool
}

// New creates a Notifier. Call Start to begin watching.
func New(cfg Config) *Notifier {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Notifier{
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		logger:     logger.OrDiscard(cfg.Logger),
		clock:      clock.OrReal(cfg.Clock),
		retryDelay: cfg.RetryDelay,
		subs:       make(map[rowstore.Collection]rowstore.Subscription),
		timers:     make(map[rowstore.Collection]clock.Timer),
	}
}

// Start subscribes to every list and item change.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	n.ctx = context.WithoutCancel(ctx)
	n.mu.Unlock()

	for _, c := range []rowstore.Collection{rowstore.Lists, rowstore.Items} {
		if err := n.subscribe(c); err != nil {
			n.Stop()
			return err
		}
	}
	n.logger.Info("notification triggers started")
	return nil
}

// Stop unsubscribes and cancels pending retries.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}
	n.running = false
	for c, sub := range n.subs {
		_ = n.store.Unsubscribe(sub)
		delete(n.subs, c)
	}
	for c, t := range n.timers {
		t.Stop()
		delete(n.timers, c)
	}
}

func (n *Notifier) subscribe(collection rowstore.Collection) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	ctx := n.ctx
	n.mu.Unlock()

	h := rowstore.Handler{
		OnChange: func(c rowstore.Change) { n.handle(c) },
		OnStatus: func(s rowstore.SubscriptionStatus, err error) { n.onStatus(collection, s, err) },
	}
	sub, err := n.store.Subscribe(ctx, collection, rowstore.All(), h)
	if err != nil {
		return domainerrors.Classify(err, "subscribe "+string(collection))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		_ = n.store.Unsubscribe(sub)
		return nil
	}
	n.subs[collection] = sub
	return nil
}

// onStatus resubscribes after a dropped subscription. A closed feed means the
// server is shutting down.
func (n *Notifier) onStatus(collection rowstore.Collection, status rowstore.SubscriptionStatus, err error) {
	switch status {
	case rowstore.StatusSubscribed:
		return
	case rowstore.StatusClosed:
		n.logger.Info("trigger subscription closed", "collection", collection)
		return
	}

	n.logger.Warn("trigger subscription dropped, retrying",
		"collection", collection,
		"error", err,
		"delay", n.retryDelay,
	)

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	delete(n.subs, collection)
	n.timers[collection] = n.clock.AfterFunc(n.retryDelay, func() {
		n.mu.Lock()
		delete(n.timers, collection)
		n.mu.Unlock()
		if err := n.subscribe(collection); err != nil {
			n.onStatus(collection, rowstore.StatusError, err)
		}
	})
}

func (n *Notifier) handle(c rowstore.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch c.Collection {
	case rowstore.Lists:
		err = n.HandleListChange(ctx, c)
	case rowstore.Items:
		err = n.HandleItemChange(ctx, c)
	}
	if err != nil {
		n.logger.Error("notification trigger failed",
			"collection", c.Collection,
			"kind", c.Kind,
			"row_id", c.Row().ID(),
			"error", err,
		)
	}
}

// HandleListChange notifies on send and on opened/completed transitions.
func (n *Notifier) HandleListChange(ctx context.Context, c rowstore.Change) error {
	if c.Kind != rowstore.Updated {
		return nil
	}
	lc, err := rowstore.DecodeListChange(c)
	if err != nil {
		return err
	}
	before, after := lc.Before, lc.After
	if before == nil || after == nil || before.Status == after.Status || !after.HasRecipient() {
		return nil
	}

	switch {
	case before.Status == domain.StatusDraft:
		return n.notifyOthers(ctx, after.UpdatedBy, domain.Notification{
			UserID:  *after.RecipientID,
			Type:    domain.NotificationNewList,
			Message: fmt.Sprintf("%s shared %q with you", handleOr(after.CreatorHandle, "Someone"), after.Name),
			ListID:  &after.ID,
		})

	case after.Status == domain.StatusOpened || after.Status == domain.StatusCompleted:
		return n.notifyOthers(ctx, after.UpdatedBy, domain.Notification{
			UserID:  after.CreatorID,
			Type:    domain.NotificationListStatus,
			Message: fmt.Sprintf("%q is now %s", after.Name, after.Status),
			ListID:  &after.ID,
		})
	}
	return nil
}

// HandleItemChange notifies on items added to, or purchased on, a sent list.
func (n *Notifier) HandleItemChange(ctx context.Context, c rowstore.Change) error {
	if c.Kind == rowstore.Deleted {
		return nil
	}
	ic, err := rowstore.DecodeItemChange(c)
	if err != nil {
		return err
	}
	item := ic.After

	var kind domain.NotificationType
	switch {
	case c.Kind == rowstore.Inserted:
		kind = domain.NotificationNewItem
	case ic.Before != nil && !ic.Before.Purchased && item.Purchased:
		kind = domain.NotificationItemStatus
	default:
		return nil
	}

	list, err := n.loadList(ctx, item.ListID)
	if err != nil || list == nil {
		return err
	}
	if list.Status == domain.StatusDraft || !list.HasRecipient() {
		return nil
	}

	note := domain.Notification{ItemID: &item.ID, ListID: &list.ID, Type: kind}
	if kind == domain.NotificationNewItem {
		note.UserID = *list.RecipientID
		note.Message = fmt.Sprintf("%q was added to %q", item.Name, list.Name)
	} else {
		note.UserID = list.CreatorID
		note.Message = fmt.Sprintf("%q was purchased on %q", item.Name, list.Name)
	}
	return n.notifyOthers(ctx, item.UpdatedBy, note)
}

func (n *Notifier) loadList(ctx context.Context, listID string) (*domain.List, error) {
	rows, err := n.store.Select(ctx, rowstore.Lists, rowstore.Eq("id", listID).WithLimit(1))
	if err != nil {
		return nil, domainerrors.Classify(err, "load list")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowstore.DecodeList(rows[0])
}

// notifyOthers skips notes addressed to the user whose write triggered them.
// Rows written before attribution existed carry no actor and always notify.
func (n *Notifier) notifyOthers(ctx context.Context, actor *string, note domain.Notification) error {
	if actor != nil && *actor == note.UserID {
		n.logger.Debug("skipping notification for own change",
			"type", note.Type,
			"user_id", note.UserID,
		)
		return nil
	}
	return n.notify(ctx, note)
}

func (n *Notifier) notify(ctx context.Context, note domain.Notification) error {
	row := rowstore.Row{
		"user_id": note.UserID,
		"type":    string(note.Type),
		"message": note.Message,
		"list_id": rowstore.Normalize(note.ListID),
		"item_id": rowstore.Normalize(note.ItemID),
	}
	if _, err := n.store.Insert(ctx, rowstore.Notifications, row); err != nil {
		return domainerrors.Classify(err, "insert notification")
	}

	n.metrics.NotificationCreated(string(note.Type))
	n.logger.Info("notification created",
		"type", note.Type,
		"user_id", note.UserID,
		"list_id", rowstore.Normalize(note.ListID),
	)
	return nil
}

func handleOr(handle, fallback string) string {
	if handle == "" {
		return fallback
	}
	return "@" + handle
}
