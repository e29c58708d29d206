// Package inbox maintains a user's notification window: the most recent
// visible notifications, newest first, capped at a limit, plus an unread
// counter that follows every read/hidden transition.
//
// The counter covers what the broker has counted: the rows in the window
// and the unread rows it pushed out of the window while open. Changes to
// rows it never counted, such as old notifications edited from another
// device, leave it alone unless they land in the window.
package inbox

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/snapshot"
)

// DefaultLimit is the window size used when Config.Limit is zero.
const DefaultLimit = 50

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = domainerrors.Unavailable("notification broker closed")

// Snapshot is a copy of the broker's window.
type Snapshot struct {
	Notifications []domain.Notification
	Unread        int
	Live          bool
}

// Config configures a Broker.
type Config struct {
	UserID   string
	Limit    int
	Store    rowstore.Client
	Logger   *slog.Logger
	// OnChange receives a copy of the window after every change. Calls
	// never overlap and arrive in the order the changes were applied.
	OnChange func(Snapshot)
}

// Broker merges an initial fetch with a live subscription for one user.
type Broker struct {
	userID   string
	limit    int
	store    rowstore.Client
	logger   *slog.Logger
	pub      *snapshot.Publisher[Snapshot]

	mu     sync.Mutex
	alive  bool
	live   bool
	gen    int
	sub    rowstore.Subscription
	window []domain.Notification
	// overflow holds counted notifications that were pushed out of the
	// window while still unread. Read or hidden ones are forgotten, so it
	// never outgrows the unread count.
	overflow map[string]domain.Notification
}

// Open loads the window and subscribes to the user's notifications. A failed
// subscription leaves the broker readable but not live; Refresh retries it.
func Open(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.UserID == "" {
		return nil, domainerrors.Invalid("user id is required")
	}
	if cfg.Store == nil {
		return nil, domainerrors.Invalid("row store is required")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}

	b := &Broker{
		userID:   cfg.UserID,
		limit:    cfg.Limit,
		store:    cfg.Store,
		logger:   logger.OrDiscard(cfg.Logger).With("user_id", cfg.UserID),
		pub:      snapshot.NewPublisher(cfg.OnChange),
		alive:    true,
		overflow: make(map[string]domain.Notification),
	}
	if err := b.load(ctx); err != nil {
		return nil, err
	}
	if err := b.subscribe(ctx); err != nil {
		b.logger.Warn("notification subscription failed", "error", err)
	}
	return b, nil
}

// Snapshot returns a copy of the window and the unread count.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Broker) snapshotLocked() Snapshot {
	return Snapshot{
		Notifications: append([]domain.Notification(nil), b.window...),
		Unread:        b.unreadLocked(),
		Live:          b.live,
	}
}

func (b *Broker) unreadLocked() int {
	n := len(b.overflow)
	for i := range b.window {
		if b.window[i].CountsAsUnread() {
			n++
		}
	}
	return n
}

func (b *Broker) stampLocked() snapshot.Versioned[Snapshot] {
	return b.pub.Stamp(b.snapshotLocked())
}

func (b *Broker) notify(snap snapshot.Versioned[Snapshot]) {
	b.pub.Publish(snap)
}

// Refresh reloads the window and resubscribes if the subscription is down.
func (b *Broker) Refresh(ctx context.Context) error {
	b.mu.Lock()
	if !b.alive {
		b.mu.Unlock()
		return ErrClosed
	}
	live := b.live
	b.mu.Unlock()

	if err := b.load(ctx); err != nil {
		return err
	}
	if live {
		return nil
	}
	return b.subscribe(ctx)
}

// Close releases the subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	if !b.alive {
		b.mu.Unlock()
		return nil
	}
	b.alive, b.live = false, false
	b.gen++
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	return b.store.Unsubscribe(sub)
}

// load fetches the newest visible notifications and recounts unread.
func (b *Broker) load(ctx context.Context) error {
	filter := rowstore.Eq("user_id", b.userID).
		And("hidden", false).
		Order("created_at", true).
		WithLimit(b.limit)
	rows, err := b.store.Select(ctx, rowstore.Notifications, filter)
	if err != nil {
		return domainerrors.Classify(err, "load notifications")
	}
	list, err := rowstore.DecodeNotifications(rows)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "decode notifications")
	}
	sortNewestFirst(list)

	b.mu.Lock()
	if !b.alive {
		b.mu.Unlock()
		return ErrClosed
	}
	b.window = list
	clear(b.overflow)
	snap := b.stampLocked()
	b.mu.Unlock()

	b.notify(snap)
	return nil
}

func (b *Broker) subscribe(ctx context.Context) error {
	b.mu.Lock()
	if !b.alive {
		b.mu.Unlock()
		return ErrClosed
	}
	b.gen++
	gen := b.gen
	b.mu.Unlock()

	sub, err := b.store.Subscribe(ctx, rowstore.Notifications, rowstore.Eq("user_id", b.userID), rowstore.Handler{
		OnChange: func(c rowstore.Change) { b.onEvent(gen, c) },
		OnStatus: func(s rowstore.SubscriptionStatus, err error) { b.onStatus(gen, s, err) },
	})
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeUnavailable, "subscribe to notifications")
	}

	b.mu.Lock()
	if !b.alive || gen != b.gen {
		b.mu.Unlock()
		return b.store.Unsubscribe(sub)
	}
	b.sub = sub
	b.mu.Unlock()
	return nil
}

func (b *Broker) onStatus(gen int, status rowstore.SubscriptionStatus, err error) {
	b.mu.Lock()
	if !b.alive || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.live = status == rowstore.StatusSubscribed
	if !b.live {
		b.sub = nil
	}
	snap := b.stampLocked()
	b.mu.Unlock()

	if status != rowstore.StatusSubscribed {
		b.logger.Warn("notification subscription lost", "status", status, "error", err)
	}
	b.notify(snap)
}

func (b *Broker) onEvent(gen int, c rowstore.Change) {
	ch, err := rowstore.DecodeNotificationChange(c)
	if err != nil {
		b.logger.Warn("dropping undecodable notification event", "error", err)
		return
	}
	if ch.After == nil {
		// Notifications are hidden, never deleted.
		return
	}
	if ch.After.UserID != b.userID {
		b.logger.Warn("dropping notification for another user", "notification_id", ch.ID)
		return
	}

	b.mu.Lock()
	if !b.alive || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.applyLocked(*ch.After, false)
	snap := b.stampLocked()
	b.mu.Unlock()

	b.notify(snap)
}

// trackedLocked returns the broker's copy of a counted notification.
func (b *Broker) trackedLocked(notificationID string) (domain.Notification, bool) {
	if idx := b.indexLocked(notificationID); idx >= 0 {
		return b.window[idx], true
	}
	n, ok := b.overflow[notificationID]
	return n, ok
}

// applyLocked moves one notification to its next state. A notification the
// broker has not counted is counted only if it lands in the window, unless
// restore says it was counted before a local change that is being undone.
func (b *Broker) applyLocked(next domain.Notification, restore bool) {
	if idx := b.indexLocked(next.ID); idx >= 0 {
		if next.Hidden {
			b.window = append(b.window[:idx:idx], b.window[idx+1:]...)
		} else {
			b.window[idx] = next
		}
		return
	}
	if _, ok := b.overflow[next.ID]; ok {
		restore = true
		delete(b.overflow, next.ID)
	}
	if next.Hidden {
		return
	}

	dropped, ok := b.insertSortedLocked(next)
	if !ok || !dropped.CountsAsUnread() {
		return
	}
	if dropped.ID != next.ID || restore {
		b.overflow[dropped.ID] = dropped
	}
}

// insertSortedLocked places n in the window and returns the notification cut
// off by the limit, if any.
func (b *Broker) insertSortedLocked(n domain.Notification) (domain.Notification, bool) {
	pos := sort.Search(len(b.window), func(i int) bool {
		return n.NewerThan(&b.window[i])
	})
	b.window = append(b.window, domain.Notification{})
	copy(b.window[pos+1:], b.window[pos:])
	b.window[pos] = n
	if len(b.window) <= b.limit {
		return domain.Notification{}, false
	}
	dropped := b.window[b.limit]
	b.window = b.window[:b.limit]
	return dropped, true
}

func (b *Broker) indexLocked(notificationID string) int {
	for i := range b.window {
		if b.window[i].ID == notificationID {
			return i
		}
	}
	return -1
}

func sortNewestFirst(list []domain.Notification) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].NewerThan(&list[j])
	})
}
