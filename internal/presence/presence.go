// Package presence turns newly inserted notifications into transient alerts
// through one long-lived subscription per user.
//
// Before every subscribe attempt the listener probes the store with a trivial
// read. A failed probe, a failed subscribe, or a lost subscription counts as
// one failure and schedules a retry after a fixed delay. Once MaxAttempts
// retries have been used, the next failure stops the listener for good.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/listenupapp/cartshare/internal/clock"
	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/inbox"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// Defaults used when Config leaves them zero.
const (
	DefaultRetryDelay  = 3 * time.Second
	DefaultMaxAttempts = 5
)

// Alert is a one-shot, auto-dismissing message. Showing it never marks the
// notification read.
type Alert struct {
	NotificationID string
	Type           domain.NotificationType
	Message        string
	ListID         *string
	ItemID         *string
	CreatedAt      time.Time
}

// AlertSink presents alerts.
type AlertSink interface {
	Show(Alert)
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(Alert)

// Show calls f.
func (f SinkFunc) Show(a Alert) { f(a) }

// LogSink writes alerts to a logger.
type LogSink struct {
	Logger *slog.Logger
}

// Show logs the alert.
func (s LogSink) Show(a Alert) {
	logger.OrDiscard(s.Logger).Info("notification", "notification_id", a.NotificationID, "type", a.Type, "message", a.Message)
}

// Config configures a Listener.
type Config struct {
	UserID      string
	Store       rowstore.Client
	Clock       clock.Clock
	Alerts      AlertSink
	Logger      *slog.Logger
	Seen        *inbox.SeenSet
	RetryDelay  time.Duration
	MaxAttempts int
}

// Listener is the per-user presence subscription.
type Listener struct {
	userID      string
	store       rowstore.Client
	clock       clock.Clock
	alerts      AlertSink
	logger      *slog.Logger
	seen        *inbox.SeenSet
	retryDelay  time.Duration
	maxAttempts int

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	active   bool
	attempts int
	gen      int
	sub      rowstore.Subscription
	timer    clock.Timer
}

// New creates a stopped listener.
func New(cfg Config) (*Listener, error) {
	if cfg.UserID == "" {
		return nil, domainerrors.Invalid("user id is required")
	}
	if cfg.Store == nil {
		return nil, domainerrors.Invalid("row store is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Seen == nil {
		cfg.Seen = inbox.NewSeenSet()
	}
	log := logger.OrDiscard(cfg.Logger).With("user_id", cfg.UserID)
	if cfg.Alerts == nil {
		cfg.Alerts = LogSink{Logger: log}
	}

	return &Listener{
		userID:      cfg.UserID,
		store:       cfg.Store,
		clock:       clock.OrReal(cfg.Clock),
		alerts:      cfg.Alerts,
		logger:      log,
		seen:        cfg.Seen,
		retryDelay:  cfg.RetryDelay,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// Start makes the first probe and subscribe attempt. Starting an active
// listener does nothing; starting a stopped one resets its retry budget.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.active {
		l.mu.Unlock()
		return
	}
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	l.active = true
	l.attempts = 0
	l.mu.Unlock()

	l.attempt()
}

// Stop releases the subscription and cancels any pending retry.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return nil
	}
	sub := l.deactivateLocked()
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	return l.store.Unsubscribe(sub)
}

// Active reports whether the listener is subscribed or retrying.
func (l *Listener) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Attempts returns the number of retries used since the last successful subscribe.
func (l *Listener) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *Listener) deactivateLocked() rowstore.Subscription {
	l.active = false
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	sub := l.sub
	l.sub = nil
	return sub
}

// attempt probes connectivity and, if that works, subscribes.
func (l *Listener) attempt() {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.gen++
	gen, ctx := l.gen, l.ctx
	l.mu.Unlock()

	probe := rowstore.Eq("user_id", l.userID).WithLimit(1)
	if _, err := l.store.Select(ctx, rowstore.Notifications, probe); err != nil {
		l.fail(gen, domainerrors.Wrap(err, domainerrors.CodeUnavailable, "connectivity probe"))
		return
	}

	sub, err := l.store.Subscribe(ctx, rowstore.Notifications, rowstore.Eq("user_id", l.userID), rowstore.Handler{
		OnChange: func(c rowstore.Change) { l.onChange(gen, c) },
		OnStatus: func(s rowstore.SubscriptionStatus, err error) { l.onStatus(gen, s, err) },
	})
	if err != nil {
		l.fail(gen, domainerrors.Wrap(err, domainerrors.CodeUnavailable, "subscribe"))
		return
	}

	l.mu.Lock()
	if !l.active || gen != l.gen {
		l.mu.Unlock()
		_ = l.store.Unsubscribe(sub)
		return
	}
	l.sub = sub
	l.mu.Unlock()
}

func (l *Listener) onStatus(gen int, status rowstore.SubscriptionStatus, err error) {
	if status != rowstore.StatusSubscribed {
		if err == nil {
			err = domainerrors.Unavailable("subscription " + string(status))
		}
		l.fail(gen, err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active && gen == l.gen {
		l.attempts = 0
		l.logger.Debug("presence subscribed")
	}
}

// fail counts one failure of generation gen and either schedules a retry or,
// with the budget spent, stops the listener without scheduling anything.
func (l *Listener) fail(gen int, cause error) {
	l.mu.Lock()
	if !l.active || gen != l.gen {
		l.mu.Unlock()
		return
	}
	if l.attempts >= l.maxAttempts {
		sub := l.deactivateLocked()
		attempts := l.attempts
		l.mu.Unlock()
		if sub != nil {
			_ = l.store.Unsubscribe(sub)
		}
		l.logger.Warn("presence listener giving up", "attempts", attempts, "error", cause)
		return
	}

	l.gen++
	l.attempts++
	attempt := l.attempts
	sub := l.sub
	l.sub = nil
	l.timer = l.clock.AfterFunc(l.retryDelay, l.attempt)
	l.mu.Unlock()

	if sub != nil {
		_ = l.store.Unsubscribe(sub)
	}
	l.logger.Info("presence retry scheduled", "attempt", attempt, "delay", l.retryDelay, "error", cause)
}

func (l *Listener) onChange(gen int, c rowstore.Change) {
	if c.Kind != rowstore.Inserted || c.After == nil {
		return
	}
	l.mu.Lock()
	current := l.active && gen == l.gen
	l.mu.Unlock()
	if !current {
		return
	}

	n, err := rowstore.DecodeNotification(c.After)
	if err != nil {
		l.logger.Warn("dropping undecodable notification", "error", err)
		return
	}
	if n.UserID != l.userID || n.Hidden {
		return
	}
	if !l.seen.Mark(n.ID) {
		return
	}

	l.alerts.Show(Alert{
		NotificationID: n.ID,
		Type:           n.Type,
		Message:        n.Message,
		ListID:         n.ListID,
		ItemID:         n.ItemID,
		CreatedAt:      n.CreatedAt,
	})
}
