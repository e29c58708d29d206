package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/cartshare/internal/clock"
	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/inbox"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/rowstore/memstore"
)

const userID = "user-ann"

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type alerts struct {
	mu  sync.Mutex
	got []Alert
}

func (a *alerts) Show(al Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, al)
}

func (a *alerts) ids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.got))
	for i, al := range a.got {
		out[i] = al.NotificationID
	}
	return out
}

type harness struct {
	store  *memstore.Store
	clock  *clock.Manual
	alerts *alerts
}

func newHarness() *harness {
	c := clock.NewManual(t0)
	return &harness{store: memstore.New(memstore.WithClock(c)), clock: c, alerts: &alerts{}}
}

func (h *harness) listener(t *testing.T, mods ...func(*Config)) *Listener {
	t.Helper()
	cfg := Config{
		UserID:      userID,
		Store:       h.store,
		Clock:       h.clock,
		Alerts:      h.alerts,
		RetryDelay:  3 * time.Second,
		MaxAttempts: 5,
	}
	for _, m := range mods {
		m(&cfg)
	}
	l, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

func insertRow(t *testing.T, id string, hidden bool) rowstore.Row {
	t.Helper()
	row, err := rowstore.Encode(domain.Notification{
		ID:        id,
		UserID:    userID,
		Message:   "Bob bought milk",
		Type:      domain.NotificationItemStatus,
		Hidden:    hidden,
		CreatedAt: t0,
	})
	require.NoError(t, err)
	return row
}

func TestScenario_ReconnectExhaustion(t *testing.T) {
	h := newHarness()
	h.store.SetOffline(true)
	l := h.listener(t)

	l.Start(context.Background())
	require.True(t, l.Active())

	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, attempt, l.Attempts())
		assert.Equal(t, 1, h.clock.Pending(), "retry %d scheduled", attempt)
		h.clock.Advance(3 * time.Second)
	}

	assert.False(t, l.Active(), "sixth failure stops the listener")
	assert.Equal(t, 0, h.clock.Pending(), "no further retry scheduled")
	assert.Equal(t, 6, h.store.Calls(memstore.OpSelect))
	assert.Equal(t, 0, h.store.Calls(memstore.OpSubscribe), "failed probes skip subscribing")

	h.store.SetOffline(false)
	h.clock.Advance(time.Minute)
	assert.False(t, l.Active(), "stays inactive until restarted")
}

func TestRetry_FixedDelay(t *testing.T) {
	h := newHarness()
	h.store.SetOffline(true)
	l := h.listener(t)

	l.Start(context.Background())
	h.clock.Advance(2999 * time.Millisecond)
	assert.Equal(t, 1, h.store.Calls(memstore.OpSelect))

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, 2, h.store.Calls(memstore.OpSelect))
}

func TestRetry_SuccessResetsBudget(t *testing.T) {
	h := newHarness()
	h.store.SetOffline(true)
	l := h.listener(t)

	l.Start(context.Background())
	h.clock.Advance(3 * time.Second)
	require.Equal(t, 2, l.Attempts())

	h.store.SetOffline(false)
	h.clock.Advance(3 * time.Second)

	assert.True(t, l.Active())
	assert.Equal(t, 0, l.Attempts())
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, 1, h.store.Subscribers(rowstore.Notifications))
}

func TestSubscribeFailureCountsAsAttempt(t *testing.T) {
	h := newHarness()
	h.store.FailNext(memstore.OpSubscribe, domainerrors.Unavailable("handshake failed"))
	l := h.listener(t)

	l.Start(context.Background())
	assert.Equal(t, 1, l.Attempts())

	h.clock.Advance(3 * time.Second)
	assert.Equal(t, 0, l.Attempts())
	assert.Equal(t, 1, h.store.Subscribers(rowstore.Notifications))
}

func TestLostSubscriptionRetries(t *testing.T) {
	h := newHarness()
	l := h.listener(t)
	l.Start(context.Background())
	require.Equal(t, 1, h.store.Subscribers(rowstore.Notifications))

	h.store.Drop(rowstore.Notifications, rowstore.StatusClosed, nil)
	assert.Equal(t, 1, l.Attempts())
	assert.Equal(t, 0, h.store.Subscribers(rowstore.Notifications))

	h.clock.Advance(3 * time.Second)
	assert.Equal(t, 1, h.store.Subscribers(rowstore.Notifications))
	assert.Equal(t, 0, l.Attempts())
}

func TestAlerts_DeduplicatedAndPresentational(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listener(t)
	l.Start(ctx)

	_, err := h.store.Insert(ctx, rowstore.Notifications, insertRow(t, "n1", false))
	require.NoError(t, err)
	// At-least-once redelivery of the same insert.
	h.store.Emit(rowstore.Change{Collection: rowstore.Notifications, Kind: rowstore.Inserted, After: insertRow(t, "n1", false)})
	_, err = h.store.Insert(ctx, rowstore.Notifications, insertRow(t, "n2", true))
	require.NoError(t, err)
	require.NoError(t, h.store.Update(ctx, rowstore.Notifications, rowstore.Row{"read": true}, rowstore.Eq("id", "n1")))

	assert.Equal(t, []string{"n1"}, h.alerts.ids())
	assert.Equal(t, 1, h.store.Calls(memstore.OpUpdate), "alerts never write flags")
}

func TestAlerts_SeenSurvivesReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	l := h.listener(t)
	l.Start(ctx)

	_, err := h.store.Insert(ctx, rowstore.Notifications, insertRow(t, "n1", false))
	require.NoError(t, err)

	h.store.Drop(rowstore.Notifications, rowstore.StatusError, domainerrors.Unavailable("reset"))
	h.clock.Advance(3 * time.Second)
	h.store.Emit(rowstore.Change{Collection: rowstore.Notifications, Kind: rowstore.Inserted, After: insertRow(t, "n1", false)})

	assert.Equal(t, []string{"n1"}, h.alerts.ids())
}

func TestAlerts_SeenSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seen := inbox.NewSeenSet()
	first := h.listener(t, func(c *Config) { c.Seen = seen })
	first.Start(ctx)

	_, err := h.store.Insert(ctx, rowstore.Notifications, insertRow(t, "n1", false))
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second := h.listener(t, func(c *Config) { c.Seen = seen })
	second.Start(ctx)
	h.store.Emit(rowstore.Change{Collection: rowstore.Notifications, Kind: rowstore.Inserted, After: insertRow(t, "n1", false)})

	assert.Equal(t, []string{"n1"}, h.alerts.ids())
	assert.Equal(t, 1, seen.Len())
}

func TestStop(t *testing.T) {
	h := newHarness()
	h.store.SetOffline(true)
	l := h.listener(t)
	l.Start(context.Background())
	require.Equal(t, 1, h.clock.Pending())

	require.NoError(t, l.Stop())
	assert.False(t, l.Active())
	assert.Equal(t, 0, h.clock.Pending())

	h.store.SetOffline(false)
	l.Start(context.Background())
	assert.True(t, l.Active())
	assert.Equal(t, 0, l.Attempts())
	assert.Equal(t, 1, h.store.Subscribers(rowstore.Notifications))

	require.NoError(t, l.Stop())
	assert.Equal(t, 0, h.store.Subscribers(rowstore.Notifications))
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Store: memstore.New()})
	assert.True(t, domainerrors.Is(err, domainerrors.ErrInvalid))

	l, err := New(Config{UserID: userID, Store: memstore.New()})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, l.maxAttempts)
	assert.Equal(t, DefaultRetryDelay, l.retryDelay)
}
