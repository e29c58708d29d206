package changefeed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/cartshare/internal/rowstore"
)

func itemInserted(id, listID string) rowstore.Change {
	return rowstore.Change{
		Collection: rowstore.Items,
		Kind:       rowstore.Inserted,
		After:      rowstore.Row{"id": id, "list_id": listID},
	}
}

// recorder collects callbacks from a subscription goroutine.
type recorder struct {
	mu       sync.Mutex
	changes  []rowstore.Change
	statuses []rowstore.SubscriptionStatus
}

func (r *recorder) handler() rowstore.Handler {
	return rowstore.Handler{
		OnChange: func(c rowstore.Change) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, c)
		},
		OnStatus: func(s rowstore.SubscriptionStatus, _ error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
	}
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Row().ID()
	}
	return out
}

func (r *recorder) lastStatus() rowstore.SubscriptionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func TestPublish_FiltersByCollectionAndConditions(t *testing.T) {
	feed := New(nil)

	client, err := feed.Connect(rowstore.Items, rowstore.Eq("list_id", "list-1"))
	require.NoError(t, err)

	feed.Publish(itemInserted("item-1", "list-1"))
	feed.Publish(itemInserted("item-2", "list-2"))
	feed.Publish(rowstore.Change{Collection: rowstore.Lists, Kind: rowstore.Updated, After: rowstore.Row{"id": "list-1"}})

	require.Len(t, client.Events, 1)
	got := <-client.Events
	assert.Equal(t, "item-1", got.Row().ID())
}

func TestPublish_RowLeavingFilterIsDelivered(t *testing.T) {
	feed := New(nil)
	client, err := feed.Connect(rowstore.Notifications, rowstore.Eq("user_id", "user-1").And("hidden", false))
	require.NoError(t, err)

	feed.Publish(rowstore.Change{
		Collection: rowstore.Notifications,
		Kind:       rowstore.Updated,
		Before:     rowstore.Row{"id": "n1", "user_id": "user-1", "hidden": false},
		After:      rowstore.Row{"id": "n1", "user_id": "user-1", "hidden": true},
	})

	assert.Len(t, client.Events, 1)
}

func TestPublish_LaggingSubscriberIsClosedWithError(t *testing.T) {
	feed := New(nil, WithBuffer(2))
	client, err := feed.Connect(rowstore.Items, rowstore.All())
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		feed.Publish(itemInserted(id, "list-1"))
	}

	status, statusErr := client.Status()
	assert.Equal(t, rowstore.StatusError, status)
	assert.ErrorIs(t, statusErr, ErrLagged)
	assert.Equal(t, 0, feed.ClientCount())
}

func TestDisconnect_ReportsNoStatus(t *testing.T) {
	feed := New(nil)
	client, err := feed.Connect(rowstore.Items, rowstore.All())
	require.NoError(t, err)

	feed.Disconnect(client.ID)
	feed.Disconnect(client.ID)

	<-client.Done
	status, _ := client.Status()
	assert.Empty(t, status)
	assert.Equal(t, 0, feed.ClientCount())
}

func TestConnect_RejectsUnknownCollection(t *testing.T) {
	_, err := New(nil).Connect("carts", rowstore.All())
	assert.Error(t, err)
}

func TestShutdown_ClosesSubscribersAndRefusesNew(t *testing.T) {
	feed := New(nil)
	client, err := feed.Connect(rowstore.Lists, rowstore.All())
	require.NoError(t, err)

	feed.Shutdown()

	status, _ := client.Status()
	assert.Equal(t, rowstore.StatusClosed, status)
	_, err = feed.Connect(rowstore.Lists, rowstore.All())
	assert.Error(t, err)
}

func TestSubscribe_DeliversInPublishOrder(t *testing.T) {
	feed := New(nil)
	rec := &recorder{}

	sub, err := feed.Subscribe(rowstore.Items, rowstore.Eq("list_id", "list-1"), rec.handler())
	require.NoError(t, err)
	assert.Equal(t, rowstore.Items, sub.Collection())

	for _, id := range []string{"a", "b", "c", "d"} {
		feed.Publish(itemInserted(id, "list-1"))
	}

	require.Eventually(t, func() bool { return len(rec.ids()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d"}, rec.ids())
	assert.Equal(t, rowstore.StatusSubscribed, rec.lastStatus())
}

func TestSubscribe_ShutdownSignalsClosed(t *testing.T) {
	feed := New(nil)
	rec := &recorder{}

	_, err := feed.Subscribe(rowstore.Items, rowstore.All(), rec.handler())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.lastStatus() == rowstore.StatusSubscribed }, time.Second, time.Millisecond)

	feed.Shutdown()

	require.Eventually(t, func() bool { return rec.lastStatus() == rowstore.StatusClosed }, time.Second, time.Millisecond)
}

func TestUnsubscribe_FromInsideCallback(t *testing.T) {
	feed := New(nil)
	var (
		sub  *Subscription
		mu   sync.Mutex
		seen int
	)
	ready := make(chan struct{})

	sub, err := feed.Subscribe(rowstore.Items, rowstore.All(), rowstore.Handler{
		OnChange: func(rowstore.Change) {
			<-ready
			mu.Lock()
			seen++
			mu.Unlock()
			assert.NoError(t, feed.Unsubscribe(sub))
		},
	})
	require.NoError(t, err)
	close(ready)

	feed.Publish(itemInserted("a", "list-1"))
	require.Eventually(t, func() bool { return feed.ClientCount() == 0 }, time.Second, time.Millisecond)

	feed.Publish(itemInserted("b", "list-1"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen)
}
