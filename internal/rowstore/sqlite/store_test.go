package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/cartshare/internal/clock"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, nil, WithClock(clock.NewManual(t0)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedList(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.Insert(context.Background(), rowstore.Lists, rowstore.Row{
		"id":         id,
		"name":       "Groceries",
		"creator_id": "user-a",
		"status":     "new",
	})
	require.NoError(t, err)
}

// events collects changes from a feed subscription.
type events struct {
	mu      sync.Mutex
	changes []rowstore.Change
}

func (e *events) handler() rowstore.Handler {
	return rowstore.Handler{OnChange: func(c rowstore.Change) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.changes = append(e.changes, c)
	}}
}

func (e *events) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.changes)
}

func (e *events) at(i int) rowstore.Change {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changes[i]
}

func TestOpen(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var fk int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	for _, table := range []string{"users", "lists", "items", "notifications", "contacts", "schema_migrations"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	first, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestInsert_AssignsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")

	rows, err := s.Insert(ctx, rowstore.Items, rowstore.Row{"list_id": "list-1", "name": "Milk"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.NotEmpty(t, row.ID())
	assert.Equal(t, false, row["purchased"])
	assert.Nil(t, row["purchased_at"])
	assert.Equal(t, "", row["category"])
	assert.Equal(t, formatTime(t0), row["created_at"])
	assert.NotContains(t, row, "name_key")

	lists, err := s.Select(ctx, rowstore.Lists, rowstore.Eq("id", "list-1"))
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, formatTime(t0), lists[0]["updated_at"])
	assert.Nil(t, lists[0]["recipient_id"])
}

func TestInsert_NotificationIDsAreULIDs(t *testing.T) {
	s := newTestStore(t)

	rows, err := s.Insert(context.Background(), rowstore.Notifications, rowstore.Row{
		"user_id": "user-a",
		"type":    "NEW_ITEM",
		"message": "Milk was added",
	})
	require.NoError(t, err)
	assert.Len(t, rows[0].ID(), 26)
	assert.Equal(t, false, rows[0]["read"])
	assert.Equal(t, false, rows[0]["hidden"])
}

func TestInsert_DuplicateItemNameConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")
	seedList(t, s, "list-2")

	_, err := s.Insert(ctx, rowstore.Items, rowstore.Row{"list_id": "list-1", "name": "Milk"})
	require.NoError(t, err)

	_, err = s.Insert(ctx, rowstore.Items, rowstore.Row{"list_id": "list-1", "name": "  MILK "})
	assert.ErrorIs(t, err, domainerrors.ErrConflict)

	_, err = s.Insert(ctx, rowstore.Items, rowstore.Row{"list_id": "list-2", "name": "milk"})
	assert.NoError(t, err, "uniqueness is per list")
}

func TestInsert_BatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")

	_, err := s.Insert(ctx, rowstore.Items,
		rowstore.Row{"list_id": "list-1", "name": "Eggs"},
		rowstore.Row{"list_id": "list-1", "name": "eggs"},
	)
	require.ErrorIs(t, err, domainerrors.ErrConflict)

	rows, err := s.Select(ctx, rowstore.Items, rowstore.All())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestInsert_Rejects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")

	tests := []struct {
		name string
		coll rowstore.Collection
		row  rowstore.Row
		want error
	}{
		{"unknown column", rowstore.Items, rowstore.Row{"list_id": "list-1", "name": "Tea", "price": 3.5}, domainerrors.ErrInvalid},
		{"hidden column", rowstore.Items, rowstore.Row{"list_id": "list-1", "name": "Tea", "name_key": "x"}, domainerrors.ErrInvalid},
		{"wrong type", rowstore.Items, rowstore.Row{"list_id": "list-1", "name": "Tea", "purchased": "yes"}, domainerrors.ErrInvalid},
		{"missing required", rowstore.Items, rowstore.Row{"list_id": "list-1"}, domainerrors.ErrInvalid},
		{"bad status", rowstore.Lists, rowstore.Row{"name": "x", "creator_id": "u", "status": "archived"}, domainerrors.ErrInvalid},
		{"missing list", rowstore.Items, rowstore.Row{"list_id": "list-404", "name": "Tea"}, domainerrors.ErrConflict},
		{"unknown collection", "carts", rowstore.Row{"id": "c1"}, domainerrors.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Insert(ctx, tt.coll, tt.row)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSelect_FilterOrderLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"n1", "n2", "n3"} {
		_, err := s.Insert(ctx, rowstore.Notifications, rowstore.Row{
			"id":         id,
			"user_id":    "user-a",
			"type":       "NEW_ITEM",
			"hidden":     id == "n2",
			"created_at": t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, rowstore.Notifications, rowstore.Row{"id": "other", "user_id": "user-b", "type": "NEW_ITEM"})
	require.NoError(t, err)

	rows, err := s.Select(ctx, rowstore.Notifications,
		rowstore.Eq("user_id", "user-a").And("hidden", false).Order("created_at", true).WithLimit(5))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "n3", rows[0].ID())
	assert.Equal(t, "n1", rows[1].ID())

	rows, err = s.Select(ctx, rowstore.Notifications, rowstore.Eq("user_id", "user-a").WithLimit(1))
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = s.Select(ctx, rowstore.Notifications, rowstore.Eq("secret", "x"))
	assert.ErrorIs(t, err, domainerrors.ErrInvalid)
}

func TestSelect_NilMatchesNull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")

	rows, err := s.Select(ctx, rowstore.Lists, rowstore.Eq("recipient_id", nil))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSelect_HandleIsCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, rowstore.Users, rowstore.Row{"id": "user-a", "handle": "Alice"})
	require.NoError(t, err)

	rows, err := s.Select(ctx, rowstore.Users, rowstore.Eq("handle", "alice"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["handle"])

	_, err = s.Insert(ctx, rowstore.Users, rowstore.Row{"handle": "ALICE"})
	assert.ErrorIs(t, err, domainerrors.ErrConflict)
}

func TestUpdateIf_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")

	n, err := s.UpdateIf(ctx, rowstore.Lists, rowstore.Row{"status": "opened"},
		rowstore.Eq("id", "list-1").And("status", "new"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.UpdateIf(ctx, rowstore.Lists, rowstore.Row{"status": "completed"},
		rowstore.Eq("id", "list-1").And("status", "new"))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "stale observed status loses")

	rows, err := s.Select(ctx, rowstore.Lists, rowstore.Eq("id", "list-1"))
	require.NoError(t, err)
	assert.Equal(t, "opened", rows[0]["status"])
}

func TestUpdate_PurchaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")
	rows, err := s.Insert(ctx, rowstore.Items, rowstore.Row{"id": "item-1", "list_id": "list-1", "name": "Milk"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	at := t0.Add(time.Hour)
	require.NoError(t, s.Update(ctx, rowstore.Items, rowstore.Row{"purchased": true, "purchased_at": at}, rowstore.Eq("id", "item-1")))

	rows, err = s.Select(ctx, rowstore.Items, rowstore.Eq("id", "item-1"))
	require.NoError(t, err)
	assert.Equal(t, true, rows[0]["purchased"])
	assert.Equal(t, formatTime(at), rows[0]["purchased_at"])

	require.NoError(t, s.Update(ctx, rowstore.Items, rowstore.Row{"purchased": false, "purchased_at": nil}, rowstore.Eq("id", "item-1")))
	rows, err = s.Select(ctx, rowstore.Items, rowstore.Eq("purchased", false))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0]["purchased_at"])
}

func TestUpdate_RenameKeepsUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")
	_, err := s.Insert(ctx, rowstore.Items,
		rowstore.Row{"id": "item-1", "list_id": "list-1", "name": "Milk"},
		rowstore.Row{"id": "item-2", "list_id": "list-1", "name": "Bread"},
	)
	require.NoError(t, err)

	err = s.Update(ctx, rowstore.Items, rowstore.Row{"name": "milk"}, rowstore.Eq("id", "item-2"))
	assert.ErrorIs(t, err, domainerrors.ErrConflict)

	require.NoError(t, s.Update(ctx, rowstore.Items, rowstore.Row{"name": "Oat milk"}, rowstore.Eq("id", "item-1")))
	_, err = s.Insert(ctx, rowstore.Items, rowstore.Row{"list_id": "list-1", "name": "MILK"})
	assert.NoError(t, err, "old name is free after rename")
}

func TestUpdate_Rejects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")

	assert.ErrorIs(t, s.Update(ctx, rowstore.Lists, rowstore.Row{"id": "x"}, rowstore.Eq("id", "list-1")), domainerrors.ErrInvalid)
	assert.ErrorIs(t, s.Update(ctx, rowstore.Lists, rowstore.Row{}, rowstore.Eq("id", "list-1")), domainerrors.ErrInvalid)
	assert.ErrorIs(t, s.Update(ctx, rowstore.Lists, rowstore.Row{"colour": "red"}, rowstore.Eq("id", "list-1")), domainerrors.ErrInvalid)
}

func TestDelete_ListWithItemsConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")
	_, err := s.Insert(ctx, rowstore.Items, rowstore.Row{"list_id": "list-1", "name": "Milk"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, rowstore.Lists, rowstore.Eq("id", "list-1")), domainerrors.ErrConflict)

	require.NoError(t, s.Delete(ctx, rowstore.Items, rowstore.Eq("list_id", "list-1")))
	require.NoError(t, s.Delete(ctx, rowstore.Lists, rowstore.Eq("id", "list-1")))

	rows, err := s.Select(ctx, rowstore.Lists, rowstore.All())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSubscribe_ReceivesCommittedChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")

	got := &events{}
	sub, err := s.Subscribe(ctx, rowstore.Items, rowstore.Eq("list_id", "list-1"), got.handler())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Unsubscribe(sub) })

	_, err = s.Insert(ctx, rowstore.Items, rowstore.Row{"id": "item-1", "list_id": "list-1", "name": "Milk"})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, rowstore.Items, rowstore.Row{"purchased": true, "purchased_at": t0}, rowstore.Eq("id", "item-1")))
	require.NoError(t, s.Delete(ctx, rowstore.Items, rowstore.Eq("id", "item-1")))

	require.Eventually(t, func() bool { return got.len() == 3 }, time.Second, time.Millisecond)

	assert.Equal(t, rowstore.Inserted, got.at(0).Kind)

	updated := got.at(1)
	assert.Equal(t, rowstore.Updated, updated.Kind)
	assert.Equal(t, false, updated.Before["purchased"])
	assert.Equal(t, true, updated.After["purchased"])

	deleted := got.at(2)
	assert.Equal(t, rowstore.Deleted, deleted.Kind)
	assert.Nil(t, deleted.After)
	assert.Equal(t, "item-1", deleted.Before.ID())
}

func TestSubscribe_FailedWritePublishesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")

	got := &events{}
	sub, err := s.Subscribe(ctx, rowstore.Items, rowstore.All(), got.handler())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Unsubscribe(sub) })

	_, err = s.Insert(ctx, rowstore.Items,
		rowstore.Row{"list_id": "list-1", "name": "Tea"},
		rowstore.Row{"list_id": "list-1", "name": "TEA"},
	)
	require.Error(t, err)

	_, err = s.Insert(ctx, rowstore.Items, rowstore.Row{"id": "marker", "list_id": "list-1", "name": "Coffee"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "marker", got.at(0).Row().ID())
}

func TestSubscribe_RejectsUnknownFilterColumn(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Subscribe(context.Background(), rowstore.Items, rowstore.Eq("name_key", "milk"), rowstore.Handler{})
	assert.ErrorIs(t, err, domainerrors.ErrInvalid)
}

func TestUpdatedBy_FollowsLatestWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedList(t, s, "list-1")

	rows, err := s.Insert(ctx, rowstore.Items, rowstore.Row{"list_id": "list-1", "name": "Milk", rowstore.UpdatedBy: "user-b"})
	require.NoError(t, err)
	assert.Equal(t, "user-b", rows[0][rowstore.UpdatedBy])

	require.NoError(t, s.Update(ctx, rowstore.Items, rowstore.Row{"purchased": true, "purchased_at": formatTime(t0), rowstore.UpdatedBy: "user-a"}, rowstore.Eq("id", rows[0].ID())))

	got, err := s.Select(ctx, rowstore.Items, rowstore.Eq(rowstore.UpdatedBy, "user-a"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rows[0].ID(), got[0].ID())
}
