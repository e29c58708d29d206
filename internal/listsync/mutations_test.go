package listsync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/rowstore/memstore"
)

func countNamed(items []domain.Item, name string) int {
	n := 0
	for _, it := range items {
		if it.Name == name {
			n++
		}
	}
	return n
}

func TestScenario_DuplicateInsertRace(t *testing.T) {
	t.Run("response first", func(t *testing.T) {
		f := newFixture(t, memstore.Manual())
		f.seed(domain.StatusNew)
		s := f.open(creatorID)
		f.store.Flush()

		added, err := s.AddItem(context.Background(), "Milk", "dairy")
		require.NoError(t, err)
		assert.NotEmpty(t, added.ID)
		assert.Equal(t, 1, countNamed(s.Snapshot().Items, "Milk"))

		f.store.Flush()
		assert.Equal(t, 1, countNamed(s.Snapshot().Items, "Milk"))
	})

	t.Run("event first", func(t *testing.T) {
		f := newFixture(t)
		f.seed(domain.StatusNew)
		s := f.open(creatorID)

		_, err := s.AddItem(context.Background(), "Milk", "")
		require.NoError(t, err)
		assert.Equal(t, 1, countNamed(s.Snapshot().Items, "Milk"))
	})
}

func TestAddItem_Validation(t *testing.T) {
	f := newFixture(t)
	f.seed(domain.StatusNew, domain.Item{ID: "1", ListID: listID, Name: "Milk", CreatedAt: t0})
	s := f.open(creatorID)

	_, err := s.AddItem(context.Background(), "   ", "")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrInvalid))

	_, err = s.AddItem(context.Background(), "  mILK ", "")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrConflict))

	assert.Equal(t, 0, f.store.Calls(memstore.OpInsert), "rejected before any remote call")
}

func TestAddItem_CleansNameAndReopensCompletedList(t *testing.T) {
	f := newFixture(t)
	f.seed(domain.StatusCompleted, item("1", true))
	s := f.open(recipientID)

	added, err := s.AddItem(context.Background(), "  Oat   milk ", "Dairy")
	require.NoError(t, err)
	assert.Equal(t, "Oat milk", added.Name)
	assert.Equal(t, "Dairy", added.Category)
	assert.False(t, added.Purchased)

	s.waitBackground()
	assert.Equal(t, domain.StatusOpened, s.Snapshot().List.Status)
	assert.Equal(t, domain.StatusOpened, f.storedList().Status)
}

func TestAddItem_StoreConflictSurfaces(t *testing.T) {
	f := newFixture(t)
	f.seed(domain.StatusNew)
	s := f.open(creatorID)
	f.store.FailNext(memstore.OpInsert, domainerrors.Conflict("duplicate key"))

	_, err := s.AddItem(context.Background(), "Bread", "")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrConflict))
	assert.Empty(t, s.Snapshot().Items)
}

func TestRemoveItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(domain.StatusOpened, item("1", true), item("2", false))
	s := f.open(recipientID)

	require.NoError(t, s.RemoveItem(ctx, "2"))
	s.waitBackground()

	snap := s.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, domain.StatusCompleted, snap.List.Status)
	assert.Len(t, f.store.Rows(rowstore.Items), 1)

	err := s.RemoveItem(ctx, "2")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrNotFound))
}

func TestRemoveItem_NotOptimistic(t *testing.T) {
	f := newFixture(t)
	f.seed(domain.StatusNew, item("1", false))
	s := f.open(recipientID)
	f.store.FailNext(memstore.OpDelete, domainerrors.Unavailable("timeout"))

	err := s.RemoveItem(context.Background(), "1")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrUnavailable))
	assert.Len(t, s.Snapshot().Items, 1)
}

func TestDeleteList_ItemsBeforeList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(domain.StatusNew, item("1", false), item("2", false))
	s := f.open(creatorID)

	var mu sync.Mutex
	var order []rowstore.Collection
	record := rowstore.Handler{OnChange: func(c rowstore.Change) {
		if c.Kind == rowstore.Deleted {
			mu.Lock()
			order = append(order, c.Collection)
			mu.Unlock()
		}
	}}
	_, err := f.store.Subscribe(ctx, rowstore.Items, rowstore.All(), record)
	require.NoError(t, err)
	_, err = f.store.Subscribe(ctx, rowstore.Lists, rowstore.All(), record)
	require.NoError(t, err)

	require.NoError(t, s.DeleteList(ctx))

	assert.Equal(t, []rowstore.Collection{rowstore.Items, rowstore.Items, rowstore.Lists}, order)
	assert.True(t, s.Deleted())
	assert.Equal(t, StateTornDown, s.State())
	assert.Empty(t, f.store.Rows(rowstore.Items))
	assert.Empty(t, f.store.Rows(rowstore.Lists))
}

func TestDeleteList_OnlyCreator(t *testing.T) {
	f := newFixture(t)
	f.seed(domain.StatusNew, item("1", false))
	s := f.open(recipientID)

	err := s.DeleteList(context.Background())
	assert.True(t, domainerrors.Is(err, domainerrors.ErrPermissionDenied))
	assert.Equal(t, 0, f.store.Calls(memstore.OpDelete))
}

func TestSendDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(domain.StatusDraft, item("1", false))
	s := f.open(creatorID)

	err := s.SendDraft(ctx, "@zed")
	assert.ErrorIs(t, err, domainerrors.ErrRecipientNotFound)

	err = s.SendDraft(ctx, "ab")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrInvalid))

	err = s.SendDraft(ctx, "@ann")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrInvalid), "cannot send to yourself")

	require.NoError(t, s.SendDraft(ctx, "@Bob"))
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusNew, snap.List.Status)
	require.NotNil(t, snap.List.RecipientID)
	assert.Equal(t, recipientID, *snap.List.RecipientID)
	require.NoError(t, snap.List.Validate())

	stored := f.storedList()
	assert.Equal(t, domain.StatusNew, stored.Status)
	assert.Equal(t, "bob", *stored.RecipientHandle)

	err = s.SendDraft(ctx, "bob")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrConflict))
}

func TestSendDraft_DraftNeverDerivedAway(t *testing.T) {
	f := newFixture(t)
	f.seed(domain.StatusDraft, item("1", false))
	s := f.open(creatorID)

	require.NoError(t, s.TogglePurchased(context.Background(), "1"))
	s.waitBackground()

	assert.Equal(t, domain.StatusDraft, s.Snapshot().List.Status)
	assert.Equal(t, domain.StatusDraft, f.storedList().Status)
}

func TestSendDraft_LosesConcurrentSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memstore.Manual())
	f.seed(domain.StatusDraft)
	s := f.open(creatorID)
	f.store.Flush()

	// Another device of the creator sent it first.
	require.NoError(t, f.store.Update(ctx, rowstore.Lists,
		rowstore.Row{"status": "new", "recipient_id": "user-cat", "recipient_handle": "cat"},
		rowstore.Eq("id", listID)))

	err := s.SendDraft(ctx, "bob")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrConflict))
	assert.Equal(t, "cat", *s.Snapshot().List.RecipientHandle, "reloaded authoritative state")
}

func TestRename(t *testing.T) {
	f := newFixture(t)
	f.seed(domain.StatusNew)
	s := f.open(recipientID)

	require.NoError(t, s.Rename(context.Background(), "  Party  "))
	assert.Equal(t, "Party", s.Snapshot().List.Name)
	assert.Equal(t, "Party", f.storedList().Name)

	err := s.Rename(context.Background(), "")
	assert.True(t, domainerrors.Is(err, domainerrors.ErrInvalid))
}

func TestWrites_CarryActingUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(domain.StatusNew, item("1", false))
	s := f.open(recipientID)

	require.NoError(t, s.TogglePurchased(ctx, "1"))
	s.waitBackground()
	stored := f.storedItem("1")
	require.NotNil(t, stored.UpdatedBy)
	assert.Equal(t, recipientID, *stored.UpdatedBy)

	list := f.storedList()
	assert.Equal(t, domain.StatusCompleted, list.Status)
	require.NotNil(t, list.UpdatedBy, "status write-back is attributed too")
	assert.Equal(t, recipientID, *list.UpdatedBy)

	added, err := s.AddItem(ctx, "Bread", "")
	require.NoError(t, err)
	require.NotNil(t, added.UpdatedBy)
	assert.Equal(t, recipientID, *added.UpdatedBy)
}
