package listsync

import (
	"context"

	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// TogglePurchased flips an item's purchased flag. The local item and the
// derived list status change before the remote write is issued. A failed
// write is rolled back by a full reload.
func (s *Session) TogglePurchased(ctx context.Context, itemID string) error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.policy.CanToggle(s.list, s.actorID); err != nil {
		s.mu.Unlock()
		return err
	}
	idx := indexOfItem(s.items, itemID)
	if idx < 0 {
		s.mu.Unlock()
		return domainerrors.NotFoundf("item %s not found in list %s", itemID, s.listID)
	}
	next := s.items[idx].Toggled(s.clock.Now())
	s.items, _ = MergeItem(s.items, next)
	s.deriveLocked()
	snap := s.stampLocked()
	s.mu.Unlock()

	s.notify(snap)

	patch := s.attributed(rowstore.Row{
		"purchased":    next.Purchased,
		"purchased_at": rowstore.Normalize(next.PurchasedAt),
	})
	if err := s.store.Update(ctx, rowstore.Items, patch, rowstore.Eq("id", itemID)); err != nil {
		s.rollback(ctx, "toggle", err)
		return domainerrors.Classify(err, "toggle item")
	}
	s.writeBackStatus()
	return nil
}

// AddItem validates and inserts a new item, then merges the stored row with
// its server-assigned identifier. The live insert event for the same row is
// absorbed by identifier.
func (s *Session) AddItem(ctx context.Context, name, category string) (domain.Item, error) {
	in, err := s.validate.Item(name, category)
	if err != nil {
		return domain.Item{}, err
	}
	name = domain.CleanItemName(in.Name)

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return domain.Item{}, ErrClosed
	}
	if !s.list.IsParticipant(s.actorID) {
		s.mu.Unlock()
		return domain.Item{}, domainerrors.PermissionDeniedf("user %s cannot edit list %s", s.actorID, s.listID)
	}
	if domain.HasItemNamed(s.items, name) {
		s.mu.Unlock()
		return domain.Item{}, domainerrors.Conflictf("item %q already exists", name)
	}
	s.mu.Unlock()

	rows, err := s.store.Insert(ctx, rowstore.Items, s.attributed(rowstore.Row{
		"list_id":      s.listID,
		"name":         name,
		"category":     in.Category,
		"purchased":    false,
		"purchased_at": nil,
	}))
	if err != nil {
		return domain.Item{}, domainerrors.Classify(err, "add item")
	}
	if len(rows) != 1 {
		return domain.Item{}, domainerrors.Internal("insert returned no row")
	}
	item, err := rowstore.DecodeItem(rows[0])
	if err != nil {
		return domain.Item{}, domainerrors.Wrap(err, domainerrors.CodeInternal, "decode inserted item")
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return item, nil
	}
	items, changed := AppendItem(s.items, item)
	if changed {
		s.items = items
		s.deriveLocked()
	}
	snap := s.stampLocked()
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
	s.writeBackStatus()
	return item, nil
}

// RemoveItem deletes an item remotely and drops it locally once confirmed.
func (s *Session) RemoveItem(ctx context.Context, itemID string) error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.list.IsParticipant(s.actorID) {
		s.mu.Unlock()
		return domainerrors.PermissionDeniedf("user %s cannot edit list %s", s.actorID, s.listID)
	}
	if indexOfItem(s.items, itemID) < 0 {
		s.mu.Unlock()
		return domainerrors.NotFoundf("item %s not found in list %s", itemID, s.listID)
	}
	s.mu.Unlock()

	if err := s.store.Delete(ctx, rowstore.Items, rowstore.Eq("id", itemID).And("list_id", s.listID)); err != nil {
		s.rollback(ctx, "remove item", err)
		return domainerrors.Classify(err, "remove item")
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil
	}
	items, changed := RemoveItem(s.items, itemID)
	if changed {
		s.items = items
		s.deriveLocked()
	}
	snap := s.stampLocked()
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
	s.writeBackStatus()
	return nil
}

// DeleteList deletes the list's items and then the list row, and tears the
// session down.
func (s *Session) DeleteList(ctx context.Context) error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.policy.CanDelete(s.list, s.actorID); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	// Items first so no orphaned item outlives its list.
	if err := s.store.Delete(ctx, rowstore.Items, rowstore.Eq("list_id", s.listID)); err != nil {
		s.rollback(ctx, "delete list items", err)
		return domainerrors.Classify(err, "delete list items")
	}
	if err := s.store.Delete(ctx, rowstore.Lists, rowstore.Eq("id", s.listID)); err != nil {
		s.rollback(ctx, "delete list", err)
		return domainerrors.Classify(err, "delete list")
	}

	s.markDeleted()
	return nil
}

// SendDraft attaches a recipient to a draft list and moves it to new. It is
// the only way a list leaves draft.
func (s *Session) SendDraft(ctx context.Context, handle string) error {
	in, err := s.validate.Recipient(handle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.list.IsCreator(s.actorID) {
		s.mu.Unlock()
		return domainerrors.PermissionDeniedf("only the creator can send list %s", s.listID)
	}
	if s.list.Status != domain.StatusDraft {
		s.mu.Unlock()
		return domainerrors.Conflictf("list %s was already sent", s.listID)
	}
	s.mu.Unlock()

	if s.resolver == nil {
		return domainerrors.Unavailable("no recipient directory configured")
	}
	recipient, err := s.resolver.FindUserByHandle(ctx, in.Handle)
	if domainerrors.Is(err, domainerrors.ErrNotFound) {
		return domainerrors.ErrRecipientNotFound
	}
	if err != nil {
		return domainerrors.Classify(err, "resolve recipient")
	}
	if recipient.ID == s.actorID {
		return domainerrors.InvalidWithDetails("validation failed", map[string]string{"handle": "cannot send a list to yourself"})
	}

	patch := s.attributed(rowstore.Row{
		"recipient_id":     recipient.ID,
		"recipient_handle": recipient.Handle,
		"status":           string(domain.StatusNew),
	})
	applied, err := rowstore.UpdateIf(ctx, s.store, rowstore.Lists, patch,
		rowstore.Eq("id", s.listID).And("status", string(domain.StatusDraft)))
	if err != nil {
		s.rollback(ctx, "send draft", err)
		return domainerrors.Classify(err, "send list")
	}
	if !applied {
		s.rollback(ctx, "send draft", nil)
		return domainerrors.Conflictf("list %s was sent concurrently", s.listID)
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil
	}
	next := s.list.Clone()
	next.RecipientID = &recipient.ID
	next.RecipientHandle = &recipient.Handle
	next.Status = domain.StatusNew
	s.list, s.persisted = next, domain.StatusNew
	snap := s.stampLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Rename changes the list's display name.
func (s *Session) Rename(ctx context.Context, name string) error {
	in, err := s.validate.ListName(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.list.IsParticipant(s.actorID) {
		s.mu.Unlock()
		return domainerrors.PermissionDeniedf("user %s cannot edit list %s", s.actorID, s.listID)
	}
	s.mu.Unlock()

	if err := s.store.Update(ctx, rowstore.Lists, s.attributed(rowstore.Row{"name": in.Name}), rowstore.Eq("id", s.listID)); err != nil {
		return domainerrors.Classify(err, "rename list")
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil
	}
	s.list.Name = in.Name
	snap := s.stampLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// attributed stamps a list or item write with the acting user.
func (s *Session) attributed(row rowstore.Row) rowstore.Row {
	if s.actorID != "" {
		row[rowstore.UpdatedBy] = s.actorID
	}
	return row
}

// rollback resynchronizes with the store after a failed write instead of
// guessing the prior value, since a concurrent event may have changed it.
func (s *Session) rollback(ctx context.Context, op string, cause error) {
	s.logger.Warn("write failed, reloading", "op", op, "error", cause)
	if err := s.reload(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("reload after failed write failed", "op", op, "error", err)
	}
}
