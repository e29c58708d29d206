package inbox

import (
	"context"

	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// Read and hidden are idempotent low-risk flags, so they are applied locally
// first. A failed write rolls back only the notifications it touched.

// MarkAsRead marks one notification read.
func (b *Broker) MarkAsRead(ctx context.Context, notificationID string) error {
	return b.setFlag(ctx, notificationID, "read", func(n *domain.Notification) bool {
		if n.Read {
			return false
		}
		n.Read = true
		return true
	}, nil)
}

// Hide removes one notification from view. Hiding an already hidden
// notification is a Conflict.
func (b *Broker) Hide(ctx context.Context, notificationID string) error {
	return b.setFlag(ctx, notificationID, "hidden", func(n *domain.Notification) bool {
		n.Hidden = true
		return true
	}, func(n domain.Notification) error {
		if n.Hidden {
			return domainerrors.Conflictf("notification %s is already hidden", n.ID)
		}
		return nil
	})
}

// MarkAllAsRead marks every notification of the user read.
func (b *Broker) MarkAllAsRead(ctx context.Context) error {
	return b.setAll(ctx, "read", func(n *domain.Notification) bool {
		if n.Read {
			return false
		}
		n.Read = true
		return true
	})
}

// HideAll hides every notification of the user.
func (b *Broker) HideAll(ctx context.Context) error {
	return b.setAll(ctx, "hidden", func(n *domain.Notification) bool {
		n.Hidden = true
		return true
	})
}

// setFlag applies mutate to one notification locally, then writes column=true.
// A notification the broker does not hold is checked and written remotely.
func (b *Broker) setFlag(
	ctx context.Context,
	notificationID, column string,
	mutate func(*domain.Notification) bool,
	precheck func(domain.Notification) error,
) error {
	b.mu.Lock()
	if !b.alive {
		b.mu.Unlock()
		return ErrClosed
	}
	prev, ok := b.trackedLocked(notificationID)
	if !ok {
		b.mu.Unlock()
		return b.setStoredFlag(ctx, notificationID, column, mutate, precheck)
	}
	if precheck != nil {
		if err := precheck(prev); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	next := prev
	if !mutate(&next) {
		b.mu.Unlock()
		return nil
	}
	b.applyLocked(next, true)
	snap := b.stampLocked()
	b.mu.Unlock()
	b.notify(snap)

	if err := b.writeFlag(ctx, notificationID, column); err != nil {
		b.rollback([]domain.Notification{prev}, column, err)
		return err
	}
	return nil
}

// setStoredFlag handles notifications outside the window: hidden ones and
// ones older than the limit. Their change event settles local state.
func (b *Broker) setStoredFlag(
	ctx context.Context,
	notificationID, column string,
	mutate func(*domain.Notification) bool,
	precheck func(domain.Notification) error,
) error {
	rows, err := b.store.Select(ctx, rowstore.Notifications,
		rowstore.Eq("id", notificationID).And("user_id", b.userID).WithLimit(1))
	if err != nil {
		return domainerrors.Classify(err, "load notification")
	}
	if len(rows) == 0 {
		return domainerrors.NotFoundf("notification %s not found", notificationID)
	}
	stored, err := rowstore.DecodeNotification(rows[0])
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "decode notification")
	}
	if precheck != nil {
		if err := precheck(stored); err != nil {
			return err
		}
	}
	if !mutate(&stored) {
		return nil
	}
	return b.writeFlag(ctx, notificationID, column)
}

func (b *Broker) writeFlag(ctx context.Context, notificationID, column string) error {
	err := b.store.Update(ctx, rowstore.Notifications,
		rowstore.Row{column: true},
		rowstore.Eq("id", notificationID).And("user_id", b.userID))
	if err != nil {
		return domainerrors.Classify(err, "update notification")
	}
	return nil
}

// setAll applies mutate to every notification the broker holds, then writes
// column=true for all of the user's rows that still have it false.
func (b *Broker) setAll(ctx context.Context, column string, mutate func(*domain.Notification) bool) error {
	b.mu.Lock()
	if !b.alive {
		b.mu.Unlock()
		return ErrClosed
	}
	held := append([]domain.Notification(nil), b.window...)
	for _, n := range b.overflow {
		held = append(held, n)
	}
	var touched []domain.Notification
	for _, prev := range held {
		next := prev
		if !mutate(&next) {
			continue
		}
		touched = append(touched, prev)
		b.applyLocked(next, true)
	}
	snap := b.stampLocked()
	b.mu.Unlock()
	if len(touched) > 0 {
		b.notify(snap)
	}

	err := b.store.Update(ctx, rowstore.Notifications,
		rowstore.Row{column: true},
		rowstore.Eq("user_id", b.userID).And(column, false))
	if err != nil {
		b.rollback(touched, column, err)
		return domainerrors.Classify(err, "update notifications")
	}
	return nil
}

// rollback restores each notification to its state before a failed write.
// Every one of them was counted before the write, so each is restored as
// counted even if it no longer fits the window.
func (b *Broker) rollback(prevs []domain.Notification, column string, cause error) {
	b.logger.Warn("notification update failed, rolling back", "column", column, "count", len(prevs), "error", cause)

	b.mu.Lock()
	if !b.alive {
		b.mu.Unlock()
		return
	}
	for _, prev := range prevs {
		b.applyLocked(prev, true)
	}
	snap := b.stampLocked()
	b.mu.Unlock()
	b.notify(snap)
}
