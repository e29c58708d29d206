package listsync

import (
	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
)

// Policy decides who may perform role-restricted mutations. It runs before
// any local change is applied and never takes part in merging.
type Policy interface {
	CanToggle(list *domain.List, actorID string) error
	CanDelete(list *domain.List, actorID string) error
}

// DefaultPolicy lets either participant toggle purchases and only the
// creator delete the list.
type DefaultPolicy struct{}

// CanToggle allows any participant.
func (DefaultPolicy) CanToggle(list *domain.List, actorID string) error {
	if !list.IsParticipant(actorID) {
		return domainerrors.PermissionDeniedf("user %s is not a participant of list %s", actorID, list.ID)
	}
	return nil
}

// CanDelete allows the creator.
func (DefaultPolicy) CanDelete(list *domain.List, actorID string) error {
	if !list.IsCreator(actorID) {
		return domainerrors.PermissionDeniedf("only the creator can delete list %s", list.ID)
	}
	return nil
}

// RecipientShopsPolicy restricts purchase toggling to the recipient, the
// shopper in the usual creator/recipient split.
type RecipientShopsPolicy struct {
	DefaultPolicy
}

// CanToggle allows only the recipient.
func (RecipientShopsPolicy) CanToggle(list *domain.List, actorID string) error {
	if !list.IsRecipient(actorID) {
		return domainerrors.PermissionDeniedf("only the recipient can mark items of list %s", list.ID)
	}
	return nil
}
