// Package domain holds the shopping-list data model and its pure rules.
package domain

import (
	"fmt"
	"time"
)

// List is a named collection of purchasable items shared between its creator
// and a recipient.
type List struct {
	Syncable
	Name            string  `json:"name"`
	CreatorID       string  `json:"creator_id"`
	CreatorHandle   string  `json:"creator_handle"`
	RecipientID     *string `json:"recipient_id"`
	RecipientHandle *string `json:"recipient_handle"`
	Status          Status  `json:"status"`
	ShareCode       string  `json:"share_code"`
}

// NewDraft creates an unsent list owned by creator.
func NewDraft(listID, name string, creator User, shareCode string, now time.Time) *List {
	l := &List{
		Syncable:      Syncable{ID: listID},
		Name:          name,
		CreatorID:     creator.ID,
		CreatorHandle: creator.Handle,
		Status:        StatusDraft,
		ShareCode:     shareCode,
	}
	l.InitTimestamps(now)
	return l
}

// HasRecipient reports whether a recipient is attached.
func (l *List) HasRecipient() bool {
	return l.RecipientID != nil && *l.RecipientID != ""
}

// IsCreator reports whether userID created the list.
func (l *List) IsCreator(userID string) bool {
	return l.CreatorID == userID
}

// IsRecipient reports whether userID is the list's recipient.
func (l *List) IsRecipient(userID string) bool {
	return l.HasRecipient() && *l.RecipientID == userID
}

// IsParticipant reports whether userID may see and edit the list.
func (l *List) IsParticipant(userID string) bool {
	return l.IsCreator(userID) || l.IsRecipient(userID)
}

// Validate checks the list invariants: a draft has no recipient and every
// other status requires one.
func (l *List) Validate() error {
	if !l.Status.Valid() {
		return fmt.Errorf("unknown status %q", l.Status)
	}
	if l.Status == StatusDraft && l.HasRecipient() {
		return fmt.Errorf("draft list %s has a recipient", l.ID)
	}
	if l.Status != StatusDraft && !l.HasRecipient() {
		return fmt.Errorf("list %s is %s without a recipient", l.ID, l.Status)
	}
	return nil
}

// Clone returns a deep copy.
func (l *List) Clone() *List {
	if l == nil {
		return nil
	}
	out := *l
	out.RecipientID = cloneString(l.RecipientID)
	out.RecipientHandle = cloneString(l.RecipientHandle)
	out.UpdatedBy = cloneString(l.UpdatedBy)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
