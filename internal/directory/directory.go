// Package directory resolves handles to users and manages contact lists.
package directory

import (
	"context"

	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/validation"
)

// Directory reads and writes the users and contacts collections.
type Directory struct {
	store     rowstore.Client
	validator *validation.Validator
}

// New creates a Directory over store.
func New(store rowstore.Client, v *validation.Validator) *Directory {
	if v == nil {
		v = validation.New()
	}
	return &Directory{store: store, validator: v}
}

// FindUserByHandle returns the user owning handle. Matching ignores case and
// a leading @.
func (d *Directory) FindUserByHandle(ctx context.Context, handle string) (domain.User, error) {
	key := domain.NormalizeHandle(handle)
	if key == "" {
		return domain.User{}, domainerrors.Invalid("handle is required")
	}

	rows, err := d.store.Select(ctx, rowstore.Users, rowstore.Eq("handle", key).WithLimit(1))
	if err != nil {
		return domain.User{}, domainerrors.Classify(err, "find user")
	}
	if len(rows) == 0 {
		return domain.User{}, domainerrors.NotFoundf("no user with handle %q", key)
	}
	return rowstore.Decode[domain.User](rows[0])
}

// Register creates a user with the given handle. Handles are stored
// normalized so lookups stay case-insensitive on every backend.
func (d *Directory) Register(ctx context.Context, userID, handle string) (domain.User, error) {
	in, err := d.validator.Recipient(handle)
	if err != nil {
		return domain.User{}, err
	}
	key := domain.NormalizeHandle(in.Handle)

	existing, err := d.store.Select(ctx, rowstore.Users, rowstore.Eq("handle", key).WithLimit(1))
	if err != nil {
		return domain.User{}, domainerrors.Classify(err, "register user")
	}
	if len(existing) > 0 {
		return domain.User{}, domainerrors.Conflictf("handle %q is taken", key)
	}

	row := rowstore.Row{"handle": key}
	if userID != "" {
		row["id"] = userID
	}
	rows, err := d.store.Insert(ctx, rowstore.Users, row)
	if err != nil {
		return domain.User{}, domainerrors.Classify(err, "register user")
	}
	return rowstore.Decode[domain.User](rows[0])
}

// Contacts returns ownerID's contacts ordered by handle.
func (d *Directory) Contacts(ctx context.Context, ownerID string) ([]domain.Contact, error) {
	rows, err := d.store.Select(ctx, rowstore.Contacts, rowstore.Eq("owner_id", ownerID).Order("handle", false))
	if err != nil {
		return nil, domainerrors.Classify(err, "list contacts")
	}

	contacts := make([]domain.Contact, 0, len(rows))
	for _, row := range rows {
		c, err := rowstore.Decode[domain.Contact](row)
		if err != nil {
			return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "decode contact")
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// AddContact saves handle in ownerID's contacts. The handle must belong to
// an existing user other than the owner.
func (d *Directory) AddContact(ctx context.Context, ownerID, handle string) (domain.Contact, error) {
	user, err := d.FindUserByHandle(ctx, handle)
	if domainerrors.Is(err, domainerrors.ErrNotFound) {
		return domain.Contact{}, domainerrors.ErrRecipientNotFound
	}
	if err != nil {
		return domain.Contact{}, err
	}
	if user.ID == ownerID {
		return domain.Contact{}, domainerrors.Invalid("cannot add yourself as a contact")
	}

	existing, err := d.store.Select(ctx, rowstore.Contacts, rowstore.Eq("owner_id", ownerID).And("handle", user.Handle).WithLimit(1))
	if err != nil {
		return domain.Contact{}, domainerrors.Classify(err, "add contact")
	}
	if len(existing) > 0 {
		return domain.Contact{}, domainerrors.Conflictf("%q is already a contact", user.Handle)
	}

	rows, err := d.store.Insert(ctx, rowstore.Contacts, rowstore.Row{"owner_id": ownerID, "handle": user.Handle})
	if err != nil {
		return domain.Contact{}, domainerrors.Classify(err, "add contact")
	}
	return rowstore.Decode[domain.Contact](rows[0])
}
