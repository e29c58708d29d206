package listsync

import (
	"context"

	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/id"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/validation"
)

// CreateDraft inserts an unsent list owned by creator. The store assigns the
// identifier and timestamps; open a Session on the returned id to edit it.
func CreateDraft(ctx context.Context, store rowstore.Client, v *validation.Validator, creator domain.User, name string) (*domain.List, error) {
	if v == nil {
		v = validation.New()
	}
	in, err := v.ListName(name)
	if err != nil {
		return nil, err
	}
	if creator.ID == "" {
		return nil, domainerrors.Invalid("creator is required")
	}

	code, err := id.ShareCode()
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "generate share code")
	}

	rows, err := store.Insert(ctx, rowstore.Lists, rowstore.Row{
		"name":             in.Name,
		"creator_id":       creator.ID,
		"creator_handle":   creator.Handle,
		"recipient_id":     nil,
		"recipient_handle": nil,
		"status":           string(domain.StatusDraft),
		"share_code":       code,
		rowstore.UpdatedBy: creator.ID,
	})
	if err != nil {
		return nil, domainerrors.Classify(err, "create list")
	}
	if len(rows) != 1 {
		return nil, domainerrors.Internal("insert returned no row")
	}
	list, err := rowstore.DecodeList(rows[0])
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "decode created list")
	}
	return list, nil
}
