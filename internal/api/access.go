package api

import (
	"context"
	"maps"
	"net/http"
	"slices"

	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// Columns that tie a row to its owner. Patches may not move rows between owners.
var ownershipColumns = []string{"id", "list_id", "user_id", "owner_id", "creator_id"}

// Notification flags are the only columns a client may change on its inbox.
var notificationFlags = []string{"read", "hidden"}

// access enforces who may read and write which rows. Participants of a list
// are its creator and its recipient.
type access struct {
	store rowstore.Client
}

// listScope looks up a list for userID. A missing list is reported as nil
// with no error so reads of a deleted list come back empty.
func (a *access) listScope(ctx context.Context, userID, listID string) (*domain.List, error) {
	rows, err := a.store.Select(ctx, rowstore.Lists, rowstore.Eq("id", listID).WithLimit(1))
	if err != nil {
		return nil, domainerrors.Classify(err, "load list")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	list, err := rowstore.DecodeList(rows[0])
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "decode list")
	}
	if !list.IsParticipant(userID) {
		return nil, domainerrors.PermissionDeniedf("not a participant of list %s", listID)
	}
	return list, nil
}

// authorizeRead requires filter to pin a scope the caller owns. Selects and
// streams share the rule.
func (a *access) authorizeRead(ctx context.Context, userID string, collection rowstore.Collection, filter rowstore.Filter) error {
	switch collection {
	case rowstore.Users:
		return nil

	case rowstore.Notifications:
		return requireEq(filter, "user_id", userID)

	case rowstore.Contacts:
		return requireEq(filter, "owner_id", userID)

	case rowstore.Lists:
		if listID, ok := filter.StringValue("id"); ok {
			_, err := a.listScope(ctx, userID, listID)
			return err
		}
		if requireEq(filter, "creator_id", userID) == nil || requireEq(filter, "recipient_id", userID) == nil {
			return nil
		}
		return domainerrors.PermissionDenied("list reads must filter by id, creator_id or recipient_id")

	case rowstore.Items:
		listID, ok := filter.StringValue("list_id")
		if !ok {
			return domainerrors.PermissionDenied("item reads must filter by list_id")
		}
		_, err := a.listScope(ctx, userID, listID)
		return err

	default:
		return &rowstore.UnknownCollectionError{Collection: collection}
	}
}

// authorizeInsert checks every row before any is written.
func (a *access) authorizeInsert(ctx context.Context, userID string, collection rowstore.Collection, rows []rowstore.Row) error {
	for _, row := range rows {
		var err error
		switch collection {
		case rowstore.Lists:
			err = requireColumn(row, "creator_id", userID)
		case rowstore.Items:
			err = a.requireListParticipant(ctx, userID, row)
		case rowstore.Notifications:
			err = domainerrors.PermissionDenied("notifications are created by the server")
		case rowstore.Users:
			err = requireColumn(row, "id", userID)
		case rowstore.Contacts:
			err = requireColumn(row, "owner_id", userID)
		default:
			err = &rowstore.UnknownCollectionError{Collection: collection}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// authorizeUpdate checks the patch shape, then every row the filter reaches.
func (a *access) authorizeUpdate(ctx context.Context, userID string, collection rowstore.Collection, patch rowstore.Row, filter rowstore.Filter) error {
	for _, col := range ownershipColumns {
		if _, ok := patch[col]; ok {
			return domainerrors.Invalidf("column %q cannot be patched", col)
		}
	}
	if collection == rowstore.Notifications && !onlyColumns(patch, notificationFlags) {
		return domainerrors.PermissionDenied("only read and hidden may change on a notification")
	}

	rows, err := a.reach(ctx, collection, filter)
	if err != nil {
		return err
	}
	lists := make(map[string]*domain.List)
	for _, row := range rows {
		if err := a.authorizeRow(ctx, userID, collection, row, lists); err != nil {
			return err
		}
		if collection == rowstore.Lists {
			list := lists[row.ID()]
			if !list.IsCreator(userID) && !onlyColumns(patch, []string{"status"}) {
				return domainerrors.PermissionDenied("only the creator may edit the list")
			}
		}
	}
	return nil
}

// authorizeDelete checks every row the filter reaches. Only the creator
// deletes a list; notifications are hidden, never deleted by clients.
func (a *access) authorizeDelete(ctx context.Context, userID string, collection rowstore.Collection, filter rowstore.Filter) error {
	if collection == rowstore.Notifications {
		return domainerrors.PermissionDenied("notifications cannot be deleted; hide them instead")
	}

	rows, err := a.reach(ctx, collection, filter)
	if err != nil {
		return err
	}
	lists := make(map[string]*domain.List)
	for _, row := range rows {
		if err := a.authorizeRow(ctx, userID, collection, row, lists); err != nil {
			return err
		}
		if collection == rowstore.Lists && !lists[row.ID()].IsCreator(userID) {
			return domainerrors.PermissionDenied("only the creator may delete the list")
		}
	}
	return nil
}

// reach returns the rows a write with filter would touch.
func (a *access) reach(ctx context.Context, collection rowstore.Collection, filter rowstore.Filter) ([]rowstore.Row, error) {
	if len(filter.Conditions) == 0 {
		return nil, domainerrors.Invalid("writes require at least one filter condition")
	}
	scope := rowstore.Filter{Conditions: filter.Conditions}
	rows, err := a.store.Select(ctx, collection, scope)
	if err != nil {
		return nil, domainerrors.Classify(err, "resolve write scope")
	}
	return rows, nil
}

// authorizeRow checks write access to one existing row. Lists seen along the
// way are cached in lists by id.
func (a *access) authorizeRow(ctx context.Context, userID string, collection rowstore.Collection, row rowstore.Row, lists map[string]*domain.List) error {
	switch collection {
	case rowstore.Users:
		return requireColumn(row, "id", userID)
	case rowstore.Contacts:
		return requireColumn(row, "owner_id", userID)
	case rowstore.Notifications:
		return requireColumn(row, "user_id", userID)
	case rowstore.Lists:
		list, err := rowstore.DecodeList(row)
		if err != nil {
			return domainerrors.Wrap(err, domainerrors.CodeInternal, "decode list")
		}
		if !list.IsParticipant(userID) {
			return domainerrors.PermissionDeniedf("not a participant of list %s", list.ID)
		}
		lists[list.ID] = list
		return nil
	case rowstore.Items:
		listID, _ := row["list_id"].(string)
		if _, ok := lists[listID]; ok {
			return nil
		}
		list, err := a.listScope(ctx, userID, listID)
		if err != nil {
			return err
		}
		lists[listID] = list
		return nil
	default:
		return &rowstore.UnknownCollectionError{Collection: collection}
	}
}

func (a *access) requireListParticipant(ctx context.Context, userID string, row rowstore.Row) error {
	listID, _ := row["list_id"].(string)
	if listID == "" {
		return domainerrors.Invalid("item requires list_id")
	}
	list, err := a.listScope(ctx, userID, listID)
	if err != nil {
		return err
	}
	if list == nil {
		return domainerrors.NotFoundf("list %s not found", listID)
	}
	return nil
}

// authorizeStream adapts authorizeRead to the SSE handler.
func (s *Server) authorizeStream(r *http.Request, collection rowstore.Collection, filter rowstore.Filter) error {
	userID, ok := r.Context().Value(userIDKey).(string)
	if !ok || userID == "" {
		return domainerrors.PermissionDenied("authentication required")
	}
	return s.access.authorizeRead(r.Context(), userID, collection, filter)
}

func requireEq(filter rowstore.Filter, field, want string) error {
	got, ok := filter.StringValue(field)
	if !ok || got != want {
		return domainerrors.PermissionDeniedf("filter must pin %s to the caller", field)
	}
	return nil
}

func requireColumn(row rowstore.Row, column, want string) error {
	got, _ := row[column].(string)
	if got != want {
		return domainerrors.PermissionDeniedf("%s must be the caller", column)
	}
	return nil
}

func onlyColumns(patch rowstore.Row, allowed []string) bool {
	for col := range maps.Keys(patch) {
		if !slices.Contains(allowed, col) {
			return false
		}
	}
	return true
}
