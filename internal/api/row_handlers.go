package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

func (s *Server) registerRowRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "selectRows",
		Method:      http.MethodGet,
		Path:        "/api/v1/rows/{collection}",
		Summary:     "Select rows",
		Description: "Returns the rows of a collection matching a JSON encoded filter",
		Tags:        []string{"Rows"},
	}, s.handleSelectRows)

	huma.Register(s.api, huma.Operation{
		OperationID:   "insertRows",
		Method:        http.MethodPost,
		Path:          "/api/v1/rows/{collection}",
		Summary:       "Insert rows",
		Description:   "Inserts rows atomically and returns them with server-assigned columns",
		Tags:          []string{"Rows"},
		DefaultStatus: http.StatusCreated,
	}, s.handleInsertRows)

	huma.Register(s.api, huma.Operation{
		OperationID: "updateRows",
		Method:      http.MethodPatch,
		Path:        "/api/v1/rows/{collection}",
		Summary:     "Update rows",
		Description: "Applies a patch to every row matching the filter and reports how many changed",
		Tags:        []string{"Rows"},
	}, s.handleUpdateRows)

	huma.Register(s.api, huma.Operation{
		OperationID: "deleteRows",
		Method:      http.MethodDelete,
		Path:        "/api/v1/rows/{collection}",
		Summary:     "Delete rows",
		Description: "Deletes every row matching a JSON encoded filter",
		Tags:        []string{"Rows"},
	}, s.handleDeleteRows)
}

// === DTOs ===

// SelectRowsInput contains parameters for selecting rows.
type SelectRowsInput struct {
	Collection string `path:"collection" enum:"lists,items,notifications,users,contacts" doc:"Collection name"`
	Filter     string `query:"filter" doc:"JSON encoded filter: conditions, order_by, desc, limit"`
}

// RowsResponse contains rows in API responses.
type RowsResponse struct {
	Rows []rowstore.Row `json:"rows" doc:"Matching rows"`
}

// RowsOutput wraps the rows response for Huma.
type RowsOutput struct {
	Body RowsResponse
}

// InsertRowsRequest is the request body for inserting rows.
type InsertRowsRequest struct {
	Rows []rowstore.Row `json:"rows" minItems:"1" doc:"Rows to insert"`
}

// InsertRowsInput wraps the insert request for Huma.
type InsertRowsInput struct {
	Collection string `path:"collection" enum:"lists,items,notifications,users,contacts" doc:"Collection name"`
	Body       InsertRowsRequest
}

// UpdateRowsRequest is the request body for updating rows.
type UpdateRowsRequest struct {
	Patch  rowstore.Row    `json:"patch" doc:"Columns to set"`
	Filter rowstore.Filter `json:"filter" doc:"Rows to update"`
}

// UpdateRowsInput wraps the update request for Huma.
type UpdateRowsInput struct {
	Collection string `path:"collection" enum:"lists,items,notifications,users,contacts" doc:"Collection name"`
	Body       UpdateRowsRequest
}

// UpdateRowsResponse reports how many rows an update changed.
type UpdateRowsResponse struct {
	Updated int `json:"updated" doc:"Number of rows changed"`
}

// UpdateRowsOutput wraps the update response for Huma.
type UpdateRowsOutput struct {
	Body UpdateRowsResponse
}

// DeleteRowsInput contains parameters for deleting rows.
type DeleteRowsInput struct {
	Collection string `path:"collection" enum:"lists,items,notifications,users,contacts" doc:"Collection name"`
	Filter     string `query:"filter" required:"true" doc:"JSON encoded filter"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message" doc:"Result message"`
}

// MessageOutput wraps a message response for Huma.
type MessageOutput struct {
	Body MessageResponse
}

// === Handlers ===

func (s *Server) handleSelectRows(ctx context.Context, input *SelectRowsInput) (*RowsOutput, error) {
	userID, err := GetUserID(ctx)
	if err != nil {
		return nil, err
	}

	collection := rowstore.Collection(input.Collection)
	filter, err := parseFilter(input.Filter)
	if err != nil {
		return nil, err
	}
	if err := s.access.authorizeRead(ctx, userID, collection, filter); err != nil {
		return nil, err
	}

	rows, err := s.store.Select(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []rowstore.Row{}
	}

	return &RowsOutput{Body: RowsResponse{Rows: rows}}, nil
}

func (s *Server) handleInsertRows(ctx context.Context, input *InsertRowsInput) (*RowsOutput, error) {
	userID, err := GetUserID(ctx)
	if err != nil {
		return nil, err
	}

	collection := rowstore.Collection(input.Collection)
	for _, row := range input.Body.Rows {
		delete(row, rowstore.UpdatedBy)
	}
	if err := s.access.authorizeInsert(ctx, userID, collection, input.Body.Rows); err != nil {
		return nil, err
	}
	for _, row := range input.Body.Rows {
		attribute(collection, row, userID)
	}

	rows, err := s.store.Insert(ctx, collection, input.Body.Rows...)
	if err != nil {
		return nil, err
	}

	return &RowsOutput{Body: RowsResponse{Rows: rows}}, nil
}

func (s *Server) handleUpdateRows(ctx context.Context, input *UpdateRowsInput) (*UpdateRowsOutput, error) {
	userID, err := GetUserID(ctx)
	if err != nil {
		return nil, err
	}

	collection := rowstore.Collection(input.Collection)
	patch, filter := input.Body.Patch, normalizeFilter(input.Body.Filter)
	delete(patch, rowstore.UpdatedBy)
	if len(patch) == 0 {
		return nil, domainerrors.Invalid("patch is empty")
	}
	if err := s.access.authorizeUpdate(ctx, userID, collection, patch, filter); err != nil {
		return nil, err
	}
	attribute(collection, patch, userID)

	updated, err := s.update(ctx, collection, patch, filter)
	if err != nil {
		return nil, err
	}

	return &UpdateRowsOutput{Body: UpdateRowsResponse{Updated: updated}}, nil
}

func (s *Server) handleDeleteRows(ctx context.Context, input *DeleteRowsInput) (*MessageOutput, error) {
	userID, err := GetUserID(ctx)
	if err != nil {
		return nil, err
	}

	collection := rowstore.Collection(input.Collection)
	filter, err := parseFilter(input.Filter)
	if err != nil {
		return nil, err
	}
	if err := s.access.authorizeDelete(ctx, userID, collection, filter); err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, collection, filter); err != nil {
		return nil, err
	}

	return &MessageOutput{Body: MessageResponse{Message: "Rows deleted"}}, nil
}

// update reports the number of rows changed when the store can tell, and the
// number of rows matched otherwise.
func (s *Server) update(ctx context.Context, collection rowstore.Collection, patch rowstore.Row, filter rowstore.Filter) (int, error) {
	if cond, ok := s.store.(rowstore.Conditional); ok {
		return cond.UpdateIf(ctx, collection, patch, filter)
	}

	matched, err := s.store.Select(ctx, collection, rowstore.Filter{Conditions: filter.Conditions})
	if err != nil {
		return 0, err
	}
	if err := s.store.Update(ctx, collection, patch, filter); err != nil {
		return 0, err
	}
	return len(matched), nil
}

// attribute records the authenticated caller as the author of a list or item
// write. Whatever the client sent for the column was dropped before
// authorization.
func attribute(collection rowstore.Collection, row rowstore.Row, userID string) {
	if collection.Attributed() && row != nil {
		row[rowstore.UpdatedBy] = userID
	}
}

func parseFilter(raw string) (rowstore.Filter, error) {
	filter, err := rowstore.ParseFilter(raw)
	if err != nil {
		return rowstore.Filter{}, domainerrors.Wrap(err, domainerrors.CodeInvalid, "invalid filter")
	}
	return filter, nil
}

// normalizeFilter gives body filters the same value shapes as query filters.
func normalizeFilter(f rowstore.Filter) rowstore.Filter {
	out := f
	out.Conditions = make([]rowstore.Condition, len(f.Conditions))
	for i, c := range f.Conditions {
		out.Conditions[i] = rowstore.Condition{Field: c.Field, Value: rowstore.Normalize(c.Value)}
	}
	return out
}
