package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/listenupapp/cartshare/internal/domain"
)

func (s *Server) registerDirectoryRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "findUserByHandle",
		Method:      http.MethodGet,
		Path:        "/api/v1/users/by-handle/{handle}",
		Summary:     "Find user by handle",
		Description: "Resolves a handle to a user, ignoring case and a leading @",
		Tags:        []string{"Directory"},
	}, s.handleFindUserByHandle)

	huma.Register(s.api, huma.Operation{
		OperationID:   "registerUser",
		Method:        http.MethodPost,
		Path:          "/api/v1/users",
		Summary:       "Register handle",
		Description:   "Claims a handle for the calling user",
		Tags:          []string{"Directory"},
		DefaultStatus: http.StatusCreated,
	}, s.handleRegisterUser)

	huma.Register(s.api, huma.Operation{
		OperationID: "listContacts",
		Method:      http.MethodGet,
		Path:        "/api/v1/contacts",
		Summary:     "List contacts",
		Description: "Returns the caller's contacts ordered by handle",
		Tags:        []string{"Directory"},
	}, s.handleListContacts)

	huma.Register(s.api, huma.Operation{
		OperationID:   "addContact",
		Method:        http.MethodPost,
		Path:          "/api/v1/contacts",
		Summary:       "Add contact",
		Description:   "Adds an existing user to the caller's contacts",
		Tags:          []string{"Directory"},
		DefaultStatus: http.StatusCreated,
	}, s.handleAddContact)
}

// === DTOs ===

// FindUserByHandleInput contains parameters for resolving a handle.
type FindUserByHandleInput struct {
	Handle string `path:"handle" doc:"Handle, with or without @"`
}

// UserOutput wraps a user for Huma.
type UserOutput struct {
	Body domain.User
}

// HandleRequest carries a handle in a request body.
type HandleRequest struct {
	Handle string `json:"handle" minLength:"1" doc:"User handle"`
}

// HandleInput wraps a handle request for Huma.
type HandleInput struct {
	Body HandleRequest
}

// ContactsResponse contains contacts in API responses.
type ContactsResponse struct {
	Contacts []domain.Contact `json:"contacts" doc:"Contacts ordered by handle"`
}

// ContactsOutput wraps the contacts response for Huma.
type ContactsOutput struct {
	Body ContactsResponse
}

// ContactOutput wraps a single contact for Huma.
type ContactOutput struct {
	Body domain.Contact
}

// === Handlers ===

func (s *Server) handleFindUserByHandle(ctx context.Context, input *FindUserByHandleInput) (*UserOutput, error) {
	if _, err := GetUserID(ctx); err != nil {
		return nil, err
	}

	user, err := s.directory.FindUserByHandle(ctx, input.Handle)
	if err != nil {
		return nil, err
	}

	return &UserOutput{Body: user}, nil
}

func (s *Server) handleRegisterUser(ctx context.Context, input *HandleInput) (*UserOutput, error) {
	userID, err := GetUserID(ctx)
	if err != nil {
		return nil, err
	}

	user, err := s.directory.Register(ctx, userID, input.Body.Handle)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", "user_id", user.ID, "handle", user.Handle)
	return &UserOutput{Body: user}, nil
}

func (s *Server) handleListContacts(ctx context.Context, _ *struct{}) (*ContactsOutput, error) {
	userID, err := GetUserID(ctx)
	if err != nil {
		return nil, err
	}

	contacts, err := s.directory.Contacts(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &ContactsOutput{Body: ContactsResponse{Contacts: contacts}}, nil
}

func (s *Server) handleAddContact(ctx context.Context, input *HandleInput) (*ContactOutput, error) {
	userID, err := GetUserID(ctx)
	if err != nil {
		return nil, err
	}

	contact, err := s.directory.AddContact(ctx, userID, input.Body.Handle)
	if err != nil {
		return nil, err
	}

	return &ContactOutput{Body: contact}, nil
}
