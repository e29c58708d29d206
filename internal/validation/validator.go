// Package validation rejects malformed client input before any remote call,
// using go-playground/validator and the Invalid error code.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	domainerrors "github.com/listenupapp/cartshare/internal/errors"
)

// ItemInput is a new item as typed by a user.
type ItemInput struct {
	Name     string `json:"name" validate:"required,max=100"`
	Category string `json:"category" validate:"max=50"`
}

// RecipientInput is the handle a draft is sent to.
type RecipientInput struct {
	Handle string `json:"handle" validate:"required,min=3,max=30,excludesall=@"`
}

// ListInput is a list name.
type ListInput struct {
	Name string `json:"name" validate:"required,max=100"`
}

// Validator wraps go-playground/validator with domain error conversion.
type Validator struct {
	v *validator.Validate
}

// New creates a validator configured for our domain.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error details.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	return &Validator{v: v}
}

// Validate validates a struct and returns an Invalid domain error.
func (v *Validator) Validate(s any) error {
	if err := v.v.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

// Item trims the input and validates it.
func (v *Validator) Item(name, category string) (ItemInput, error) {
	in := ItemInput{
		Name:     strings.Join(strings.Fields(name), " "),
		Category: strings.TrimSpace(category),
	}
	return in, v.Validate(in)
}

// Recipient trims a leading @ from the handle and validates it.
func (v *Validator) Recipient(handle string) (RecipientInput, error) {
	in := RecipientInput{Handle: strings.TrimPrefix(strings.TrimSpace(handle), "@")}
	if err := v.Validate(in); err != nil {
		return in, err
	}
	if strings.ContainsFunc(in.Handle, unicode.IsSpace) {
		return in, domainerrors.InvalidWithDetails("validation failed", map[string]string{"handle": "must not contain spaces"})
	}
	return in, nil
}

// ListName trims and validates a list name.
func (v *Validator) ListName(name string) (ListInput, error) {
	in := ListInput{Name: strings.TrimSpace(name)}
	return in, v.Validate(in)
}

func (v *Validator) formatError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return domainerrors.Wrap(err, domainerrors.CodeInvalid, "validation failed")
	}

	fieldErrors := make(map[string]string, len(validationErrs))
	for _, e := range validationErrs {
		fieldErrors[e.Field()] = friendlyMessage(e)
	}

	return domainerrors.InvalidWithDetails("validation failed", fieldErrors)
}

func friendlyMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", e.Param())
	case "max":
		return fmt.Sprintf("must not exceed %s characters", e.Param())
	case "excludesall":
		return "must not contain " + e.Param()
	default:
		return "is invalid"
	}
}
