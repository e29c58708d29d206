package commands

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
)

func TestFormatItem(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	milk := domain.Item{ID: "item-1", Name: "Milk", Category: "dairy"}

	assert.Equal(t, "[ ] Milk (dairy)  item-1", formatItem(milk))
	assert.Equal(t, "[x] Milk (dairy)  item-1", formatItem(milk.WithPurchased(true, now)))
	assert.Equal(t, "[ ] Eggs  item-2", formatItem(domain.Item{ID: "item-2", Name: "Eggs"}))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "boom", describe(errors.New("boom")))

	err := domainerrors.InvalidWithDetails("validation failed", map[string]string{"handle": "must not contain spaces"})
	got := describe(err)
	assert.Contains(t, got, "INVALID: validation failed")
	assert.Contains(t, got, "handle: must not contain spaces")

	assert.Contains(t, describe(domainerrors.ErrRecipientNotFound), "NOT_FOUND")
}
