package domain

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func items(flags ...bool) []Item {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	out := make([]Item, len(flags))
	for i, purchased := range flags {
		out[i] = Item{ID: string(rune('a' + i))}.WithPurchased(purchased, now)
	}
	return out
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		items    []Item
		previous Status
		want     Status
	}{
		{"empty keeps previous new", nil, StatusNew, StatusNew},
		{"empty keeps previous opened", nil, StatusOpened, StatusOpened},
		{"empty never completes", []Item{}, StatusNew, StatusNew},
		{"none purchased", items(false, false), StatusOpened, StatusNew},
		{"some purchased", items(true, false), StatusNew, StatusOpened},
		{"all purchased", items(true, true), StatusOpened, StatusCompleted},
		{"completed reopens", items(true, false), StatusCompleted, StatusOpened},
		{"draft stays draft", items(true, true), StatusDraft, StatusDraft},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.items, tt.previous))
		})
	}
}

func TestDeriveStatus_OrderIndependent(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for range 200 {
		n := r.IntN(8) + 1
		flags := make([]bool, n)
		for i := range flags {
			flags[i] = r.IntN(2) == 0
		}
		set := items(flags...)
		want := DeriveStatus(set, StatusNew)

		shuffled := append([]Item(nil), set...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		assert.Equal(t, want, DeriveStatus(shuffled, StatusNew))
	}
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusCompleted.Valid())
	assert.False(t, Status("archived").Valid())
}
