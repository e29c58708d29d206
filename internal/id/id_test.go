package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Uniqueness(t *testing.T) {
	ids := make(map[string]bool)
	count := 1000

	for range count {
		id, err := Generate(PrefixItem)
		require.NoError(t, err)
		assert.False(t, ids[id], "ID should be unique: %s", id)
		ids[id] = true
	}

	assert.Len(t, ids, count)
}

func TestGenerate_Format(t *testing.T) {
	for _, prefix := range []string{PrefixList, PrefixItem, PrefixUser, PrefixContact} {
		t.Run(prefix, func(t *testing.T) {
			id := MustGenerate(prefix)
			assert.True(t, HasPrefix(id, prefix))
			assert.Len(t, id, len(prefix)+1+21)
		})
	}
}

func TestShareCode(t *testing.T) {
	code, err := ShareCode()
	require.NoError(t, err)

	assert.Len(t, code, shareCodeLength)
	for _, r := range code {
		assert.True(t, strings.ContainsRune(shareAlphabet, r), "unexpected rune %q", r)
	}
}

func TestNotification_SortsByCreation(t *testing.T) {
	first := Notification()
	second := Notification()

	assert.Len(t, first, 26)
	assert.LessOrEqual(t, first[:10], second[:10], "timestamp component must not go backwards")
	assert.Equal(t, strings.ToLower(first), first)
}

func TestHandle_Unique(t *testing.T) {
	assert.NotEqual(t, Handle(), Handle())
}
