// Package id generates identifiers for lists, items, share codes and notifications.
package id

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
)

// Prefixes for row identifiers.
const (
	PrefixList    = "list"
	PrefixItem    = "item"
	PrefixUser    = "user"
	PrefixContact = "contact"
)

// shareAlphabet leaves out characters that are easy to misread when a share
// code is typed by hand (0/O, 1/l/I).
const shareAlphabet = "23456789abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

const shareCodeLength = 10

// Generate creates a prefixed unique ID using NanoID.
// Format: prefix-nanoid (e.g., "item-V1StGXR8_Z5jdHi6B-myT").
func Generate(prefix string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "-" + id, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
func MustGenerate(prefix string) string {
	id, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return id
}

// ShareCode creates the opaque token that grants guest read-only access to a list.
func ShareCode() (string, error) {
	code, err := gonanoid.Generate(shareAlphabet, shareCodeLength)
	if err != nil {
		return "", fmt.Errorf("generate share code: %w", err)
	}
	return code, nil
}

// Notification creates a notification ID. ULIDs sort lexically by creation
// time, so newest-first ordering by ID matches ordering by created_at.
func Notification() string {
	return strings.ToLower(ulid.Make().String())
}

// Handle creates a subscription handle.
func Handle() string {
	return uuid.NewString()
}

// HasPrefix reports whether id was generated with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"-")
}
