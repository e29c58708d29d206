package domain

import (
	"strings"
	"time"
)

// User is the minimal identity the sync engine needs: an ID and a public handle.
type User struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// Contact is a directed relation from an owner to another user's handle,
// used to pick a recipient before a list is sent.
type Contact struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeHandle strips a leading @ and lowercases a handle.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}
