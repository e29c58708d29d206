package domain

import "time"

// Syncable provides the identity and timestamps shared by rows that both
// parties edit and that are replicated through change subscriptions.
type Syncable struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// UpdatedBy is the user whose write produced this state, when known.
	UpdatedBy *string   `json:"updated_by,omitempty"`
}

// InitTimestamps sets both CreatedAt and UpdatedAt to now.
func (s *Syncable) InitTimestamps(now time.Time) {
	s.CreatedAt = now
	s.UpdatedAt = now
}

// Touch moves UpdatedAt to now.
func (s *Syncable) Touch(now time.Time) {
	s.UpdatedAt = now
}
