package domain

// Status is the lifecycle state of a list.
type Status string

// List statuses. Draft is set explicitly at creation and left only by sending
// the list; the others are derived from item purchase flags.
const (
	StatusDraft     Status = "draft"
	StatusNew       Status = "new"
	StatusOpened    Status = "opened"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusNew, StatusOpened, StatusCompleted:
		return true
	default:
		return false
	}
}

// DeriveStatus computes a list status from its items' purchase flags.
//
// An empty item set keeps previous (an empty list is never completed), and a
// draft stays a draft until it is explicitly sent. Item order is irrelevant.
func DeriveStatus(items []Item, previous Status) Status {
	if len(items) == 0 || previous == StatusDraft {
		return previous
	}

	purchased := 0
	for i := range items {
		if items[i].Purchased {
			purchased++
		}
	}

	switch {
	case purchased == len(items):
		return StatusCompleted
	case purchased > 0:
		return StatusOpened
	default:
		return StatusNew
	}
}
