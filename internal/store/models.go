package store

import (
	"time"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/rank"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Project struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

type Member struct {
	ProjectID string
	UserID    string
	Role      string
}

// Section is a board column. Sections hold the canonical order of their
// tasks; the order itself is never stored, only each task's rank.
type Section struct {
	ID        string
	ProjectID string
	Name      string
	Position  int
	CreatedAt time.Time
}

type Task struct {
	ID          string
	ProjectID   string
	SectionID   string
	Title       string
	Description string
	Rank        rank.Rank
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MoveParams identifies a move; the anchor lives in the AllocateFunc.
type MoveParams struct {
	ProjectID string
	TaskID    string
	SectionID string
}

// MoveResult is what a committed (or skipped) move changed.
type MoveResult struct {
	TaskID        string
	FromSectionID string
	SectionID     string
	Rank          rank.Rank
	Unchanged     bool
	Rebalanced    []ordering.Placement
}

// AllocateFunc computes a placement against the snapshot read inside the
// store's transaction, while the section is locked.
type AllocateFunc func(snapshot []ordering.Item) (ordering.Allocation, error)

func itemsOf(tasks []Task) []ordering.Item {
	out := make([]ordering.Item, len(tasks))
	for i, task := range tasks {
		out[i] = ordering.Item{ID: task.ID, Rank: task.Rank}
	}
	return out
}
