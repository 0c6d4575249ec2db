package ordering

import "taskboard/api/internal/rank"

// MoveRequest describes a drop: the dragged item, the container it was
// dropped into and the item rendered directly below the drop line. An empty
// BelowID means the item was dropped below everything.
type MoveRequest struct {
	ItemID      string
	ContainerID string
	BelowID     string
}

// MoveCommand is what a client sends to the store. The store re-resolves
// Anchor against its own state; CandidateRank is only what the client
// expects to receive.
type MoveCommand struct {
	ItemID        string    `json:"taskId"`
	ContainerID   string    `json:"sectionId"`
	Anchor        Anchor    `json:"anchor"`
	CandidateRank rank.Rank `json:"candidateRank,omitempty"`
}

// Resolver maps drop gestures to move commands. It has no side effects.
type Resolver struct {
	allocator *Allocator
}

func NewResolver(allocator *Allocator) *Resolver {
	if allocator == nil {
		allocator = NewAllocator(nil)
	}
	return &Resolver{allocator: allocator}
}

// Resolve computes the command for req against snapshot, the destination
// container as the client currently sees it (sorted, including the dragged
// item when it already lives there). Drops that would leave the item where
// it is are rejected with ReasonSelfDrop so no command is sent.
func (r *Resolver) Resolve(req MoveRequest, snapshot []Item) (MoveCommand, error) {
	if req.ItemID == "" {
		return MoveCommand{}, Reject(ReasonItemNotFound, "")
	}
	if req.BelowID != "" && req.BelowID == req.ItemID {
		return MoveCommand{}, Reject(ReasonSelfDrop, req.ItemID)
	}

	anchor, err := anchorFor(req, snapshot)
	if err != nil {
		return MoveCommand{}, err
	}
	allocation, err := r.allocator.Allocate(snapshot, anchor, req.ItemID)
	if err != nil {
		return MoveCommand{}, err
	}
	if allocation.Unchanged {
		return MoveCommand{}, Reject(ReasonSelfDrop, req.ItemID)
	}

	return MoveCommand{
		ItemID:        req.ItemID,
		ContainerID:   req.ContainerID,
		Anchor:        anchor,
		CandidateRank: allocation.Rank,
	}, nil
}

func anchorFor(req MoveRequest, snapshot []Item) (Anchor, error) {
	if len(snapshot) == 0 || req.BelowID == "" {
		return Append(), nil
	}
	idx := indexOf(snapshot, req.BelowID)
	switch {
	case idx < 0:
		return Anchor{}, Reject(ReasonNeighborNotFound, req.BelowID)
	case idx == 0:
		return Prepend(), nil
	default:
		return After(snapshot[idx-1].ID), nil
	}
}
