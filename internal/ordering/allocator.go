package ordering

import (
	"errors"
	"fmt"

	"taskboard/api/internal/rank"
)

// Placement assigns a rank to an item.
type Placement struct {
	ItemID string    `json:"itemId"`
	Rank   rank.Rank `json:"rank"`
}

// Allocation is the result of placing one item into a container.
type Allocation struct {
	Rank rank.Rank
	// Unchanged is set when the anchor resolves to the item's current slot.
	// Rank then holds the existing rank and nothing needs to be written.
	Unchanged bool
	// Rebalanced lists the other items whose ranks had to be rewritten to
	// make room. It is empty unless the gap at the anchor was exhausted.
	Rebalanced []Placement
}

// Allocator computes ranks for insertions into a container snapshot. It
// holds no state besides the codec and never mutates the snapshot.
type Allocator struct {
	codec *rank.Codec
}

func NewAllocator(codec *rank.Codec) *Allocator {
	if codec == nil {
		codec = rank.Default
	}
	return &Allocator{codec: codec}
}

func (a *Allocator) Codec() *rank.Codec {
	return a.codec
}

// Allocate returns the rank itemID should receive when inserted at anchor
// into snapshot, which must be sorted with SortItems. itemID may already be
// part of the snapshot (a move inside the same container) or be absent (a
// move from another container, or a new item).
func (a *Allocator) Allocate(snapshot []Item, anchor Anchor, itemID string) (Allocation, error) {
	if err := anchor.Validate(); err != nil {
		return Allocation{}, err
	}
	if current, ok := inPlace(snapshot, anchor, itemID); ok {
		return Allocation{Rank: current, Unchanged: true}, nil
	}

	others := without(snapshot, itemID)
	if anchor.Kind == AnchorAfter && indexOf(others, anchor.NeighborID) < 0 {
		return Allocation{}, Reject(ReasonNeighborNotFound, anchor.NeighborID)
	}

	r, err := a.place(others, anchor)
	if err == nil {
		return Allocation{Rank: r}, nil
	}
	if !errors.Is(err, rank.ErrExhausted) && !errors.Is(err, rank.ErrNotOrdered) {
		return Allocation{}, err
	}

	rebalanced, placements, err := a.rebalance(others)
	if err != nil {
		return Allocation{}, err
	}
	r, err = a.place(rebalanced, anchor)
	if err != nil {
		return Allocation{}, fmt.Errorf("allocate after rebalance: %w", err)
	}
	return Allocation{Rank: r, Rebalanced: placements}, nil
}

// inPlace detects anchors that resolve to the slot the item already holds.
func inPlace(snapshot []Item, anchor Anchor, itemID string) (rank.Rank, bool) {
	idx := indexOf(snapshot, itemID)
	if itemID == "" || idx < 0 {
		return "", false
	}
	current := snapshot[idx].Rank
	switch anchor.Kind {
	case AnchorAppend:
		return current, idx == len(snapshot)-1
	case AnchorPrepend:
		return current, idx == 0
	case AnchorAfter:
		if anchor.NeighborID == itemID {
			return current, true
		}
		return current, idx > 0 && snapshot[idx-1].ID == anchor.NeighborID
	}
	return "", false
}

func (a *Allocator) place(items []Item, anchor Anchor) (rank.Rank, error) {
	if len(items) == 0 {
		return a.codec.Initial(), nil
	}
	switch anchor.Kind {
	case AnchorPrepend:
		return a.codec.Predecessor(items[0].Rank)
	case AnchorAfter:
		idx := indexOf(items, anchor.NeighborID)
		if idx < len(items)-1 {
			return a.codec.Midpoint(items[idx].Rank, items[idx+1].Rank)
		}
	}
	return a.codec.Successor(items[len(items)-1].Rank)
}

// rebalance re-spaces every item evenly, keeping their order. It returns the
// re-ranked snapshot and the placements that differ from the input.
func (a *Allocator) rebalance(items []Item) ([]Item, []Placement, error) {
	ranks, err := a.codec.Spread(len(items))
	if err != nil {
		return nil, nil, fmt.Errorf("rebalance %d items: %w", len(items), err)
	}
	out := make([]Item, len(items))
	placements := make([]Placement, 0, len(items))
	for i, item := range items {
		out[i] = Item{ID: item.ID, Rank: ranks[i]}
		if item.Rank != ranks[i] {
			placements = append(placements, Placement{ItemID: item.ID, Rank: ranks[i]})
		}
	}
	return out, placements, nil
}
