// Package ordering turns insertion requests into ranks for one container and
// turns drop gestures into move commands.
package ordering

import (
	"fmt"
	"sort"

	"taskboard/api/internal/rank"
)

// Item is one entry of a container snapshot.
type Item struct {
	ID   string    `json:"id"`
	Rank rank.Rank `json:"rank"`
}

// SortItems orders items by rank, breaking ties by id so that every reader
// materializes the same order even if two ranks ever collide.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Rank != items[j].Rank {
			return items[i].Rank < items[j].Rank
		}
		return items[i].ID < items[j].ID
	})
}

func indexOf(items []Item, id string) int {
	for i, item := range items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func without(items []Item, id string) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item.ID != id {
			out = append(out, item)
		}
	}
	return out
}

type AnchorKind string

const (
	AnchorAppend  AnchorKind = "append"
	AnchorPrepend AnchorKind = "prepend"
	AnchorAfter   AnchorKind = "after"
)

// Anchor is the requested insertion point inside a container.
type Anchor struct {
	Kind       AnchorKind `json:"kind"`
	NeighborID string     `json:"neighborId,omitempty"`
}

func Append() Anchor  { return Anchor{Kind: AnchorAppend} }
func Prepend() Anchor { return Anchor{Kind: AnchorPrepend} }

// After anchors the insertion directly after the neighbour with the given id.
func After(neighborID string) Anchor {
	return Anchor{Kind: AnchorAfter, NeighborID: neighborID}
}

func (a Anchor) Validate() error {
	switch a.Kind {
	case AnchorAppend, AnchorPrepend:
		return nil
	case AnchorAfter:
		if a.NeighborID == "" {
			return fmt.Errorf("anchor %q requires a neighbor id", a.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown anchor kind %q", a.Kind)
	}
}

func (a Anchor) String() string {
	if a.Kind == AnchorAfter {
		return "after:" + a.NeighborID
	}
	return string(a.Kind)
}
