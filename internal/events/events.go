// Package events carries board changes from the server to polling peers.
//
// Delivery is per client: each poll returns at most one event newer than
// the client's cursor and advances the cursor past it. Only the newest
// event per task is retained, so a peer that falls behind sees the latest
// state of a task rather than every intermediate move.
package events

import (
	"context"
	"time"

	"taskboard/api/internal/rank"
)

type Kind string

const (
	KindCreated Kind = "created"
	KindMoved   Kind = "moved"
	KindDeleted Kind = "deleted"
)

type ChangeEvent struct {
	Seq       int64     `json:"seq"`
	ProjectID string    `json:"projectId"`
	TaskID    string    `json:"taskId"`
	SectionID string    `json:"sectionId"`
	Kind      Kind      `json:"kind"`
	Rank      rank.Rank `json:"rank,omitempty"`
	At        time.Time `json:"at"`
}

type Broker interface {
	// Publish assigns the next sequence number of the event's project and
	// makes the event visible to every client.
	Publish(ctx context.Context, event ChangeEvent) (ChangeEvent, error)
	// Next returns the oldest retained event past the client's cursor, or
	// nil. A client without a cursor starts at the current head.
	Next(ctx context.Context, projectID, clientID string) (*ChangeEvent, error)
	Ping(ctx context.Context) error
	Close() error
}
