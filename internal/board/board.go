// Package board keeps a peer's copy of a project board and turns drag and
// drop gestures into move commands.
//
// The copy is advisory. The server re-resolves every anchor against its own
// state, and any change event or stale rejection makes the board refetch
// before the next move.
package board

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"taskboard/api/internal/client"
	"taskboard/api/internal/events"
	"taskboard/api/internal/ordering"
)

var (
	ErrMoveInFlight = errors.New("a move is still outstanding")
	ErrNoDrag       = errors.New("no drag in progress")
)

type API interface {
	Board(ctx context.Context, projectID string) (client.Board, error)
	Move(ctx context.Context, projectID string, cmd ordering.MoveCommand) (client.MoveResult, error)
}

type Board struct {
	api       API
	projectID string
	resolver  *ordering.Resolver
	refetch   singleflight.Group

	mu       sync.Mutex
	snapshot client.Board
	loaded   bool
	stale    bool
	// generation counts stale marks so a fetch that started before a change
	// does not clear the mark the change set.
	generation uint64
	dragging   string
	inFlight   bool
}

func New(api API, projectID string, resolver *ordering.Resolver) *Board {
	if resolver == nil {
		resolver = ordering.NewResolver(nil)
	}
	return &Board{api: api, projectID: projectID, resolver: resolver}
}

// Snapshot returns the last fetched board.
func (b *Board) Snapshot() client.Board {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot
}

func (b *Board) Stale() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stale || !b.loaded
}

func (b *Board) Dragging() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dragging
}

// Refresh fetches the canonical board. Concurrent callers share one request.
func (b *Board) Refresh(ctx context.Context) error {
	_, err, _ := b.refetch.Do(b.projectID, func() (any, error) {
		b.mu.Lock()
		generation := b.generation
		b.mu.Unlock()

		snapshot, err := b.api.Board(ctx, b.projectID)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		b.snapshot = snapshot
		b.loaded = true
		if b.generation == generation {
			b.stale = false
		}
		return nil, nil
	})
	return err
}

// HandleChange reacts to a change event from the poller. The payload is not
// trusted; the board is marked stale and refetched.
func (b *Board) HandleChange(ctx context.Context, event events.ChangeEvent) error {
	b.markStale()
	slog.DebugContext(ctx, "board change", "project_id", b.projectID, "task_id", event.TaskID, "kind", event.Kind)
	return b.Refresh(ctx)
}

func (b *Board) markStale() {
	b.mu.Lock()
	b.stale = true
	b.generation++
	b.mu.Unlock()
}

// BeginDrag starts dragging itemID. Only one gesture may be active, and none
// while a previous move is outstanding.
func (b *Board) BeginDrag(itemID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight || b.dragging != "" {
		return ErrMoveInFlight
	}
	b.dragging = itemID
	return nil
}

// CancelDrag drops the gesture without contacting the server.
func (b *Board) CancelDrag() {
	b.mu.Lock()
	b.dragging = ""
	b.mu.Unlock()
}

// Drop finishes the drag inside containerID, above the item belowID (empty
// for the bottom of the container). Drops that leave the item in place
// return a SelfDrop rejection without a server call.
func (b *Board) Drop(ctx context.Context, containerID, belowID string) (client.MoveResult, error) {
	b.mu.Lock()
	itemID := b.dragging
	if itemID == "" {
		b.mu.Unlock()
		return client.MoveResult{}, ErrNoDrag
	}
	b.dragging = ""
	b.inFlight = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight = false
		b.mu.Unlock()
	}()

	if b.Stale() {
		if err := b.Refresh(ctx); err != nil {
			return client.MoveResult{}, err
		}
	}

	section, ok := b.Snapshot().Section(containerID)
	if !ok {
		b.markStale()
		return client.MoveResult{}, ordering.Reject(ordering.ReasonContainerNotFound, containerID)
	}
	cmd, err := b.resolver.Resolve(ordering.MoveRequest{
		ItemID:      itemID,
		ContainerID: containerID,
		BelowID:     belowID,
	}, section.Items())
	if err != nil {
		if rejection, ok := ordering.AsRejection(err); ok && rejection.Stale() {
			b.markStale()
		}
		return client.MoveResult{}, err
	}

	result, err := b.api.Move(ctx, b.projectID, cmd)
	if err != nil {
		if rejection, ok := ordering.AsRejection(err); ok && rejection.Stale() {
			b.markStale()
			if refreshErr := b.Refresh(ctx); refreshErr != nil {
				slog.WarnContext(ctx, "refetch after rejected move", "project_id", b.projectID, "error", refreshErr)
			}
		}
		return client.MoveResult{}, err
	}

	b.apply(result)
	return result, nil
}

// apply folds a committed move into the local copy.
func (b *Board) apply(result client.MoveResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Snapshot hands out the same backing arrays.
	b.snapshot.Sections = cloneSections(b.snapshot.Sections)

	var moved client.Task
	found := false
	for si := range b.snapshot.Sections {
		tasks := b.snapshot.Sections[si].Tasks
		for ti, task := range tasks {
			if task.ID == result.TaskID {
				moved = task
				found = true
				b.snapshot.Sections[si].Tasks = append(tasks[:ti], tasks[ti+1:]...)
				break
			}
		}
	}
	if !found {
		b.stale = true
		b.generation++
		return
	}

	ranks := make(map[string]ordering.Placement, len(result.Rebalanced))
	for _, p := range result.Rebalanced {
		ranks[p.ItemID] = p
	}
	for si := range b.snapshot.Sections {
		section := &b.snapshot.Sections[si]
		if section.ID != result.SectionID {
			continue
		}
		moved.SectionID = result.SectionID
		moved.Rank = result.Rank
		section.Tasks = append(section.Tasks, moved)
		for ti := range section.Tasks {
			if p, ok := ranks[section.Tasks[ti].ID]; ok {
				section.Tasks[ti].Rank = p.Rank
			}
		}
		sortTasks(section.Tasks)
		return
	}
	b.stale = true
	b.generation++
}

func cloneSections(sections []client.Section) []client.Section {
	out := make([]client.Section, len(sections))
	for i, s := range sections {
		out[i] = s
		out[i].Tasks = append([]client.Task(nil), s.Tasks...)
	}
	return out
}

func sortTasks(tasks []client.Task) {
	items := make([]ordering.Item, len(tasks))
	byID := make(map[string]client.Task, len(tasks))
	for i, t := range tasks {
		items[i] = ordering.Item{ID: t.ID, Rank: t.Rank}
		byID[t.ID] = t
	}
	ordering.SortItems(items)
	for i, item := range items {
		tasks[i] = byID[item.ID]
	}
}
