package events

import (
	"context"
	"sort"
	"sync"
)

// maxBacklog bounds the events retained per project. A client that falls
// further behind skips the oldest ones, as an expired Redis cursor would.
const maxBacklog = 4096

// MemoryBroker keeps events in process. It suits single-instance servers and
// tests; cursors never expire.
type MemoryBroker struct {
	mu       sync.Mutex
	projects map[string]*memoryProject
}

// memoryProject holds at most one event per task, ordered by Seq. Events
// every cursor has passed are dropped.
type memoryProject struct {
	seq     int64
	log     []ChangeEvent
	cursors map[string]int64
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{projects: map[string]*memoryProject{}}
}

func (b *MemoryBroker) project(id string) *memoryProject {
	p, ok := b.projects[id]
	if !ok {
		p = &memoryProject{cursors: map[string]int64{}}
		b.projects[id] = p
	}
	return p
}

func (b *MemoryBroker) Publish(_ context.Context, event ChangeEvent) (ChangeEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.project(event.ProjectID)
	p.seq++
	event.Seq = p.seq
	for i, prev := range p.log {
		if prev.TaskID == event.TaskID {
			p.log = append(p.log[:i], p.log[i+1:]...)
			break
		}
	}
	p.log = append(p.log, event)
	if len(p.cursors) == 0 {
		p.log = p.log[:0]
	}
	if over := len(p.log) - maxBacklog; over > 0 {
		p.log = append(p.log[:0], p.log[over:]...)
	}
	return event, nil
}

func (b *MemoryBroker) Next(_ context.Context, projectID, clientID string) (*ChangeEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.project(projectID)
	cursor, ok := p.cursors[clientID]
	if !ok {
		p.cursors[clientID] = p.seq
		return nil, nil
	}

	i := sort.Search(len(p.log), func(i int) bool { return p.log[i].Seq > cursor })
	if i == len(p.log) {
		return nil, nil
	}
	next := p.log[i]
	p.cursors[clientID] = next.Seq
	p.prune()
	return &next, nil
}

// prune drops the events every known cursor has already consumed.
func (p *memoryProject) prune() {
	low := p.seq
	for _, c := range p.cursors {
		if c < low {
			low = c
		}
	}
	n := sort.Search(len(p.log), func(i int) bool { return p.log[i].Seq > low })
	if n > 0 {
		p.log = append(p.log[:0], p.log[n:]...)
	}
}

func (b *MemoryBroker) Ping(context.Context) error { return nil }

func (b *MemoryBroker) Close() error { return nil }
