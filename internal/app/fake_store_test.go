package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/store"
)

// memStore is an in-memory dataStore. ApplyMove and CreateTask release the
// mutex while the allocator runs, so only the service's section lock keeps
// concurrent writers from allocating against the same snapshot.
type memStore struct {
	mu       sync.Mutex
	seq      int
	users    map[string]store.User
	projects map[string]store.Project
	members  map[string]string
	sections map[string]store.Section
	tasks    map[string]store.Task
	revoked  map[string]time.Time
	pingErr  error
	moveErrs []error
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]store.User{},
		projects: map[string]store.Project{},
		members:  map[string]string{},
		sections: map[string]store.Section{},
		tasks:    map[string]store.Task{},
		revoked:  map[string]time.Time{},
	}
}

func memberKey(projectID, userID string) string { return projectID + "/" + userID }

func (m *memStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.DisplayName == name {
			return u, nil
		}
	}
	m.seq++
	u := store.User{ID: fmt.Sprintf("usr_%d", m.seq), DisplayName: name, CreatedAt: time.Now()}
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = exp
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

func (m *memStore) CreateProject(_ context.Context, p store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	m.members[memberKey(p.ID, p.OwnerID)] = "admin"
	return nil
}

func (m *memStore) GetProject(_ context.Context, id string) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *memStore) ListProjects(_ context.Context, userID string) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Project
	for _, p := range m.projects {
		if _, ok := m.members[memberKey(p.ID, userID)]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpsertMember(_ context.Context, member store.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[memberKey(member.ProjectID, member.UserID)] = member.Role
	return nil
}

func (m *memStore) MemberRole(_ context.Context, projectID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[memberKey(projectID, userID)], nil
}

func (m *memStore) InsertSection(_ context.Context, section store.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sections {
		if existing.ProjectID == section.ProjectID && existing.Position >= section.Position {
			section.Position = existing.Position + 1
		}
	}
	m.sections[section.ID] = section
	return nil
}

func (m *memStore) ListSections(_ context.Context, projectID string) ([]store.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Section
	for _, s := range m.sections {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memStore) ListTasks(_ context.Context, projectID string) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SectionID != out[j].SectionID {
			return out[i].SectionID < out[j].SectionID
		}
		if out[i].Rank != out[j].Rank {
			return out[i].Rank.Less(out[j].Rank)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) snapshot(projectID, sectionID string) ([]ordering.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	section, ok := m.sections[sectionID]
	if !ok || section.ProjectID != projectID {
		return nil, ordering.Reject(ordering.ReasonContainerNotFound, sectionID)
	}
	var items []ordering.Item
	for _, t := range m.tasks {
		if t.SectionID == sectionID {
			items = append(items, ordering.Item{ID: t.ID, Rank: t.Rank})
		}
	}
	ordering.SortItems(items)
	return items, nil
}

func (m *memStore) ApplyMove(_ context.Context, params store.MoveParams, allocate store.AllocateFunc) (store.MoveResult, error) {
	m.mu.Lock()
	if len(m.moveErrs) > 0 {
		err := m.moveErrs[0]
		m.moveErrs = m.moveErrs[1:]
		m.mu.Unlock()
		return store.MoveResult{}, err
	}
	m.mu.Unlock()

	snapshot, err := m.snapshot(params.ProjectID, params.SectionID)
	if err != nil {
		return store.MoveResult{}, err
	}

	m.mu.Lock()
	task, ok := m.tasks[params.TaskID]
	m.mu.Unlock()
	if !ok || task.ProjectID != params.ProjectID {
		return store.MoveResult{}, ordering.Reject(ordering.ReasonItemNotFound, params.TaskID)
	}

	allocation, err := allocate(snapshot)
	if err != nil {
		return store.MoveResult{}, err
	}
	result := store.MoveResult{
		TaskID:        params.TaskID,
		FromSectionID: task.SectionID,
		SectionID:     params.SectionID,
		Rank:          allocation.Rank,
		Unchanged:     allocation.Unchanged,
		Rebalanced:    allocation.Rebalanced,
	}
	if allocation.Unchanged {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyPlacements(allocation.Rebalanced)
	task = m.tasks[params.TaskID]
	task.SectionID = params.SectionID
	task.Rank = allocation.Rank
	m.tasks[params.TaskID] = task
	return result, nil
}

func (m *memStore) applyPlacements(placements []ordering.Placement) {
	for _, p := range placements {
		t := m.tasks[p.ItemID]
		t.Rank = p.Rank
		m.tasks[p.ItemID] = t
	}
}

func (m *memStore) CreateTask(_ context.Context, task store.Task, allocate store.AllocateFunc) (store.Task, []ordering.Placement, error) {
	snapshot, err := m.snapshot(task.ProjectID, task.SectionID)
	if err != nil {
		return store.Task{}, nil, err
	}
	allocation, err := allocate(snapshot)
	if err != nil {
		return store.Task{}, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyPlacements(allocation.Rebalanced)
	task.Rank = allocation.Rank
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	m.tasks[task.ID] = task
	return task, allocation.Rebalanced, nil
}

func (m *memStore) DeleteTask(_ context.Context, projectID, taskID string) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.ProjectID != projectID {
		return store.Task{}, ordering.Reject(ordering.ReasonItemNotFound, taskID)
	}
	delete(m.tasks, taskID)
	return task, nil
}

func (m *memStore) Ping(context.Context) error {
	return m.pingErr
}

func (m *memStore) sectionOrder(sectionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []ordering.Item
	for _, t := range m.tasks {
		if t.SectionID == sectionID {
			items = append(items, ordering.Item{ID: t.ID, Rank: t.Rank})
		}
	}
	ordering.SortItems(items)
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func (m *memStore) rankOf(taskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[taskID].Rank.String()
}
