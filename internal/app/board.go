package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskboard/api/internal/events"
	"taskboard/api/internal/ordering"
	"taskboard/api/internal/rank"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type ProjectView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

type TaskView struct {
	ID          string    `json:"id"`
	SectionID   string    `json:"sectionId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Rank        rank.Rank `json:"rank"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type SectionView struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Position int        `json:"position"`
	Tasks    []TaskView `json:"tasks"`
}

type BoardView struct {
	Project  ProjectView   `json:"project"`
	Role     string        `json:"role"`
	Sections []SectionView `json:"sections"`
}

type CreateTaskInput struct {
	SectionID   string `json:"sectionId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type MoveInput struct {
	TaskID    string          `json:"taskId"`
	SectionID string          `json:"sectionId"`
	Anchor    ordering.Anchor `json:"anchor"`
}

type MoveOutcome struct {
	TaskID     string               `json:"taskId"`
	SectionID  string               `json:"sectionId"`
	Rank       rank.Rank            `json:"rank"`
	Unchanged  bool                 `json:"unchanged"`
	Rebalanced []ordering.Placement `json:"rebalanced,omitempty"`
}

func projectView(p store.Project) ProjectView {
	return ProjectView{ID: p.ID, Name: p.Name, OwnerID: p.OwnerID, CreatedAt: p.CreatedAt}
}

func taskView(t store.Task) TaskView {
	return TaskView{
		ID:          t.ID,
		SectionID:   t.SectionID,
		Title:       t.Title,
		Description: t.Description,
		Rank:        t.Rank,
		UpdatedAt:   t.UpdatedAt,
	}
}

func sectionKey(sectionID string) string {
	return "section:" + sectionID
}

func (s *Service) CreateProject(ctx context.Context, session Session, name string) (ProjectView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ProjectView{}, validationError("name is required", nil)
	}
	project := store.Project{
		ID:        util.NewID("prj"),
		Name:      name,
		OwnerID:   session.UserID,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return ProjectView{}, err
	}
	return projectView(project), nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]ProjectView, error) {
	projects, err := s.store.ListProjects(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectView(p))
	}
	return items, nil
}

// AddMember grants a user, created on first mention, a role in the project.
func (s *Service) AddMember(ctx context.Context, session Session, projectID, userName, role string) error {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionManageMembers); err != nil {
		return err
	}
	userName = strings.TrimSpace(userName)
	normalized := rbac.Normalize(role)
	if userName == "" || normalized == rbac.RoleNone {
		return validationError("name and a valid role are required", map[string]any{"role": role})
	}
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return err
	}
	return s.store.UpsertMember(ctx, store.Member{ProjectID: projectID, UserID: user.ID, Role: string(normalized)})
}

// Board returns every section of the project with its tasks in rank order.
func (s *Service) Board(ctx context.Context, session Session, projectID string) (BoardView, error) {
	role, err := s.authorize(ctx, session, projectID, rbac.ActionRead)
	if err != nil {
		return BoardView{}, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return BoardView{}, err
	}
	sections, err := s.store.ListSections(ctx, projectID)
	if err != nil {
		return BoardView{}, err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return BoardView{}, err
	}

	bySection := make(map[string][]TaskView, len(sections))
	for _, task := range tasks {
		bySection[task.SectionID] = append(bySection[task.SectionID], taskView(task))
	}

	view := BoardView{
		Project:  projectView(project),
		Role:     string(role),
		Sections: make([]SectionView, 0, len(sections)),
	}
	for _, section := range sections {
		items := bySection[section.ID]
		if items == nil {
			items = []TaskView{}
		}
		view.Sections = append(view.Sections, SectionView{
			ID:       section.ID,
			Name:     section.Name,
			Position: section.Position,
			Tasks:    items,
		})
	}
	return view, nil
}

func (s *Service) CreateSection(ctx context.Context, session Session, projectID, name string) (SectionView, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionManageSections); err != nil {
		return SectionView{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return SectionView{}, validationError("name is required", nil)
	}
	section := store.Section{ID: util.NewID("sec"), ProjectID: projectID, Name: name}
	if err := s.store.InsertSection(ctx, section); err != nil {
		return SectionView{}, err
	}
	return SectionView{ID: section.ID, Name: section.Name, Tasks: []TaskView{}}, nil
}

// CreateTask appends a new task to the bottom of its section.
func (s *Service) CreateTask(ctx context.Context, session Session, projectID string, input CreateTaskInput) (TaskView, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionCreateTask); err != nil {
		return TaskView{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" || input.SectionID == "" {
		return TaskView{}, validationError("sectionId and title are required", nil)
	}

	task := store.Task{
		ID:          util.NewID("tsk"),
		ProjectID:   projectID,
		SectionID:   input.SectionID,
		Title:       title,
		Description: input.Description,
		CreatedBy:   session.UserID,
	}
	var rebalanced []ordering.Placement
	err := s.sections.Do(ctx, sectionKey(input.SectionID), func() error {
		var err error
		task, rebalanced, err = s.store.CreateTask(ctx, task, func(snapshot []ordering.Item) (ordering.Allocation, error) {
			return s.allocator.Allocate(snapshot, ordering.Append(), task.ID)
		})
		return err
	})
	if err != nil {
		return TaskView{}, err
	}

	s.publish(ctx, events.ChangeEvent{
		ProjectID: projectID,
		TaskID:    task.ID,
		SectionID: task.SectionID,
		Kind:      events.KindCreated,
		Rank:      task.Rank,
	})
	s.publishRebalanced(ctx, projectID, task.SectionID, rebalanced)
	return taskView(task), nil
}

// MoveTask places a task at the anchor in the destination section. The
// anchor is resolved against the section as stored, never against the
// client's view, and a move that resolves to the task's current slot
// writes nothing and emits no event.
func (s *Service) MoveTask(ctx context.Context, session Session, projectID string, input MoveInput) (MoveOutcome, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionMoveTask); err != nil {
		return MoveOutcome{}, err
	}
	if input.TaskID == "" || input.SectionID == "" {
		return MoveOutcome{}, validationError("taskId and sectionId are required", nil)
	}
	if err := input.Anchor.Validate(); err != nil {
		return MoveOutcome{}, domainError(http.StatusBadRequest, "INVALID_ANCHOR", err.Error(), nil)
	}

	params := store.MoveParams{ProjectID: projectID, TaskID: input.TaskID, SectionID: input.SectionID}
	allocate := func(snapshot []ordering.Item) (ordering.Allocation, error) {
		return s.allocator.Allocate(snapshot, input.Anchor, input.TaskID)
	}

	var result store.MoveResult
	err := s.sections.Do(ctx, sectionKey(input.SectionID), func() error {
		var err error
		for attempt := 1; attempt <= 2; attempt++ {
			result, err = s.store.ApplyMove(ctx, params, allocate)
			if !store.Retryable(err) {
				return err
			}
			slog.WarnContext(ctx, "retrying aborted move", "error", err, "task_id", input.TaskID, "section_id", input.SectionID, "attempt", attempt)
		}
		return err
	})
	if err != nil {
		return MoveOutcome{}, err
	}

	outcome := MoveOutcome{
		TaskID:     result.TaskID,
		SectionID:  result.SectionID,
		Rank:       result.Rank,
		Unchanged:  result.Unchanged,
		Rebalanced: result.Rebalanced,
	}
	if result.Unchanged {
		return outcome, nil
	}

	if len(result.Rebalanced) > 0 {
		slog.InfoContext(ctx, "section rebalanced", "section_id", result.SectionID, "items", len(result.Rebalanced))
	}
	s.publish(ctx, events.ChangeEvent{
		ProjectID: projectID,
		TaskID:    result.TaskID,
		SectionID: result.SectionID,
		Kind:      events.KindMoved,
		Rank:      result.Rank,
	})
	s.publishRebalanced(ctx, projectID, result.SectionID, result.Rebalanced)
	return outcome, nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, projectID, taskID string) (TaskView, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionDeleteTask); err != nil {
		return TaskView{}, err
	}
	if taskID == "" {
		return TaskView{}, validationError("taskId is required", nil)
	}
	task, err := s.store.DeleteTask(ctx, projectID, taskID)
	if err != nil {
		return TaskView{}, err
	}
	s.publish(ctx, events.ChangeEvent{
		ProjectID: projectID,
		TaskID:    task.ID,
		SectionID: task.SectionID,
		Kind:      events.KindDeleted,
	})
	return taskView(task), nil
}

// NextEvent returns the next change the client has not seen yet, or nil.
// clientID defaults to the caller's user id.
func (s *Service) NextEvent(ctx context.Context, session Session, projectID, clientID string) (*events.ChangeEvent, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if clientID == "" {
		clientID = session.UserID
	}
	event, err := s.broker.Next(ctx, projectID, clientID)
	if err != nil {
		return nil, fmt.Errorf("next event: %w", err)
	}
	return event, nil
}

// publish announces a committed change. The write already happened, so a
// broker failure is logged and peers catch up on their next full fetch.
func (s *Service) publish(ctx context.Context, event events.ChangeEvent) {
	event.At = s.now()
	if _, err := s.broker.Publish(ctx, event); err != nil {
		slog.ErrorContext(ctx, "publish change event", "task_id", event.TaskID, "kind", event.Kind, "error", err)
	}
}

func (s *Service) publishRebalanced(ctx context.Context, projectID, sectionID string, placements []ordering.Placement) {
	for _, p := range placements {
		s.publish(ctx, events.ChangeEvent{
			ProjectID: projectID,
			TaskID:    p.ItemID,
			SectionID: sectionID,
			Kind:      events.KindMoved,
			Rank:      p.Rank,
		})
	}
}
