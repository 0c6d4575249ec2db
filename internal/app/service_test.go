package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"taskboard/api/internal/config"
	"taskboard/api/internal/events"
	"taskboard/api/internal/ordering"
	"taskboard/api/internal/store"
)

type testBoard struct {
	svc      *Service
	store    *memStore
	broker   *events.MemoryBroker
	owner    Session
	project  string
	sections map[string]string
	tasks    map[string]string
}

func newTestService(t *testing.T, mutate func(*config.Config)) (*Service, *memStore, *events.MemoryBroker) {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	if mutate != nil {
		mutate(&cfg)
	}
	ms := newMemStore()
	broker := events.NewMemoryBroker()
	svc, err := newService(cfg, ms, broker)
	if err != nil {
		t.Fatalf("newService() error = %v", err)
	}
	return svc, ms, broker
}

// newTestBoard builds a project whose sections hold the given task titles in
// order. Task ids are looked up by title through tb.tasks.
func newTestBoard(t *testing.T, layout map[string][]string, mutate func(*config.Config)) *testBoard {
	t.Helper()
	svc, ms, broker := newTestService(t, mutate)
	ctx := context.Background()

	owner, err := svc.Login(ctx, "Avery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	project, err := svc.CreateProject(ctx, owner, "Board")
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	tb := &testBoard{
		svc:      svc,
		store:    ms,
		broker:   broker,
		owner:    owner,
		project:  project.ID,
		sections: map[string]string{},
		tasks:    map[string]string{},
	}
	for _, name := range []string{"todo", "doing", "done"} {
		section, err := svc.CreateSection(ctx, owner, project.ID, name)
		if err != nil {
			t.Fatalf("CreateSection() error = %v", err)
		}
		tb.sections[name] = section.ID
		for _, title := range layout[name] {
			task, err := svc.CreateTask(ctx, owner, project.ID, CreateTaskInput{SectionID: section.ID, Title: title})
			if err != nil {
				t.Fatalf("CreateTask() error = %v", err)
			}
			tb.tasks[title] = task.ID
		}
	}
	return tb
}

func (tb *testBoard) titles(section string) []string {
	byID := map[string]string{}
	for title, id := range tb.tasks {
		byID[id] = title
	}
	ids := tb.store.sectionOrder(tb.sections[section])
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out
}

func (tb *testBoard) move(t *testing.T, title, section string, anchor ordering.Anchor) (MoveOutcome, error) {
	t.Helper()
	return tb.svc.MoveTask(context.Background(), tb.owner, tb.project, MoveInput{
		TaskID:    tb.tasks[title],
		SectionID: tb.sections[section],
		Anchor:    anchor,
	})
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCreateTaskAppends(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B", "C"}}, nil)
	if got := tb.titles("todo"); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if tb.store.rankOf(tb.tasks["A"]) != "i" {
		t.Fatalf("first task should get the initial rank, got %q", tb.store.rankOf(tb.tasks["A"]))
	}
}

func TestMoveTaskAcrossSections(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{
		"todo":  {"A", "B"},
		"doing": {"X"},
	}, nil)

	outcome, err := tb.move(t, "X", "todo", ordering.After(tb.tasks["A"]))
	if err != nil {
		t.Fatalf("MoveTask() error = %v", err)
	}
	if outcome.Unchanged {
		t.Fatal("cross-section move reported unchanged")
	}
	if got := tb.titles("todo"); !equalStrings(got, []string{"A", "X", "B"}) {
		t.Fatalf("todo order = %v", got)
	}
	if got := tb.titles("doing"); len(got) != 0 {
		t.Fatalf("doing should be empty, got %v", got)
	}

	if _, err := tb.move(t, "B", "doing", ordering.Prepend()); err != nil {
		t.Fatalf("MoveTask() into empty section error = %v", err)
	}
	if tb.store.rankOf(tb.tasks["B"]) != "i" {
		t.Fatalf("move into empty section should use the initial rank, got %q", tb.store.rankOf(tb.tasks["B"]))
	}
}

func TestMoveTaskWithinSection(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B", "C", "D"}}, nil)

	if _, err := tb.move(t, "A", "todo", ordering.After(tb.tasks["C"])); err != nil {
		t.Fatalf("MoveTask() error = %v", err)
	}
	if got := tb.titles("todo"); !equalStrings(got, []string{"B", "C", "A", "D"}) {
		t.Fatalf("order after moving down = %v", got)
	}

	if _, err := tb.move(t, "D", "todo", ordering.Prepend()); err != nil {
		t.Fatalf("MoveTask() error = %v", err)
	}
	if got := tb.titles("todo"); !equalStrings(got, []string{"D", "B", "C", "A"}) {
		t.Fatalf("order after moving to top = %v", got)
	}
}

func TestMoveTaskInPlaceWritesAndEmitsNothing(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B"}}, nil)
	ctx := context.Background()
	if _, err := tb.svc.NextEvent(ctx, tb.owner, tb.project, "peer"); err != nil {
		t.Fatalf("NextEvent() error = %v", err)
	}
	before := tb.store.rankOf(tb.tasks["B"])

	outcome, err := tb.move(t, "B", "todo", ordering.After(tb.tasks["A"]))
	if err != nil {
		t.Fatalf("MoveTask() error = %v", err)
	}
	if !outcome.Unchanged || string(outcome.Rank) != before {
		t.Fatalf("expected unchanged outcome with rank %q, got %+v", before, outcome)
	}
	event, err := tb.svc.NextEvent(ctx, tb.owner, tb.project, "peer")
	if err != nil {
		t.Fatalf("NextEvent() error = %v", err)
	}
	if event != nil {
		t.Fatalf("no-op move emitted %+v", event)
	}
}

func TestMoveTaskPublishesEvent(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B"}, "done": {"Z"}}, nil)
	ctx := context.Background()
	_, _ = tb.svc.NextEvent(ctx, tb.owner, tb.project, "peer")

	outcome, err := tb.move(t, "Z", "todo", ordering.Append())
	if err != nil {
		t.Fatalf("MoveTask() error = %v", err)
	}
	event, err := tb.svc.NextEvent(ctx, tb.owner, tb.project, "peer")
	if err != nil {
		t.Fatalf("NextEvent() error = %v", err)
	}
	if event == nil || event.Kind != events.KindMoved || event.TaskID != tb.tasks["Z"] {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.SectionID != tb.sections["todo"] || event.Rank != outcome.Rank {
		t.Fatalf("event does not describe the move: %+v vs %+v", event, outcome)
	}
}

func TestMoveTaskRejections(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B"}}, nil)
	ctx := context.Background()

	other, err := tb.svc.CreateProject(ctx, tb.owner, "Other")
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	foreign, err := tb.svc.CreateSection(ctx, tb.owner, other.ID, "Foreign")
	if err != nil {
		t.Fatalf("CreateSection() error = %v", err)
	}

	cases := []struct {
		name   string
		input  MoveInput
		reason ordering.Reason
	}{
		{
			name:   "deleted neighbor",
			input:  MoveInput{TaskID: tb.tasks["A"], SectionID: tb.sections["todo"], Anchor: ordering.After("tsk_gone")},
			reason: ordering.ReasonNeighborNotFound,
		},
		{
			name:   "neighbor in another section",
			input:  MoveInput{TaskID: tb.tasks["A"], SectionID: tb.sections["doing"], Anchor: ordering.After(tb.tasks["B"])},
			reason: ordering.ReasonNeighborNotFound,
		},
		{
			name:   "missing task",
			input:  MoveInput{TaskID: "tsk_gone", SectionID: tb.sections["todo"], Anchor: ordering.Append()},
			reason: ordering.ReasonItemNotFound,
		},
		{
			name:   "section of another project",
			input:  MoveInput{TaskID: tb.tasks["A"], SectionID: foreign.ID, Anchor: ordering.Append()},
			reason: ordering.ReasonContainerNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tb.svc.MoveTask(ctx, tb.owner, tb.project, tc.input)
			if !ordering.IsRejected(err, tc.reason) {
				t.Fatalf("MoveTask() error = %v, want %s", err, tc.reason)
			}
		})
	}
	if got := tb.titles("todo"); !equalStrings(got, []string{"A", "B"}) {
		t.Fatalf("rejected moves changed the board: %v", got)
	}
}

func TestMoveTaskRequiresMoveRole(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B"}}, nil)
	ctx := context.Background()
	if err := tb.svc.AddMember(ctx, tb.owner, tb.project, "Vic", "viewer"); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	viewer, err := tb.svc.Login(ctx, "Vic")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if _, err := tb.svc.Board(ctx, viewer, tb.project); err != nil {
		t.Fatalf("viewer should read the board: %v", err)
	}
	_, err = tb.svc.MoveTask(ctx, viewer, tb.project, MoveInput{TaskID: tb.tasks["B"], SectionID: tb.sections["todo"], Anchor: ordering.Prepend()})
	if !ordering.IsRejected(err, ordering.ReasonPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	stranger, err := tb.svc.Login(ctx, "Sam")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := tb.svc.Board(ctx, stranger, tb.project); !ordering.IsRejected(err, ordering.ReasonPermissionDenied) {
		t.Fatalf("non-member read should be denied, got %v", err)
	}
}

func TestMoveTaskRejectsInvalidAnchor(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A"}}, nil)
	_, err := tb.move(t, "A", "todo", ordering.Anchor{Kind: "sideways"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_ANCHOR" {
		t.Fatalf("expected INVALID_ANCHOR, got %v", err)
	}
}

func TestConcurrentInsertsAfterSameNeighborGetDistinctRanks(t *testing.T) {
	const movers = 24
	layout := map[string][]string{"todo": {"A", "B"}}
	for i := 0; i < movers; i++ {
		layout["doing"] = append(layout["doing"], fmt.Sprintf("M%d", i))
	}
	tb := newTestBoard(t, layout, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, movers)
	for i := 0; i < movers; i++ {
		wg.Add(1)
		go func(title string) {
			defer wg.Done()
			_, err := tb.svc.MoveTask(ctx, tb.owner, tb.project, MoveInput{
				TaskID:    tb.tasks[title],
				SectionID: tb.sections["todo"],
				Anchor:    ordering.After(tb.tasks["A"]),
			})
			errs <- err
		}(fmt.Sprintf("M%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent MoveTask() error = %v", err)
		}
	}

	order := tb.titles("todo")
	if len(order) != movers+2 || order[0] != "A" || order[len(order)-1] != "B" {
		t.Fatalf("moved tasks escaped the gap: %v", order)
	}
	seen := map[string]bool{}
	for _, title := range order {
		r := tb.store.rankOf(tb.tasks[title])
		if seen[r] {
			t.Fatalf("duplicate rank %q in %v", r, order)
		}
		seen[r] = true
	}
}

func TestRepeatedInsertsRebalanceSection(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B"}}, func(cfg *config.Config) {
		cfg.RankMaxLength = 3
	})
	ctx := context.Background()
	_, _ = tb.svc.NextEvent(ctx, tb.owner, tb.project, "peer")

	want := []string{"A", "B"}
	rebalanced := false
	for i := 0; i < 40 && !rebalanced; i++ {
		title := fmt.Sprintf("N%d", i)
		task, err := tb.svc.CreateTask(ctx, tb.owner, tb.project, CreateTaskInput{SectionID: tb.sections["doing"], Title: title})
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		tb.tasks[title] = task.ID

		outcome, err := tb.move(t, title, "todo", ordering.After(tb.tasks["A"]))
		if err != nil {
			t.Fatalf("MoveTask() #%d error = %v", i, err)
		}
		rebalanced = len(outcome.Rebalanced) > 0
		want = append([]string{"A", title}, want[1:]...)
		if got := tb.titles("todo"); !equalStrings(got, want) {
			t.Fatalf("order after insert %d = %v, want %v", i, got, want)
		}
	}
	if !rebalanced {
		t.Fatal("expected a rebalance within 40 inserts at max length 3")
	}
	for _, title := range want {
		if r := tb.store.rankOf(tb.tasks[title]); len(r) > 3 {
			t.Fatalf("rank %q of %s exceeds max length", r, title)
		}
	}
}

func TestMoveTaskRetriesRankConflictOnce(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B"}}, nil)
	tb.store.moveErrs = []error{store.ErrRankConflict}

	if _, err := tb.move(t, "B", "todo", ordering.Prepend()); err != nil {
		t.Fatalf("MoveTask() should succeed on retry, got %v", err)
	}
	if got := tb.titles("todo"); !equalStrings(got, []string{"B", "A"}) {
		t.Fatalf("order = %v", got)
	}

	tb.store.moveErrs = []error{store.ErrRankConflict, store.ErrRankConflict}
	if _, err := tb.move(t, "A", "todo", ordering.Prepend()); !errors.Is(err, store.ErrRankConflict) {
		t.Fatalf("expected conflict after second failure, got %v", err)
	}
}

func TestMoveTaskRetriesDeadlockOnce(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A"}, "done": {"B"}}, nil)
	tb.store.moveErrs = []error{fmt.Errorf("rebalance task x: %w", store.ErrDeadlock)}

	if _, err := tb.move(t, "A", "done", ordering.Append()); err != nil {
		t.Fatalf("MoveTask() should succeed on retry, got %v", err)
	}
	if got := tb.titles("done"); !equalStrings(got, []string{"B", "A"}) {
		t.Fatalf("order = %v", got)
	}

	tb.store.moveErrs = []error{store.ErrDeadlock, store.ErrDeadlock}
	_, err := tb.move(t, "B", "todo", ordering.Append())
	if !errors.Is(err, store.ErrDeadlock) {
		t.Fatalf("expected deadlock after second failure, got %v", err)
	}
	if status, code, _, _ := mapError(err); status != http.StatusServiceUnavailable || code != "BUSY" {
		t.Fatalf("mapError() = %d %s, want 503 BUSY", status, code)
	}
}

func TestDeleteTaskPublishesEvent(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B"}}, nil)
	ctx := context.Background()
	_, _ = tb.svc.NextEvent(ctx, tb.owner, tb.project, "peer")

	if _, err := tb.svc.DeleteTask(ctx, tb.owner, tb.project, tb.tasks["A"]); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	event, err := tb.svc.NextEvent(ctx, tb.owner, tb.project, "peer")
	if err != nil {
		t.Fatalf("NextEvent() error = %v", err)
	}
	if event == nil || event.Kind != events.KindDeleted || event.SectionID != tb.sections["todo"] {
		t.Fatalf("unexpected event %+v", event)
	}
	if _, err := tb.svc.DeleteTask(ctx, tb.owner, tb.project, tb.tasks["A"]); !ordering.IsRejected(err, ordering.ReasonItemNotFound) {
		t.Fatalf("second delete should be rejected, got %v", err)
	}
}

func TestBoardGroupsTasksBySection(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B"}, "done": {"C"}}, nil)
	board, err := tb.svc.Board(context.Background(), tb.owner, tb.project)
	if err != nil {
		t.Fatalf("Board() error = %v", err)
	}
	if board.Role != "admin" || len(board.Sections) != 3 {
		t.Fatalf("unexpected board %+v", board)
	}
	if board.Sections[0].Name != "todo" || len(board.Sections[0].Tasks) != 2 || board.Sections[0].Tasks[0].Title != "A" {
		t.Fatalf("unexpected first section %+v", board.Sections[0])
	}
	if board.Sections[1].Tasks == nil || len(board.Sections[1].Tasks) != 0 {
		t.Fatalf("empty section should list no tasks, got %+v", board.Sections[1])
	}
}

func TestBootstrapSeedsOnce(t *testing.T) {
	svc, ms, _ := newTestService(t, nil)
	ctx := context.Background()
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	if len(ms.projects) != 1 || len(ms.tasks) != 5 {
		t.Fatalf("expected one seeded project with 5 tasks, got %d projects %d tasks", len(ms.projects), len(ms.tasks))
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	session, err := svc.Login(ctx, "  Avery  ")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session.UserName != "Avery" {
		t.Fatalf("expected trimmed name, got %q", session.UserName)
	}
	if _, err := svc.SessionFromToken(ctx, session.Token); err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if err := svc.Logout(ctx, session); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, session.Token); err == nil {
		t.Fatal("revoked token should not resolve")
	}
	if _, err := svc.Login(ctx, "   "); err == nil {
		t.Fatal("blank name should be rejected")
	}
}

func TestPublishFailureDoesNotFailMove(t *testing.T) {
	tb := newTestBoard(t, map[string][]string{"todo": {"A", "B"}}, nil)
	tb.svc.broker = failingBroker{}
	tb.svc.now = func() time.Time { return time.Unix(0, 0) }

	if _, err := tb.move(t, "B", "todo", ordering.Prepend()); err != nil {
		t.Fatalf("MoveTask() error = %v", err)
	}
}

type failingBroker struct{}

func (failingBroker) Publish(context.Context, events.ChangeEvent) (events.ChangeEvent, error) {
	return events.ChangeEvent{}, errors.New("broker down")
}

func (failingBroker) Next(context.Context, string, string) (*events.ChangeEvent, error) {
	return nil, errors.New("broker down")
}

func (failingBroker) Ping(context.Context) error { return errors.New("broker down") }
func (failingBroker) Close() error               { return nil }
