package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/events"
	"taskboard/api/internal/lockmap"
	"taskboard/api/internal/ordering"
	"taskboard/api/internal/rank"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	CreateProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context, string) ([]store.Project, error)
	UpsertMember(context.Context, store.Member) error
	MemberRole(context.Context, string, string) (string, error)
	InsertSection(context.Context, store.Section) error
	ListSections(context.Context, string) ([]store.Section, error)
	ListTasks(context.Context, string) ([]store.Task, error)
	ApplyMove(context.Context, store.MoveParams, store.AllocateFunc) (store.MoveResult, error)
	CreateTask(context.Context, store.Task, store.AllocateFunc) (store.Task, []ordering.Placement, error)
	DeleteTask(context.Context, string, string) (store.Task, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	broker    events.Broker
	issuer    *auth.Issuer
	allocator *ordering.Allocator
	// sections serializes writers per section inside this process; the
	// store's advisory lock does the same across processes.
	sections lockmap.Map
	now      func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, broker events.Broker) (*Service, error) {
	return newService(cfg, dataStore, broker)
}

func newService(cfg config.Config, dataStore dataStore, broker events.Broker) (*Service, error) {
	codec, err := rank.New(rank.DefaultAlphabet, cfg.RankMaxLength)
	if err != nil {
		return nil, fmt.Errorf("rank codec: %w", err)
	}
	if broker == nil {
		broker = events.NewMemoryBroker()
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		broker:    broker,
		issuer:    auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL),
		allocator: ordering.NewAllocator(codec),
		now:       time.Now,
	}, nil
}

// Bootstrap seeds a demo board for a fresh database.
func (s *Service) Bootstrap(ctx context.Context) error {
	owner, err := s.store.EnsureUserByName(ctx, "Avery")
	if err != nil {
		return err
	}
	projects, err := s.store.ListProjects(ctx, owner.ID)
	if err != nil {
		return err
	}
	if len(projects) > 0 {
		return nil
	}

	session := Session{UserID: owner.ID, UserName: owner.DisplayName}
	project, err := s.CreateProject(ctx, session, "Launch plan")
	if err != nil {
		return err
	}

	seeds := []struct {
		Section string
		Tasks   []string
	}{
		{Section: "Todo", Tasks: []string{"Draft release notes", "Book venue", "Pick launch date"}},
		{Section: "Doing", Tasks: []string{"Landing page copy"}},
		{Section: "Done", Tasks: []string{"Kickoff meeting"}},
	}
	for _, seed := range seeds {
		section, err := s.CreateSection(ctx, session, project.ID, seed.Section)
		if err != nil {
			return err
		}
		for _, title := range seed.Tasks {
			if _, err := s.CreateTask(ctx, session, project.ID, CreateTaskInput{SectionID: section.ID, Title: title}); err != nil {
				return err
			}
		}
	}
	slog.InfoContext(ctx, "seeded demo board", "project_id", project.ID)
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		return Session{}, validationError("name is required", nil)
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	token, claims, err := s.issuer.Issue(user.ID, user.DisplayName)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	return s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
}

// authorize loads the caller's project role and checks it against action.
func (s *Service) authorize(ctx context.Context, session Session, projectID string, action rbac.Action) (rbac.Role, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.RoleNone, domainError(http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found", map[string]any{"projectId": projectID})
		}
		return rbac.RoleNone, fmt.Errorf("load project: %w", err)
	}
	stored, err := s.store.MemberRole(ctx, projectID, session.UserID)
	if err != nil {
		return rbac.RoleNone, err
	}
	role := rbac.Normalize(stored)
	if !rbac.Can(role, action) {
		return role, ordering.Reject(ordering.ReasonPermissionDenied, projectID)
	}
	return role, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingBroker(ctx context.Context) error {
	return s.broker.Ping(ctx)
}
