package app

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"tally/api/internal/auth"
	"tally/api/internal/authpw"
	"tally/api/internal/config"
	"tally/api/internal/store"
	"tally/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListCategories(context.Context, string) ([]store.Category, error)
	GetCategory(context.Context, string, string) (store.Category, error)
	InsertCategory(context.Context, store.Category) (store.Category, error)
	UpdateCategory(context.Context, string, string, string) (bool, error)
	DeleteCategory(context.Context, string, string) error
	ListHabits(context.Context, string) ([]store.Habit, error)
	GetOwnedHabit(context.Context, string, string) (store.Habit, error)
	InsertHabit(context.Context, store.Habit) (store.Habit, error)
	UpdateHabit(context.Context, string, string, string, string) (bool, error)
	DeleteHabit(context.Context, string) error
	DeleteHabitsByCategory(context.Context, string) error
	FilterOwnedHabitIDs(context.Context, string, []string) (map[string]bool, error)
	ListCompletedHabitIDs(context.Context, string, string) ([]string, error)
	GetScore(context.Context, string, string) (*store.Score, error)
	UpsertScore(context.Context, string, string, int) error
	DeleteScore(context.Context, string, string) (bool, error)
	ReplaceDay(context.Context, string, string, store.ScoreChange, []string) error
	Ping(ctx context.Context) error
}

// sessionStore is the refresh token backend. The Postgres store satisfies it
// directly; a Redis store can be swapped in via NewWithSessionStore.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

// sessionPinger is satisfied by session backends that hold their own
// connection, separate from the database.
type sessionPinger interface {
	Ping(context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	// sessionProbe is non-nil only when the session backend has its own
	// connection to health-check; Postgres sessions ride the database check.
	sessionProbe sessionPinger
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		passwords: authpw.NewService(dataStore),
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore) *Service {
	service := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: authpw.NewService(dataStore),
	}
	if probe, ok := sessions.(sessionPinger); ok {
		service.sessionProbe = probe
	}
	return service
}

// SignUp creates the account and seeds the default taxonomy for the new
// owner through one ordinary reconciler call.
func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.UpsertHabits(ctx, user.ID, defaultSeedSnapshot); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session backend may only persist the user id.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
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
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Single-entity CRUD collaborators. Thin one-row operations; the
// cross-entity invariants live in taxonomy.go and day.go.

func (s *Service) CreateCategory(ctx context.Context, ownerID, name string) (CategoryView, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return CategoryView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "category name is required", nil)
	}
	category, err := s.store.InsertCategory(ctx, store.Category{
		ID:      util.NewID("cat"),
		OwnerID: ownerID,
		Name:    trimmed,
	})
	if err != nil {
		return CategoryView{}, err
	}
	return categoryView(category, []store.Habit{}), nil
}

func (s *Service) RenameCategory(ctx context.Context, ownerID, categoryID, name string) (CategoryView, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return CategoryView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "category name is required", nil)
	}
	updated, err := s.store.UpdateCategory(ctx, ownerID, categoryID, trimmed)
	if err != nil {
		return CategoryView{}, err
	}
	if !updated {
		return CategoryView{}, sql.ErrNoRows
	}
	category, err := s.store.GetCategory(ctx, ownerID, categoryID)
	if err != nil {
		return CategoryView{}, err
	}
	habits, err := s.store.ListHabits(ctx, categoryID)
	if err != nil {
		return CategoryView{}, err
	}
	return categoryView(category, habits), nil
}

// RemoveCategory deletes a category with the explicit cascade: completions,
// then habits, then the category row.
func (s *Service) RemoveCategory(ctx context.Context, ownerID, categoryID string) error {
	if _, err := s.store.GetCategory(ctx, ownerID, categoryID); err != nil {
		return err
	}
	if err := s.store.DeleteHabitsByCategory(ctx, categoryID); err != nil {
		return err
	}
	return s.store.DeleteCategory(ctx, ownerID, categoryID)
}

func (s *Service) CreateElement(ctx context.Context, ownerID, categoryID, name, iconRef string) (ElementView, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ElementView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "element name is required", nil)
	}
	if _, err := s.store.GetCategory(ctx, ownerID, categoryID); err != nil {
		return ElementView{}, err
	}
	habit, err := s.store.InsertHabit(ctx, store.Habit{
		ID:         util.NewID("el"),
		CategoryID: categoryID,
		Name:       trimmed,
		IconRef:    iconRef,
	})
	if err != nil {
		return ElementView{}, err
	}
	return elementView(habit), nil
}

func (s *Service) UpdateElement(ctx context.Context, ownerID, elementID, name, iconRef string) (ElementView, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ElementView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "element name is required", nil)
	}
	habit, err := s.store.GetOwnedHabit(ctx, ownerID, elementID)
	if err != nil {
		return ElementView{}, err
	}
	if _, err := s.store.UpdateHabit(ctx, habit.CategoryID, elementID, trimmed, iconRef); err != nil {
		return ElementView{}, err
	}
	updated, err := s.store.GetOwnedHabit(ctx, ownerID, elementID)
	if err != nil {
		return ElementView{}, err
	}
	return elementView(updated), nil
}

// RemoveElement deletes a habit and its completions, in that order.
func (s *Service) RemoveElement(ctx context.Context, ownerID, elementID string) error {
	if _, err := s.store.GetOwnedHabit(ctx, ownerID, elementID); err != nil {
		return err
	}
	return s.store.DeleteHabit(ctx, elementID)
}

func (s *Service) PutScore(ctx context.Context, ownerID, rawDate string, value int) (map[string]any, error) {
	date, err := normalizeDate(rawDate)
	if err != nil {
		return nil, err
	}
	if value < minScore || value > maxScore {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "score must be between 1 and 10", map[string]any{"score": value})
	}
	if err := s.store.UpsertScore(ctx, ownerID, date, value); err != nil {
		return nil, err
	}
	return map[string]any{"date": date, "score": value}, nil
}

func (s *Service) RemoveScore(ctx context.Context, ownerID, rawDate string) error {
	date, err := normalizeDate(rawDate)
	if err != nil {
		return err
	}
	deleted, err := s.store.DeleteScore(ctx, ownerID, date)
	if err != nil {
		return err
	}
	if !deleted {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions health-checks the session backend when it has a connection of
// its own. checked is false when sessions live in Postgres and the database
// check already covers them.
func (s *Service) PingSessions(ctx context.Context) (checked bool, err error) {
	if s.sessionProbe == nil {
		return false, nil
	}
	return true, s.sessionProbe.Ping(ctx)
}
