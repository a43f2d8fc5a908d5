package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"tally/api/internal/authpw"
	"tally/api/internal/config"
	"tally/api/internal/store"
)

// memStore is a stateful in-memory dataStore. It mirrors the SQL store's
// semantics closely enough to exercise the reconciler and the day update
// end to end: insertion order is preserved, ownership is enforced through
// the habit -> category chain, and ReplaceDay applies all of its writes or
// none of them.
type memStore struct {
	users       map[string]store.User
	emails      map[string]string
	refresh     map[string]refreshEntry
	revoked     map[string]bool
	categories  map[string]store.Category
	catOrder    []string
	habits      map[string]store.Habit
	habitOrder  []string
	completions map[string]map[string]bool // habit id -> set of dates
	scores      map[string]int             // owner|date

	replaceDayErr error // injected failure for ReplaceDay
	pingErr       error // injected failure for Ping
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]store.User{},
		emails:      map[string]string{},
		refresh:     map[string]refreshEntry{},
		revoked:     map[string]bool{},
		categories:  map[string]store.Category{},
		habits:      map[string]store.Habit{},
		completions: map[string]map[string]bool{},
		scores:      map[string]int{},
	}
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	user.CreatedAt = time.Now()
	m.users[user.ID] = user
	m.emails[user.Email] = user.ID
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	id, ok := m.emails[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return m.users[id], nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.refresh[tokenHash] = refreshEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	entry, ok := m.refresh[tokenHash]
	if !ok || time.Now().After(entry.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: entry.userID}, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return m.revoked[jti], nil
}

func (m *memStore) ListCategories(_ context.Context, ownerID string) ([]store.Category, error) {
	var out []store.Category
	for _, id := range m.catOrder {
		category, ok := m.categories[id]
		if ok && category.OwnerID == ownerID {
			out = append(out, category)
		}
	}
	return out, nil
}

func (m *memStore) GetCategory(_ context.Context, ownerID, categoryID string) (store.Category, error) {
	category, ok := m.categories[categoryID]
	if !ok || category.OwnerID != ownerID {
		return store.Category{}, sql.ErrNoRows
	}
	return category, nil
}

func (m *memStore) InsertCategory(_ context.Context, category store.Category) (store.Category, error) {
	now := time.Now()
	category.CreatedAt = now
	category.UpdatedAt = now
	m.categories[category.ID] = category
	m.catOrder = append(m.catOrder, category.ID)
	return category, nil
}

func (m *memStore) UpdateCategory(_ context.Context, ownerID, categoryID, name string) (bool, error) {
	category, ok := m.categories[categoryID]
	if !ok || category.OwnerID != ownerID {
		return false, nil
	}
	category.Name = name
	category.UpdatedAt = time.Now()
	m.categories[categoryID] = category
	return true, nil
}

func (m *memStore) DeleteCategory(_ context.Context, ownerID, categoryID string) error {
	category, ok := m.categories[categoryID]
	if ok && category.OwnerID == ownerID {
		delete(m.categories, categoryID)
	}
	return nil
}

func (m *memStore) ListHabits(_ context.Context, categoryID string) ([]store.Habit, error) {
	var out []store.Habit
	for _, id := range m.habitOrder {
		habit, ok := m.habits[id]
		if ok && habit.CategoryID == categoryID {
			out = append(out, habit)
		}
	}
	return out, nil
}

func (m *memStore) GetOwnedHabit(_ context.Context, ownerID, habitID string) (store.Habit, error) {
	habit, ok := m.habits[habitID]
	if !ok {
		return store.Habit{}, sql.ErrNoRows
	}
	category, ok := m.categories[habit.CategoryID]
	if !ok || category.OwnerID != ownerID {
		return store.Habit{}, sql.ErrNoRows
	}
	return habit, nil
}

func (m *memStore) InsertHabit(_ context.Context, habit store.Habit) (store.Habit, error) {
	now := time.Now()
	habit.CreatedAt = now
	habit.UpdatedAt = now
	m.habits[habit.ID] = habit
	m.habitOrder = append(m.habitOrder, habit.ID)
	return habit, nil
}

func (m *memStore) UpdateHabit(_ context.Context, categoryID, habitID, name, iconRef string) (bool, error) {
	habit, ok := m.habits[habitID]
	if !ok || habit.CategoryID != categoryID {
		return false, nil
	}
	habit.Name = name
	habit.IconRef = iconRef
	habit.UpdatedAt = time.Now()
	m.habits[habitID] = habit
	return true, nil
}

func (m *memStore) DeleteHabit(_ context.Context, habitID string) error {
	delete(m.completions, habitID)
	delete(m.habits, habitID)
	return nil
}

func (m *memStore) DeleteHabitsByCategory(ctx context.Context, categoryID string) error {
	for _, id := range m.habitOrder {
		habit, ok := m.habits[id]
		if ok && habit.CategoryID == categoryID {
			_ = m.DeleteHabit(ctx, id)
		}
	}
	return nil
}

func (m *memStore) FilterOwnedHabitIDs(ctx context.Context, ownerID string, habitIDs []string) (map[string]bool, error) {
	owned := map[string]bool{}
	for _, id := range habitIDs {
		if _, err := m.GetOwnedHabit(ctx, ownerID, id); err == nil {
			owned[id] = true
		}
	}
	return owned, nil
}

func (m *memStore) ListCompletedHabitIDs(_ context.Context, ownerID, date string) ([]string, error) {
	var out []string
	for _, id := range m.habitOrder {
		habit, ok := m.habits[id]
		if !ok {
			continue
		}
		category, ok := m.categories[habit.CategoryID]
		if !ok || category.OwnerID != ownerID {
			continue
		}
		if m.completions[id][date] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) GetScore(_ context.Context, ownerID, date string) (*store.Score, error) {
	value, ok := m.scores[ownerID+"|"+date]
	if !ok {
		return nil, nil
	}
	return &store.Score{OwnerID: ownerID, Date: date, Value: value}, nil
}

func (m *memStore) UpsertScore(_ context.Context, ownerID, date string, value int) error {
	m.scores[ownerID+"|"+date] = value
	return nil
}

func (m *memStore) DeleteScore(_ context.Context, ownerID, date string) (bool, error) {
	key := ownerID + "|" + date
	if _, ok := m.scores[key]; !ok {
		return false, nil
	}
	delete(m.scores, key)
	return true, nil
}

func (m *memStore) ReplaceDay(ctx context.Context, ownerID, date string, score store.ScoreChange, completedHabitIDs []string) error {
	if m.replaceDayErr != nil {
		return m.replaceDayErr
	}
	switch {
	case score.Set:
		m.scores[ownerID+"|"+date] = score.Value
	case score.Clear:
		delete(m.scores, ownerID+"|"+date)
	}
	for _, id := range m.habitOrder {
		if _, err := m.GetOwnedHabit(ctx, ownerID, id); err == nil {
			if set, ok := m.completions[id]; ok {
				delete(set, date)
			}
		}
	}
	for _, id := range completedHabitIDs {
		if m.completions[id] == nil {
			m.completions[id] = map[string]bool{}
		}
		m.completions[id][date] = true
	}
	return nil
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		CORSOrigin: "*",
	}
}

func newTestService(mem *memStore) *Service {
	return &Service{
		cfg:       testConfig(),
		store:     mem,
		sessions:  mem,
		passwords: authpw.NewService(mem),
	}
}

func newTestServiceWithSessions(mem *memStore, sessions sessionStore) *Service {
	service := newTestService(mem)
	service.sessions = sessions
	if probe, ok := sessions.(sessionPinger); ok {
		service.sessionProbe = probe
	}
	return service
}

func signUpTestUser(t *testing.T, service *Service, email string) Session {
	t.Helper()
	session, err := service.SignUp(context.Background(), authpw.SignUpRequest{
		Email:       email,
		Password:    "correct-horse-battery",
		DisplayName: "Test User",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	return session
}

func TestSignUpSeedsDefaultTaxonomy(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	session := signUpTestUser(t, service, "seed@example.com")

	view, err := service.GetHabits(context.Background(), session.UserID)
	if err != nil {
		t.Fatalf("get habits: %v", err)
	}
	if len(view.Categories) != 2 {
		t.Fatalf("expected 2 seeded categories, got %d", len(view.Categories))
	}
	if view.Categories[0].Name != "Health" || view.Categories[1].Name != "Mind" {
		t.Fatalf("unexpected seeded categories: %q, %q", view.Categories[0].Name, view.Categories[1].Name)
	}
	for _, category := range view.Categories {
		if len(category.Elements) != 2 {
			t.Fatalf("category %q: expected 2 seeded elements, got %d", category.Name, len(category.Elements))
		}
		for _, element := range category.Elements {
			if element.ID == "" || element.IconRef == "" {
				t.Fatalf("seeded element missing id or icon: %+v", element)
			}
		}
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	session := signUpTestUser(t, service, "rotate@example.com")

	refreshed, err := service.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if refreshed.UserID != session.UserID {
		t.Fatalf("refresh changed user: %q != %q", refreshed.UserID, session.UserID)
	}
	if refreshed.UserName != session.UserName {
		t.Fatalf("refresh lost display name: %q != %q", refreshed.UserName, session.UserName)
	}

	if _, err := service.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("expected old refresh token to be rejected after rotation")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	session := signUpTestUser(t, service, "logout@example.com")

	if _, err := service.SessionFromToken(context.Background(), session.Token); err != nil {
		t.Fatalf("token should be valid before logout: %v", err)
	}
	if err := service.Logout(context.Background(), session, session.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := service.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
	if _, err := service.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("expected revoked refresh token to be rejected")
	}
}

func TestRenameCategoryUnknownIDReturnsNoRows(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	session := signUpTestUser(t, service, "rename@example.com")

	_, err := service.RenameCategory(context.Background(), session.UserID, "cat_missing", "New name")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestRemoveCategoryCascadesToElements(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	session := signUpTestUser(t, service, "cascade@example.com")

	view, err := service.GetHabits(context.Background(), session.UserID)
	if err != nil {
		t.Fatalf("get habits: %v", err)
	}
	victim := view.Categories[0]

	if err := service.RemoveCategory(context.Background(), session.UserID, victim.ID); err != nil {
		t.Fatalf("remove category: %v", err)
	}
	for _, element := range victim.Elements {
		if _, ok := mem.habits[element.ID]; ok {
			t.Fatalf("element %s survived its category", element.ID)
		}
	}
	if _, ok := mem.categories[victim.ID]; ok {
		t.Fatal("category row survived removal")
	}
}

func TestPutScoreRejectsOutOfRange(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	session := signUpTestUser(t, service, "score@example.com")

	for _, value := range []int{0, 11, -3} {
		if _, err := service.PutScore(context.Background(), session.UserID, "2026-03-01", value); err == nil {
			t.Fatalf("expected score %d to be rejected", value)
		}
	}
	if _, err := service.PutScore(context.Background(), session.UserID, "2026-03-01", 7); err != nil {
		t.Fatalf("put score: %v", err)
	}
}

func TestRemoveScoreMissingReturnsNoRows(t *testing.T) {
	mem := newMemStore()
	service := newTestService(mem)
	session := signUpTestUser(t, service, "noscore@example.com")

	err := service.RemoveScore(context.Background(), session.UserID, "2026-03-01")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}
