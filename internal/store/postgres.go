package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context, ownerID string) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, created_at, updated_at
		FROM categories
		WHERE owner_id=$1
		ORDER BY created_at ASC, id ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Name, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, ownerID, categoryID string) (Category, error) {
	var item Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, created_at, updated_at
		FROM categories
		WHERE owner_id=$1 AND id=$2
	`, ownerID, categoryID).Scan(&item.ID, &item.OwnerID, &item.Name, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Category{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertCategory(ctx context.Context, category Category) (Category, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, owner_id, name)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, category.ID, category.OwnerID, category.Name).Scan(&category.CreatedAt, &category.UpdatedAt)
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}
	return category, nil
}

func (s *PostgresStore) UpdateCategory(ctx context.Context, ownerID, categoryID, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE categories
		SET name=$3, updated_at=NOW()
		WHERE owner_id=$1 AND id=$2
	`, ownerID, categoryID, name)
	if err != nil {
		return false, fmt.Errorf("update category: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update category rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteCategory removes the category row only. Callers delete the
// category's habits first so the cascade stays explicit.
func (s *PostgresStore) DeleteCategory(ctx context.Context, ownerID, categoryID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE owner_id=$1 AND id=$2`, ownerID, categoryID)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHabits(ctx context.Context, categoryID string) ([]Habit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category_id, name, COALESCE(icon_ref, ''), created_at, updated_at
		FROM habits
		WHERE category_id=$1
		ORDER BY created_at ASC, id ASC
	`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}
	defer rows.Close()

	items := make([]Habit, 0)
	for rows.Next() {
		var item Habit
		if err := rows.Scan(&item.ID, &item.CategoryID, &item.Name, &item.IconRef, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan habit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate habits: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetOwnedHabit(ctx context.Context, ownerID, habitID string) (Habit, error) {
	var item Habit
	err := s.db.QueryRowContext(ctx, `
		SELECT h.id, h.category_id, h.name, COALESCE(h.icon_ref, ''), h.created_at, h.updated_at
		FROM habits h
		JOIN categories c ON c.id = h.category_id
		WHERE c.owner_id=$1 AND h.id=$2
	`, ownerID, habitID).Scan(&item.ID, &item.CategoryID, &item.Name, &item.IconRef, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Habit{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertHabit(ctx context.Context, habit Habit) (Habit, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO habits (id, category_id, name, icon_ref)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING created_at, updated_at
	`, habit.ID, habit.CategoryID, habit.Name, habit.IconRef).Scan(&habit.CreatedAt, &habit.UpdatedAt)
	if err != nil {
		return Habit{}, fmt.Errorf("insert habit: %w", err)
	}
	return habit, nil
}

func (s *PostgresStore) UpdateHabit(ctx context.Context, categoryID, habitID, name, iconRef string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE habits
		SET name=$3, icon_ref=NULLIF($4, ''), updated_at=NOW()
		WHERE category_id=$1 AND id=$2
	`, categoryID, habitID, name, iconRef)
	if err != nil {
		return false, fmt.Errorf("update habit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update habit rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteHabit removes a habit and its completions. Completions go first so
// the foreign key never blocks the habit delete.
func (s *PostgresStore) DeleteHabit(ctx context.Context, habitID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM completions WHERE habit_id=$1`, habitID); err != nil {
		return fmt.Errorf("delete habit completions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM habits WHERE id=$1`, habitID); err != nil {
		return fmt.Errorf("delete habit: %w", err)
	}
	return nil
}

// DeleteHabitsByCategory removes all habits of a category together with
// their completions, in that order.
func (s *PostgresStore) DeleteHabitsByCategory(ctx context.Context, categoryID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM completions
		WHERE habit_id IN (SELECT id FROM habits WHERE category_id=$1)
	`, categoryID); err != nil {
		return fmt.Errorf("delete category completions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM habits WHERE category_id=$1`, categoryID); err != nil {
		return fmt.Errorf("delete category habits: %w", err)
	}
	return nil
}

// FilterOwnedHabitIDs returns the subset of habitIDs that resolve to the
// owner through the habit -> category -> owner chain.
func (s *PostgresStore) FilterOwnedHabitIDs(ctx context.Context, ownerID string, habitIDs []string) (map[string]bool, error) {
	owned := make(map[string]bool, len(habitIDs))
	if len(habitIDs) == 0 {
		return owned, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id
		FROM habits h
		JOIN categories c ON c.id = h.category_id
		WHERE c.owner_id=$1 AND h.id = ANY($2)
	`, ownerID, habitIDs)
	if err != nil {
		return nil, fmt.Errorf("filter owned habits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan owned habit id: %w", err)
		}
		owned[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owned habits: %w", err)
	}
	return owned, nil
}

func (s *PostgresStore) ListCompletedHabitIDs(ctx context.Context, ownerID, date string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT co.habit_id
		FROM completions co
		JOIN habits h ON h.id = co.habit_id
		JOIN categories c ON c.id = h.category_id
		WHERE c.owner_id=$1 AND co.day=$2::date
	`, ownerID, date)
	if err != nil {
		return nil, fmt.Errorf("list completed habits: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan completed habit id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed habits: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetScore(ctx context.Context, ownerID, date string) (*Score, error) {
	var item Score
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, to_char(day, 'YYYY-MM-DD'), value, created_at, updated_at
		FROM scores
		WHERE owner_id=$1 AND day=$2::date
	`, ownerID, date).Scan(&item.OwnerID, &item.Date, &item.Value, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get score: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) UpsertScore(ctx context.Context, ownerID, date string, value int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scores (owner_id, day, value)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (owner_id, day) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
	`, ownerID, date, value)
	if err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteScore(ctx context.Context, ownerID, date string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scores WHERE owner_id=$1 AND day=$2::date`, ownerID, date)
	if err != nil {
		return false, fmt.Errorf("delete score: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete score rows: %w", err)
	}
	return affected > 0, nil
}

// ReplaceDay applies the whole-day update protocol in one transaction:
// score upsert/delete/keep, then delete every completion the owner has on
// the date, then insert one completion per completed habit. Any failure
// rolls back all of it.
func (s *PostgresStore) ReplaceDay(ctx context.Context, ownerID, date string, score ScoreChange, completedHabitIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin day update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	switch {
	case score.Set:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scores (owner_id, day, value)
			VALUES ($1, $2::date, $3)
			ON CONFLICT (owner_id, day) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
		`, ownerID, date, score.Value); err != nil {
			return fmt.Errorf("upsert day score: %w", err)
		}
	case score.Clear:
		if _, err := tx.ExecContext(ctx, `DELETE FROM scores WHERE owner_id=$1 AND day=$2::date`, ownerID, date); err != nil {
			return fmt.Errorf("clear day score: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM completions
		WHERE day=$2::date
			AND habit_id IN (
				SELECT h.id
				FROM habits h
				JOIN categories c ON c.id = h.category_id
				WHERE c.owner_id=$1
			)
	`, ownerID, date); err != nil {
		return fmt.Errorf("clear day completions: %w", err)
	}

	for _, habitID := range completedHabitIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO completions (habit_id, day)
			VALUES ($1, $2::date)
		`, habitID, date); err != nil {
			return fmt.Errorf("insert day completion: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit day update: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
