package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Category groups habits for one owner. Deleting a category cascades to its
// habits in application code, never through database-level cascade rules.
type Category struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Habit belongs to exactly one category. Ownership is resolved through the
// habit -> category -> owner join chain; there is no owner column on habits.
type Habit struct {
	ID         string
	CategoryID string
	Name       string
	IconRef    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Score struct {
	OwnerID   string
	Date      string
	Value     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScoreChange describes what ReplaceDay should do with the score row:
// set a value, clear the row, or leave it untouched.
type ScoreChange struct {
	Set   bool
	Clear bool
	Value int
}
