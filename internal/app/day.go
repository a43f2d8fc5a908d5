package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"tally/api/internal/store"
)

const (
	minScore = 1
	maxScore = 10

	completionCompleted    = "COMPLETED"
	completionNotCompleted = "NOT_COMPLETED"
)

type DayElementView struct {
	ElementView
	Completed bool `json:"completed"`
}

type DayCategoryView struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Elements  []DayElementView `json:"elements"`
}

// DayView is the derived read model for one calendar date. It is never
// stored, always recomputed.
type DayView struct {
	Date       string            `json:"date"`
	Score      *int              `json:"score"`
	Categories []DayCategoryView `json:"categories"`
}

type DayElementInput struct {
	ElementID string `json:"elementId"`
	Completed string `json:"completed"`
}

// DayUpdateInput carries the full desired state for one date. Score is a
// raw message to keep the three states apart: absent (keep), null (clear),
// integer (set).
type DayUpdateInput struct {
	Date     string            `json:"date,omitempty"`
	Score    json.RawMessage   `json:"score,omitempty"`
	Elements []DayElementInput `json:"elements"`
}

// GetDay assembles the nested day view: taxonomy, completion flags, score.
// Pure read, no side effects.
func (s *Service) GetDay(ctx context.Context, ownerID, rawDate string) (DayView, error) {
	date, err := normalizeDate(rawDate)
	if err != nil {
		return DayView{}, err
	}

	score, err := s.store.GetScore(ctx, ownerID, date)
	if err != nil {
		return DayView{}, err
	}
	var value *int
	if score != nil {
		v := score.Value
		value = &v
	}

	completedIDs, err := s.store.ListCompletedHabitIDs(ctx, ownerID, date)
	if err != nil {
		return DayView{}, err
	}
	completed := make(map[string]bool, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = true
	}

	return s.assembleDayView(ctx, ownerID, date, value, completed)
}

// UpdateDay atomically replaces the score and completion set for a date.
// Ownership of every referenced habit is verified before the transaction
// opens, so a bad id never causes a partial write.
func (s *Service) UpdateDay(ctx context.Context, ownerID, rawDate string, input DayUpdateInput) (DayView, error) {
	date, err := normalizeDate(rawDate)
	if err != nil {
		return DayView{}, err
	}
	if input.Date != "" {
		bodyDate, err := normalizeDate(input.Date)
		if err != nil {
			return DayView{}, err
		}
		if bodyDate != date {
			return DayView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body date does not match path date",
				map[string]any{"pathDate": date, "bodyDate": bodyDate})
		}
	}

	scoreChange, err := parseScoreChange(input.Score)
	if err != nil {
		return DayView{}, err
	}

	referenced := make([]string, 0, len(input.Elements))
	completedIDs := make([]string, 0, len(input.Elements))
	seen := make(map[string]bool, len(input.Elements))
	for _, element := range input.Elements {
		if element.ElementID == "" {
			return DayView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "elementId is required", nil)
		}
		if element.Completed != completionCompleted && element.Completed != completionNotCompleted {
			return DayView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "completed must be COMPLETED or NOT_COMPLETED",
				map[string]any{"elementId": element.ElementID})
		}
		// A duplicated elementId keeps its first occurrence; later entries
		// are dropped even when their completed flag disagrees.
		if seen[element.ElementID] {
			continue
		}
		seen[element.ElementID] = true
		referenced = append(referenced, element.ElementID)
		if element.Completed == completionCompleted {
			completedIDs = append(completedIDs, element.ElementID)
		}
	}

	owned, err := s.store.FilterOwnedHabitIDs(ctx, ownerID, referenced)
	if err != nil {
		return DayView{}, err
	}
	for _, id := range referenced {
		if !owned[id] {
			// Not distinguishable from another user's id on purpose.
			return DayView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
	}

	if err := s.store.ReplaceDay(ctx, ownerID, date, scoreChange, completedIDs); err != nil {
		return DayView{}, err
	}

	// Rebuild the response from the transaction's logical outcome: the
	// completion set just written and the score value just decided. Only
	// the keep branch re-reads the score row.
	var value *int
	switch {
	case scoreChange.Set:
		v := scoreChange.Value
		value = &v
	case scoreChange.Clear:
		value = nil
	default:
		score, err := s.store.GetScore(ctx, ownerID, date)
		if err != nil {
			return DayView{}, err
		}
		if score != nil {
			v := score.Value
			value = &v
		}
	}

	completed := make(map[string]bool, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = true
	}
	return s.assembleDayView(ctx, ownerID, date, value, completed)
}

func (s *Service) assembleDayView(ctx context.Context, ownerID, date string, score *int, completed map[string]bool) (DayView, error) {
	categories, err := s.store.ListCategories(ctx, ownerID)
	if err != nil {
		return DayView{}, err
	}

	view := DayView{Date: date, Score: score, Categories: make([]DayCategoryView, 0, len(categories))}
	for _, category := range categories {
		habits, err := s.store.ListHabits(ctx, category.ID)
		if err != nil {
			return DayView{}, err
		}
		elements := make([]DayElementView, 0, len(habits))
		for _, habit := range habits {
			elements = append(elements, DayElementView{
				ElementView: elementView(habit),
				Completed:   completed[habit.ID],
			})
		}
		view.Categories = append(view.Categories, DayCategoryView{
			ID:        category.ID,
			Name:      category.Name,
			CreatedAt: category.CreatedAt,
			UpdatedAt: category.UpdatedAt,
			Elements:  elements,
		})
	}
	return view, nil
}

func parseScoreChange(raw json.RawMessage) (store.ScoreChange, error) {
	if len(raw) == 0 {
		return store.ScoreChange{}, nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return store.ScoreChange{Clear: true}, nil
	}
	var value int
	if err := json.Unmarshal(raw, &value); err != nil {
		return store.ScoreChange{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "score must be an integer or null", nil)
	}
	if value < minScore || value > maxScore {
		return store.ScoreChange{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "score must be between 1 and 10",
			map[string]any{"score": value})
	}
	return store.ScoreChange{Set: true, Value: value}, nil
}
