package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tally/api/internal/store"
	"tally/api/internal/util"
)

type ElementInput struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	IconName string `json:"iconName,omitempty"`
}

type CategoryInput struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Elements []ElementInput `json:"elements"`
}

// HabitsSnapshotInput is the full desired taxonomy. The client always sends
// the complete picture, never a partial patch: anything omitted is deleted.
type HabitsSnapshotInput struct {
	Categories []CategoryInput `json:"categories"`
}

type ElementView struct {
	ID         string    `json:"id"`
	CategoryID string    `json:"categoryId"`
	Name       string    `json:"name"`
	IconRef    string    `json:"iconRef,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type CategoryView struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Elements  []ElementView `json:"elements"`
}

type HabitsView struct {
	Categories []CategoryView `json:"categories"`
}

// defaultSeedSnapshot is applied once per brand-new owner at signup. The
// reconciler itself knows nothing about seeding.
var defaultSeedSnapshot = HabitsSnapshotInput{Categories: []CategoryInput{
	{Name: "Health", Elements: []ElementInput{
		{Name: "Drink water", IconName: "lucide:glass-water"},
		{Name: "Exercise", IconName: "lucide:dumbbell"},
	}},
	{Name: "Mind", Elements: []ElementInput{
		{Name: "Read", IconName: "lucide:book-open"},
		{Name: "Meditate", IconName: "lucide:flower"},
	}},
}}

func elementView(habit store.Habit) ElementView {
	return ElementView{
		ID:         habit.ID,
		CategoryID: habit.CategoryID,
		Name:       habit.Name,
		IconRef:    habit.IconRef,
		CreatedAt:  habit.CreatedAt,
		UpdatedAt:  habit.UpdatedAt,
	}
}

func categoryView(category store.Category, habits []store.Habit) CategoryView {
	elements := make([]ElementView, 0, len(habits))
	for _, habit := range habits {
		elements = append(elements, elementView(habit))
	}
	return CategoryView{
		ID:        category.ID,
		Name:      category.Name,
		CreatedAt: category.CreatedAt,
		UpdatedAt: category.UpdatedAt,
		Elements:  elements,
	}
}

// GetHabits returns the owner's full taxonomy.
func (s *Service) GetHabits(ctx context.Context, ownerID string) (HabitsView, error) {
	categories, err := s.store.ListCategories(ctx, ownerID)
	if err != nil {
		return HabitsView{}, err
	}
	view := HabitsView{Categories: make([]CategoryView, 0, len(categories))}
	for _, category := range categories {
		habits, err := s.store.ListHabits(ctx, category.ID)
		if err != nil {
			return HabitsView{}, err
		}
		view.Categories = append(view.Categories, categoryView(category, habits))
	}
	return view, nil
}

// UpsertHabits reconciles the owner's persisted taxonomy against the
// submitted snapshot: update rows whose ids are found, insert the rest,
// then delete whatever the snapshot no longer mentions. The whole snapshot
// is validated before the first write, so a bad entry can never leave a
// half-applied snapshot behind.
func (s *Service) UpsertHabits(ctx context.Context, ownerID string, input HabitsSnapshotInput) (HabitsView, error) {
	if err := validateSnapshot(input); err != nil {
		return HabitsView{}, err
	}

	existing, err := s.store.ListCategories(ctx, ownerID)
	if err != nil {
		return HabitsView{}, err
	}
	existingCategoryIDs := make(map[string]bool, len(existing))
	for _, category := range existing {
		existingCategoryIDs[category.ID] = true
	}

	keptCategoryIDs := make(map[string]bool, len(input.Categories))
	for _, submitted := range input.Categories {
		categoryID := submitted.ID
		if categoryID != "" && existingCategoryIDs[categoryID] {
			if _, err := s.store.UpdateCategory(ctx, ownerID, categoryID, strings.TrimSpace(submitted.Name)); err != nil {
				return HabitsView{}, err
			}
		} else {
			// An unknown or foreign id is not an error: the row is
			// created fresh under a server-allocated id.
			categoryID = util.NewID("cat")
			if _, err := s.store.InsertCategory(ctx, store.Category{
				ID:      categoryID,
				OwnerID: ownerID,
				Name:    strings.TrimSpace(submitted.Name),
			}); err != nil {
				return HabitsView{}, err
			}
		}
		keptCategoryIDs[categoryID] = true

		if err := s.reconcileElements(ctx, categoryID, submitted.Elements); err != nil {
			return HabitsView{}, err
		}
	}

	// Habits go before their category so the cascade stays explicit.
	for _, category := range existing {
		if keptCategoryIDs[category.ID] {
			continue
		}
		if err := s.store.DeleteHabitsByCategory(ctx, category.ID); err != nil {
			return HabitsView{}, err
		}
		if err := s.store.DeleteCategory(ctx, ownerID, category.ID); err != nil {
			return HabitsView{}, err
		}
	}

	// Rebuild from the rows actually persisted so generated ids and
	// timestamps are accurate.
	return s.GetHabits(ctx, ownerID)
}

func (s *Service) reconcileElements(ctx context.Context, categoryID string, submitted []ElementInput) error {
	existing, err := s.store.ListHabits(ctx, categoryID)
	if err != nil {
		return err
	}
	existingHabitIDs := make(map[string]bool, len(existing))
	for _, habit := range existing {
		existingHabitIDs[habit.ID] = true
	}

	keptHabitIDs := make(map[string]bool, len(submitted))
	for _, element := range submitted {
		if element.ID != "" && existingHabitIDs[element.ID] {
			if _, err := s.store.UpdateHabit(ctx, categoryID, element.ID, strings.TrimSpace(element.Name), element.IconName); err != nil {
				return err
			}
			keptHabitIDs[element.ID] = true
			continue
		}
		habit, err := s.store.InsertHabit(ctx, store.Habit{
			ID:         util.NewID("el"),
			CategoryID: categoryID,
			Name:       strings.TrimSpace(element.Name),
			IconRef:    element.IconName,
		})
		if err != nil {
			return err
		}
		keptHabitIDs[habit.ID] = true
	}

	for _, habit := range existing {
		if keptHabitIDs[habit.ID] {
			continue
		}
		if err := s.store.DeleteHabit(ctx, habit.ID); err != nil {
			return err
		}
	}
	return nil
}

func validateSnapshot(input HabitsSnapshotInput) error {
	for i, category := range input.Categories {
		if strings.TrimSpace(category.Name) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "category name is required",
				map[string]any{"path": fmt.Sprintf("categories[%d].name", i)})
		}
		for j, element := range category.Elements {
			if strings.TrimSpace(element.Name) == "" {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "element name is required",
					map[string]any{"path": fmt.Sprintf("categories[%d].elements[%d].name", i, j)})
			}
		}
	}
	return nil
}
