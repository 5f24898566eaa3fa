package core

import (
	"fmt"
	"time"
)

// Badge is an immutable catalog entry. Only membership in a learner's
// unlocked set is mutable.
type Badge struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Icon           string    `json:"icon"`
	Criterion      string    `json:"criterion"`
	IsRare         bool      `json:"is_rare"`
	DateIntroduced time.Time `json:"date_introduced"`
}

// BadgeCatalog indexes badges by id.
type BadgeCatalog struct {
	order []string
	byID  map[string]Badge
}

// NewBadgeCatalog rejects malformed or duplicate ids.
func NewBadgeCatalog(badges ...Badge) (*BadgeCatalog, error) {
	c := &BadgeCatalog{byID: make(map[string]Badge, len(badges))}
	for _, b := range badges {
		if err := ValidateID(b.ID); err != nil {
			return nil, fmt.Errorf("badge catalog: %w", err)
		}
		if _, dup := c.byID[b.ID]; dup {
			return nil, fmt.Errorf("badge catalog: duplicate badge %q", b.ID)
		}
		c.byID[b.ID] = b
		c.order = append(c.order, b.ID)
	}
	return c, nil
}

// Get looks up a badge.
func (c *BadgeCatalog) Get(id string) (Badge, bool) {
	b, ok := c.byID[id]
	return b, ok
}

// All returns badges in declaration order.
func (c *BadgeCatalog) All() []Badge {
	out := make([]Badge, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// DefaultBadges are the streak badges granted by DefaultMilestones.
func DefaultBadges() []Badge {
	introduced := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	return []Badge{
		{ID: "streak_7", Title: "Semana de Fogo", Description: "7 dias seguidos estudando", Icon: "🔥", Criterion: "streak >= 7", DateIntroduced: introduced},
		{ID: "streak_30", Title: "Mês Imparável", Description: "30 dias seguidos estudando", Icon: "⚡", Criterion: "streak >= 30", DateIntroduced: introduced},
		{ID: "streak_100", Title: "Centenário", Description: "100 dias seguidos estudando", Icon: "💯", Criterion: "streak >= 100", IsRare: true, DateIntroduced: introduced},
	}
}
