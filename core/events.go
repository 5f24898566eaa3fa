package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates domain events.
type EventType string

const (
	EventXPAdded          EventType = "xp_added"
	EventLevelUp          EventType = "level_up"
	EventBadgeUnlocked    EventType = "badge_unlocked"
	EventStreakUpdated    EventType = "streak_updated"
	EventMilestoneReached EventType = "milestone_reached"
	EventLessonCompleted  EventType = "lesson_completed"
	EventProjectCompleted EventType = "project_completed"
	EventTrackEnrolled    EventType = "track_enrolled"
)

// AllEventTypes lists every event type, for subscribers that bridge everything.
var AllEventTypes = []EventType{
	EventXPAdded, EventLevelUp, EventBadgeUnlocked, EventStreakUpdated,
	EventMilestoneReached, EventLessonCompleted, EventProjectCompleted, EventTrackEnrolled,
}

// XP sources.
const (
	SourceLesson    = "lesson"
	SourceProject   = "project"
	SourceMilestone = "milestone"
)

// Event represents an immutable domain event.
type Event struct {
	ID       string         `json:"id"`
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	UserID   UserID         `json:"user_id"`
	Source   string         `json:"source,omitempty"`
	Item     string         `json:"item,omitempty"`
	Delta    int64          `json:"delta,omitempty"`
	Total    int64          `json:"total,omitempty"`
	Badge    string         `json:"badge,omitempty"`
	Level    *LevelTier     `json:"level,omitempty"`
	Streak   int            `json:"streak,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func newEvent(typ EventType, user UserID) Event {
	return Event{ID: uuid.NewString(), Type: typ, Time: time.Now().UTC(), UserID: user}
}

func NewXPAdded(user UserID, source string, delta, total int64) Event {
	ev := newEvent(EventXPAdded, user)
	ev.Source, ev.Delta, ev.Total = source, delta, total
	return ev
}

func NewLevelUp(user UserID, tier LevelTier, total int64) Event {
	ev := newEvent(EventLevelUp, user)
	ev.Level, ev.Total = &tier, total
	return ev
}

func NewBadgeUnlocked(user UserID, badge string) Event {
	ev := newEvent(EventBadgeUnlocked, user)
	ev.Badge = badge
	return ev
}

func NewStreakUpdated(user UserID, streak int, day Date) Event {
	ev := newEvent(EventStreakUpdated, user)
	ev.Streak = streak
	ev.Metadata = map[string]any{"date": day.String()}
	return ev
}

func NewMilestoneReached(user UserID, rule MilestoneRule) Event {
	ev := newEvent(EventMilestoneReached, user)
	ev.Streak, ev.Badge, ev.Delta = rule.StreakThreshold, rule.BadgeID, rule.XPBonus
	return ev
}

// NewItemCompleted covers lesson and project completions; track is empty for projects.
func NewItemCompleted(typ EventType, user UserID, item, track string, xp int64) Event {
	ev := newEvent(typ, user)
	ev.Item, ev.Delta = item, xp
	if track != "" {
		ev.Metadata = map[string]any{"track": track}
	}
	return ev
}

func NewTrackEnrolled(user UserID, track string) Event {
	ev := newEvent(EventTrackEnrolled, user)
	ev.Item = track
	return ev
}
