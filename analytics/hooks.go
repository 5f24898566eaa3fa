// Package analytics aggregates progression events into in-memory KPIs.
package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"progresskit/core"
)

// Hook receives domain events for KPI aggregation. The signature matches
// engine.EventBus handlers so a hook can be subscribed directly.
type Hook interface {
	OnEvent(ctx context.Context, e core.Event)
}

// DAU tracks daily active learners. Days are calendar dates in loc.
type DAU struct {
	mu   sync.Mutex
	loc  *time.Location
	days map[core.Date]map[core.UserID]struct{}
}

func NewDAU(loc *time.Location) *DAU {
	if loc == nil {
		loc = time.UTC
	}
	return &DAU{loc: loc, days: map[core.Date]map[core.UserID]struct{}{}}
}

func (d *DAU) OnEvent(_ context.Context, e core.Event) {
	day := core.DateOf(e.Time, d.loc)
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.days[day]
	if m == nil {
		m = map[core.UserID]struct{}{}
		d.days[day] = m
	}
	m[e.UserID] = struct{}{}
}

func (d *DAU) Count(day core.Date) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.days[day])
}

// DayStats is the KPI snapshot for one calendar day.
type DayStats struct {
	Day               string           `json:"day"`
	ActiveLearners    int              `json:"active_learners"`
	XPAwarded         int64            `json:"xp_awarded"`
	XPBySource        map[string]int64 `json:"xp_by_source"`
	LessonsCompleted  int64            `json:"lessons_completed"`
	ProjectsCompleted int64            `json:"projects_completed"`
	Enrollments       int64            `json:"enrollments"`
	LevelUps          map[string]int64 `json:"level_ups"`
	BadgesUnlocked    map[string]int64 `json:"badges_unlocked"`
	Milestones        int64            `json:"milestones"`
	LongestStreak     int              `json:"longest_streak"`
}

type dayCounters struct {
	xpBySource map[string]int64
	lessons    int64
	projects   int64
	enrolls    int64
	levelUps   map[string]int64
	badges     map[string]int64
	milestones int64
	streak     int
}

func newDayCounters() *dayCounters {
	return &dayCounters{
		xpBySource: map[string]int64{},
		levelUps:   map[string]int64{},
		badges:     map[string]int64{},
	}
}

// Stats counts XP, completions, badges and level-ups per day.
type Stats struct {
	mu   sync.RWMutex
	loc  *time.Location
	dau  *DAU
	days map[core.Date]*dayCounters
}

// NewStats builds a Stats hook bucketing events by date in loc (UTC when nil).
func NewStats(loc *time.Location) *Stats {
	if loc == nil {
		loc = time.UTC
	}
	return &Stats{loc: loc, dau: NewDAU(loc), days: map[core.Date]*dayCounters{}}
}

// Location is the zone days are computed in.
func (s *Stats) Location() *time.Location { return s.loc }

func (s *Stats) OnEvent(ctx context.Context, e core.Event) {
	s.dau.OnEvent(ctx, e)
	day := core.DateOf(e.Time, s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.days[day]
	if c == nil {
		c = newDayCounters()
		s.days[day] = c
	}
	switch e.Type {
	case core.EventXPAdded:
		if e.Delta > 0 {
			c.xpBySource[e.Source] += e.Delta
		}
	case core.EventLessonCompleted:
		c.lessons++
	case core.EventProjectCompleted:
		c.projects++
	case core.EventTrackEnrolled:
		c.enrolls++
	case core.EventLevelUp:
		if e.Level != nil {
			c.levelUps[e.Level.Name]++
		}
	case core.EventBadgeUnlocked:
		c.badges[e.Badge]++
	case core.EventMilestoneReached:
		c.milestones++
	case core.EventStreakUpdated:
		if e.Streak > c.streak {
			c.streak = e.Streak
		}
	}
}

// Snapshot returns a copy of the counters for day. Unknown days yield zeros.
func (s *Stats) Snapshot(day core.Date) DayStats {
	out := DayStats{
		Day:            day.String(),
		ActiveLearners: s.dau.Count(day),
		XPBySource:     map[string]int64{},
		LevelUps:       map[string]int64{},
		BadgesUnlocked: map[string]int64{},
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.days[day]
	if c == nil {
		return out
	}
	for src, xp := range c.xpBySource {
		out.XPBySource[src] = xp
		out.XPAwarded += xp
	}
	for k, v := range c.levelUps {
		out.LevelUps[k] = v
	}
	for k, v := range c.badges {
		out.BadgesUnlocked[k] = v
	}
	out.LessonsCompleted = c.lessons
	out.ProjectsCompleted = c.projects
	out.Enrollments = c.enrolls
	out.Milestones = c.milestones
	out.LongestStreak = c.streak
	return out
}

// Today is Snapshot for the current date in the configured zone.
func (s *Stats) Today() DayStats { return s.Snapshot(core.DateOf(time.Now(), s.loc)) }

// Days lists the dates that have any recorded activity, oldest first.
func (s *Stats) Days() []core.Date {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Date, 0, len(s.days))
	for d := range s.days {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
