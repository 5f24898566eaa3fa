package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"progresskit/core"
)

// DefaultProjectXP is awarded by CompleteProject when no amount is given.
const DefaultProjectXP = 100

// Options configures a ProgressionService. Zero values fall back to defaults.
type Options struct {
	Levels     *core.LevelTable
	Badges     *core.BadgeCatalog
	Milestones core.MilestoneRules
	// SweepMissedMilestones grants every threshold at or below the streak
	// instead of only the exact match.
	SweepMissedMilestones bool
	Clock                 Clock
	// Location decides which calendar day a completion belongs to. Nil means UTC.
	Location         *time.Location
	Logger           *slog.Logger
	DefaultProjectXP int64
	// DailyXPEstimate feeds the days-to-next-level hint in GetProgress. Zero disables it.
	DailyXPEstimate int64
}

// Progress is a record together with its derived level.
type Progress struct {
	Record          core.ProgressionRecord `json:"record"`
	Level           core.LevelInfo         `json:"level"`
	XPLabel         string                 `json:"xp_label"`
	DaysToNextLevel *int                   `json:"days_to_next_level,omitempty"`
}

// LessonResult summarises a completion for the caller's celebration UI.
type LessonResult struct {
	XP              int64          `json:"xp"`
	Level           core.LevelTier `json:"level"`
	Streak          int            `json:"streak"`
	FirstCompletion bool           `json:"first_completion"`
	Grants          []Grant        `json:"grants,omitempty"`
}

// ProgressionService turns completion events into XP, levels, streaks and badges.
// It depends only on a DocumentStore; every step is a separate store call and
// nothing is rolled back when a later step fails.
type ProgressionService struct {
	store      DocumentStore
	bus        *EventBus
	levels     *core.LevelTable
	xp         *XPAccumulator
	badges     *BadgeUnlocker
	milestones *MilestoneEngine
	clock      Clock
	loc        *time.Location
	log        *slog.Logger
	projectXP  int64
	dailyXP    int64
}

func NewProgressionService(store DocumentStore, bus *EventBus, opts Options) (*ProgressionService, error) {
	if store == nil || bus == nil {
		return nil, fmt.Errorf("progression service requires a store and an event bus")
	}
	if opts.Levels == nil {
		opts.Levels = core.DefaultLevelTable()
	}
	if opts.Badges == nil {
		catalog, err := core.NewBadgeCatalog(core.DefaultBadges()...)
		if err != nil {
			return nil, err
		}
		opts.Badges = catalog
	}
	if opts.Milestones == nil {
		opts.Milestones = core.DefaultMilestones()
	}
	for _, rule := range opts.Milestones {
		if _, ok := opts.Badges.Get(rule.BadgeID); !ok {
			return nil, fmt.Errorf("milestone badge %q missing from badge catalog", rule.BadgeID)
		}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultProjectXP <= 0 {
		opts.DefaultProjectXP = DefaultProjectXP
	}

	xp := NewXPAccumulator(store, opts.Levels, bus, opts.Logger)
	badges := NewBadgeUnlocker(store, opts.Badges, bus, opts.Logger)
	milestones, err := NewMilestoneEngine(opts.Milestones, opts.SweepMissedMilestones, store, xp, badges, bus, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &ProgressionService{
		store:      store,
		bus:        bus,
		levels:     opts.Levels,
		xp:         xp,
		badges:     badges,
		milestones: milestones,
		clock:      opts.Clock,
		loc:        opts.Location,
		log:        opts.Logger,
		projectXP:  opts.DefaultProjectXP,
		dailyXP:    opts.DailyXPEstimate,
	}, nil
}

// Subscribe convenience method.
func (s *ProgressionService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

func (s *ProgressionService) Publish(ctx context.Context, ev core.Event) { s.bus.Publish(ctx, ev) }

func (s *ProgressionService) Levels() *core.LevelTable { return s.levels }

func (s *ProgressionService) Badges() *BadgeUnlocker { return s.badges }

func (s *ProgressionService) Milestones() *MilestoneEngine { return s.milestones }

// CreateProfile writes an empty record at signup. An existing record is left untouched.
func (s *ProgressionService) CreateProfile(ctx context.Context, user core.UserID) error {
	const op = "CreateProfile"
	normalized, err := normalizeUser(op, user)
	if err != nil {
		return err
	}
	if err := s.store.UpsertDocument(ctx, core.CollectionUsers, string(normalized), core.NewRecordDocument(), core.MergeKeepExisting); err != nil {
		s.log.Error("create profile failed", "user", normalized, "error", err)
		return storeError(op, normalized, err)
	}
	s.log.Info("profile ready", "user", normalized)
	return nil
}

// GetProgress reads the record fresh from the store; records are never cached.
func (s *ProgressionService) GetProgress(ctx context.Context, user core.UserID) (Progress, error) {
	const op = "GetProgress"
	normalized, err := normalizeUser(op, user)
	if err != nil {
		return Progress{}, err
	}
	rec, err := s.readRecord(ctx, op, normalized)
	if err != nil {
		return Progress{}, err
	}
	info, err := s.levels.LevelInfo(rec.XP)
	if err != nil {
		return Progress{}, core.Persistence(op, err)
	}
	p := Progress{Record: rec, Level: info, XPLabel: core.FormatXP(rec.XP)}
	if days, ok := s.levels.EstimateDaysToNextLevel(rec.XP, s.dailyXP); ok {
		p.DaysToNextLevel = &days
	}
	return p, nil
}

// AddXP adds amount to the learner's total. See XPAccumulator.AddXP.
func (s *ProgressionService) AddXP(ctx context.Context, user core.UserID, amount int64, source string) (int64, error) {
	return s.xp.AddXP(ctx, user, amount, source)
}

// CompleteLesson records the lesson, pays its XP, advances the streak and
// runs milestone rules, in that order. Completing a lesson again pays again.
func (s *ProgressionService) CompleteLesson(ctx context.Context, user core.UserID, lesson, track string, xp int64) (LessonResult, error) {
	const op = "CompleteLesson"
	normalized, err := normalizeUser(op, user)
	if err != nil {
		return LessonResult{}, err
	}
	if err := core.ValidateID(lesson); err != nil {
		return LessonResult{}, core.Validation(op, "lesson: %v", err)
	}
	if track != "" {
		if err := core.ValidateID(track); err != nil {
			return LessonResult{}, core.Validation(op, "track: %v", err)
		}
	}
	if xp <= 0 {
		return LessonResult{}, core.Validation(op, "xp must be positive, got %d", xp)
	}

	res, err := s.complete(ctx, op, normalized, lesson, xp, core.SourceLesson)
	if err != nil {
		return res, err
	}
	s.log.Info("lesson completed", "user", normalized, "lesson", lesson, "track", track, "xp", xp, "streak", res.Streak)
	publish(ctx, s.bus, core.NewItemCompleted(core.EventLessonCompleted, normalized, lesson, track, xp))
	return res, nil
}

// CompleteProject is CompleteLesson for projects. A non-positive xp pays the
// configured default.
func (s *ProgressionService) CompleteProject(ctx context.Context, user core.UserID, project string, xp int64) (LessonResult, error) {
	const op = "CompleteProject"
	normalized, err := normalizeUser(op, user)
	if err != nil {
		return LessonResult{}, err
	}
	if err := core.ValidateID(project); err != nil {
		return LessonResult{}, core.Validation(op, "project: %v", err)
	}
	if xp <= 0 {
		xp = s.projectXP
	}

	res, err := s.complete(ctx, op, normalized, project, xp, core.SourceProject)
	if err != nil {
		return res, err
	}
	s.log.Info("project completed", "user", normalized, "project", project, "xp", xp, "streak", res.Streak)
	publish(ctx, s.bus, core.NewItemCompleted(core.EventProjectCompleted, normalized, project, "", xp))
	return res, nil
}

func (s *ProgressionService) complete(ctx context.Context, op string, user core.UserID, item string, xp int64, source string) (LessonResult, error) {
	var res LessonResult

	added, err := s.store.UnionAppend(ctx, core.CollectionUsers, string(user), core.FieldCompletedItemIDs, item)
	if err != nil {
		return res, storeError(op, user, err)
	}
	res.FirstCompletion = added

	total, err := s.xp.AddXP(ctx, user, xp, source)
	if err != nil {
		return res, err
	}
	res.XP = total

	streak, err := s.advanceStreak(ctx, op, user)
	if err != nil {
		return res, err
	}
	res.Streak = streak

	grants, err := s.milestones.Process(ctx, user, streak)
	res.Grants = grants
	if n := len(grants); n > 0 {
		res.XP = grants[n-1].TotalXP
	}
	if tier, lerr := s.levels.LevelForXP(res.XP); lerr == nil {
		res.Level = tier
	}
	return res, err
}

// advanceStreak is a read then a set of both streak fields. Two sessions
// racing on the same day both compute the same value, so last-write-wins is safe.
func (s *ProgressionService) advanceStreak(ctx context.Context, op string, user core.UserID) (int, error) {
	rec, err := s.readRecord(ctx, op, user)
	if err != nil {
		return 0, err
	}
	today := core.DateOf(s.clock.Now(), s.loc)
	next := core.AdvanceStreak(rec.StreakCount, rec.LastCompletionDate, today)

	patch := core.Document{
		core.FieldStreakCount:        int64(next.Count),
		core.FieldLastCompletionDate: next.LastCompletionDate.String(),
	}
	if err := s.store.UpsertDocument(ctx, core.CollectionUsers, string(user), patch, core.MergeOverwrite); err != nil {
		s.log.Error("persist streak failed", "user", user, "error", err)
		return 0, storeError(op, user, err)
	}
	if next.Count != rec.StreakCount || !next.LastCompletionDate.Equal(rec.LastCompletionDate) {
		publish(ctx, s.bus, core.NewStreakUpdated(user, next.Count, today))
	}
	return next.Count, nil
}

// EnrollTrack adds track to the learner's enrollments and reports whether it is new.
func (s *ProgressionService) EnrollTrack(ctx context.Context, user core.UserID, track string) (bool, error) {
	const op = "EnrollTrack"
	normalized, err := normalizeUser(op, user)
	if err != nil {
		return false, err
	}
	if err := core.ValidateID(track); err != nil {
		return false, core.Validation(op, "track: %v", err)
	}
	added, err := s.store.UnionAppend(ctx, core.CollectionUsers, string(normalized), core.FieldEnrolledTrackIDs, track)
	if err != nil {
		return false, storeError(op, normalized, err)
	}
	if added {
		s.log.Info("track enrolled", "user", normalized, "track", track)
		publish(ctx, s.bus, core.NewTrackEnrolled(normalized, track))
	}
	return added, nil
}

// LevelInfo is the pure level lookup; it does not touch the store.
func (s *ProgressionService) LevelInfo(xp int64) (core.LevelInfo, error) { return s.levels.LevelInfo(xp) }

func (s *ProgressionService) FormatXP(xp int64) string { return core.FormatXP(xp) }

func (s *ProgressionService) Close() { s.bus.Close() }

func (s *ProgressionService) readRecord(ctx context.Context, op string, user core.UserID) (core.ProgressionRecord, error) {
	doc, err := s.store.GetDocument(ctx, core.CollectionUsers, string(user))
	if err != nil {
		return core.ProgressionRecord{}, storeError(op, user, err)
	}
	rec, err := core.RecordFromDocument(user, doc)
	if err != nil {
		return core.ProgressionRecord{}, core.Persistence(op, err)
	}
	return rec, nil
}
