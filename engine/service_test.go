package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "progresskit/adapters/memory"
	"progresskit/core"
)

var testNow = time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) addDays(n int) {
	c.mu.Lock()
	c.now = c.now.AddDate(0, 0, n)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) handle(_ context.Context, e core.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ core.EventType) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T, store DocumentStore, opts Options) (*ProgressionService, *testClock, *recorder) {
	t.Helper()
	clock := &testClock{now: testNow}
	if opts.Clock == nil {
		opts.Clock = clock
	}
	bus := NewEventBus(DispatchSync)
	svc, err := NewProgressionService(store, bus, opts)
	require.NoError(t, err)
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	t.Cleanup(svc.Close)
	return svc, clock, rec
}

func TestNewUserCompletesFirstLesson(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "Ana"))

	res, err := svc.CompleteLesson(ctx, "ana", "go-101", "go", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.XP)
	assert.Equal(t, "ovo", res.Level.Name)
	assert.Equal(t, 1, res.Streak)
	assert.True(t, res.FirstCompletion)
	assert.Empty(t, res.Grants)

	p, err := svc.GetProgress(ctx, " ANA ")
	require.NoError(t, err)
	assert.Equal(t, int64(30), p.Record.XP)
	assert.Equal(t, 1, p.Record.StreakCount)
	assert.Equal(t, "2024-01-10", p.Record.LastCompletionDate.String())
	assert.Equal(t, []string{"go-101"}, p.Record.CompletedItemIDs)
	assert.Equal(t, "ovo", p.Level.Current.Name)
	assert.Equal(t, "30", p.XPLabel)
}

func TestAddXPCrossesIntoTopTier(t *testing.T) {
	ctx := context.Background()
	store := mem.New()
	svc, _, events := newTestService(t, store, Options{})
	require.NoError(t, store.UpsertDocument(ctx, core.CollectionUsers, "vet", core.Document{core.FieldXP: int64(14990)}, core.MergeOverwrite))

	total, err := svc.AddXP(ctx, "vet", 20, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(15010), total)

	ups := events.ofType(core.EventLevelUp)
	require.Len(t, ups, 1)
	assert.Equal(t, "lenda", ups[0].Level.Name)
	assert.Equal(t, int64(15010), ups[0].Total)

	_, err = svc.AddXP(ctx, "vet", 5, "admin")
	require.NoError(t, err)
	assert.Len(t, events.ofType(core.EventLevelUp), 1, "no level up inside a tier")
}

func TestAddXPValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, mem.New(), Options{})

	for _, amount := range []int64{0, -5} {
		_, err := svc.AddXP(ctx, "u", amount, "lesson")
		assert.True(t, errors.Is(err, core.ErrValidation), "amount %d: %v", amount, err)
	}
	_, err := svc.AddXP(ctx, "u", 10, "  ")
	assert.True(t, errors.Is(err, core.ErrValidation))
	_, err = svc.AddXP(ctx, "", 10, "lesson")
	assert.True(t, errors.Is(err, core.ErrValidation))

	_, err = svc.AddXP(ctx, "nobody", 10, "lesson")
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.Equal(t, core.ErrNotFound, core.KindOf(err))
}

func TestConcurrentAddXPIsCommutative(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	amounts := []int64{3, 7, 11, 13, 17}
	var wg sync.WaitGroup
	for round := 0; round < 20; round++ {
		for _, a := range amounts {
			wg.Add(1)
			go func(a int64) {
				defer wg.Done()
				_, err := svc.AddXP(ctx, "u", a, "lesson")
				assert.NoError(t, err)
			}(a)
		}
	}
	wg.Wait()

	p, err := svc.GetProgress(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(51*20), p.Record.XP)
}

func TestStreakAcrossDays(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	res, err := svc.CompleteLesson(ctx, "u", "l1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak)

	res, err = svc.CompleteLesson(ctx, "u", "l2", "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak, "same day")

	clock.addDays(1)
	res, err = svc.CompleteProject(ctx, "u", "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Streak)
	assert.Equal(t, int64(10+10+DefaultProjectXP), res.XP)

	clock.addDays(3)
	res, err = svc.CompleteLesson(ctx, "u", "l3", "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak, "gap resets")
}

func TestStreakUsesConfiguredTimezone(t *testing.T) {
	ctx := context.Background()
	// 23:30 UTC is already the next day in UTC+5
	clock := &testClock{now: time.Date(2024, time.January, 10, 23, 30, 0, 0, time.UTC)}
	svc, _, _ := newTestService(t, mem.New(), Options{Clock: clock, Location: time.FixedZone("UTC+5", 5*3600)})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	_, err := svc.CompleteLesson(ctx, "u", "l1", "", 10)
	require.NoError(t, err)
	p, err := svc.GetProgress(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-11", p.Record.LastCompletionDate.String())
}

func TestRepeatLessonPaysAgain(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	_, err := svc.CompleteLesson(ctx, "u", "l1", "go", 10)
	require.NoError(t, err)
	res, err := svc.CompleteLesson(ctx, "u", "l1", "go", 10)
	require.NoError(t, err)
	assert.False(t, res.FirstCompletion)
	assert.Equal(t, int64(20), res.XP)

	p, _ := svc.GetProgress(ctx, "u")
	assert.Equal(t, []string{"l1"}, p.Record.CompletedItemIDs)
}

func TestCompleteLessonValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	_, err := svc.CompleteLesson(ctx, "u", "", "go", 10)
	assert.True(t, errors.Is(err, core.ErrValidation))
	_, err = svc.CompleteLesson(ctx, "u", "l1", "bad track", 10)
	assert.True(t, errors.Is(err, core.ErrValidation))
	_, err = svc.CompleteLesson(ctx, "u", "l1", "go", 0)
	assert.True(t, errors.Is(err, core.ErrValidation))
	_, err = svc.CompleteProject(ctx, "u", "no/slash", 10)
	assert.True(t, errors.Is(err, core.ErrValidation))

	p, _ := svc.GetProgress(ctx, "u")
	assert.Equal(t, int64(0), p.Record.XP, "validation runs before any write")
	assert.Empty(t, p.Record.CompletedItemIDs)
}

func TestPaddedItemIDIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	first, err := svc.CompleteLesson(ctx, "u", "l1", "go", 10)
	require.NoError(t, err)
	assert.True(t, first.FirstCompletion)

	_, err = svc.CompleteLesson(ctx, "u", " l1 ", "go", 10)
	assert.True(t, errors.Is(err, core.ErrValidation))
	_, err = svc.CompleteProject(ctx, "u", "p1 ", 10)
	assert.True(t, errors.Is(err, core.ErrValidation))
	_, err = svc.EnrollTrack(ctx, "u", " go")
	assert.True(t, errors.Is(err, core.ErrValidation))

	p, err := svc.GetProgress(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"l1"}, p.Record.CompletedItemIDs)
	assert.Empty(t, p.Record.EnrolledTrackIDs)
}

func TestCreateProfileNeverClobbers(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))
	_, err := svc.AddXP(ctx, "u", 40, "lesson")
	require.NoError(t, err)

	require.NoError(t, svc.CreateProfile(ctx, "u"))
	p, err := svc.GetProgress(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(40), p.Record.XP)
}

func TestBadgeUnlockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, events := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	res, err := svc.Badges().Unlock(ctx, "u", "streak_7")
	require.NoError(t, err)
	assert.True(t, res.WasNewlyUnlocked)
	res, err = svc.Badges().Unlock(ctx, "u", "streak_7")
	require.NoError(t, err)
	assert.False(t, res.WasNewlyUnlocked)

	p, _ := svc.GetProgress(ctx, "u")
	assert.Equal(t, []string{"streak_7"}, p.Record.UnlockedBadgeIDs)
	assert.Len(t, events.ofType(core.EventBadgeUnlocked), 1)

	_, err = svc.Badges().Unlock(ctx, "u", "not_in_catalog")
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestMilestoneGrantedOnce(t *testing.T) {
	ctx := context.Background()
	store := mem.New()
	svc, _, events := newTestService(t, store, Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	grants, err := svc.Milestones().Process(ctx, "u", 7)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "streak_7", grants[0].Rule.BadgeID)
	assert.Equal(t, int64(100), grants[0].TotalXP)

	grants, err = svc.Milestones().Process(ctx, "u", 7)
	require.NoError(t, err)
	assert.Empty(t, grants)

	p, _ := svc.GetProgress(ctx, "u")
	assert.Equal(t, int64(100), p.Record.XP)
	assert.Equal(t, []string{"streak_7"}, p.Record.UnlockedBadgeIDs)
	assert.Len(t, events.ofType(core.EventMilestoneReached), 1)

	xpEvents := events.ofType(core.EventXPAdded)
	require.Len(t, xpEvents, 1)
	assert.Equal(t, core.SourceMilestone, xpEvents[0].Source)
}

func TestConcurrentMilestoneProcessingPaysOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Milestones().Process(ctx, "u", 30)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, _ := svc.GetProgress(ctx, "u")
	assert.Equal(t, int64(500), p.Record.XP)
}

func TestMilestoneExactMatchVersusSweep(t *testing.T) {
	ctx := context.Background()

	exact, _, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, exact.CreateProfile(ctx, "u"))
	grants, err := exact.Milestones().Process(ctx, "u", 31)
	require.NoError(t, err)
	assert.Empty(t, grants, "skipped thresholds are not granted by default")

	sweep, _, _ := newTestService(t, mem.New(), Options{SweepMissedMilestones: true})
	require.NoError(t, sweep.CreateProfile(ctx, "u"))
	grants, err = sweep.Milestones().Process(ctx, "u", 31)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, int64(600), grants[1].TotalXP)

	grants, err = sweep.Milestones().Process(ctx, "u", 32)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestSeventhDayOfStreakPaysMilestone(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	var res LessonResult
	var err error
	for day := 0; day < 7; day++ {
		res, err = svc.CompleteLesson(ctx, "u", "daily", "", 10)
		require.NoError(t, err)
		clock.addDays(1)
	}
	assert.Equal(t, 7, res.Streak)
	require.Len(t, res.Grants, 1)
	assert.Equal(t, int64(70+100), res.XP)
	assert.Equal(t, "pintinho", res.Level.Name)
}

func TestEnrollTrack(t *testing.T) {
	ctx := context.Background()
	svc, _, events := newTestService(t, mem.New(), Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	added, err := svc.EnrollTrack(ctx, "u", "go")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = svc.EnrollTrack(ctx, "u", "go")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, events.ofType(core.EventTrackEnrolled), 1)

	_, err = svc.EnrollTrack(ctx, "ghost", "go")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

// flakyStore fails streak writes on demand.
type flakyStore struct {
	*mem.Store
	failUpsert bool
}

func (f *flakyStore) UpsertDocument(ctx context.Context, collection, id string, doc core.Document, strategy core.MergeStrategy) error {
	if f.failUpsert {
		return errors.New("connection reset")
	}
	return f.Store.UpsertDocument(ctx, collection, id, doc, strategy)
}

func TestFailedStreakWriteKeepsXP(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: mem.New()}
	svc, _, _ := newTestService(t, store, Options{})
	require.NoError(t, svc.CreateProfile(ctx, "u"))

	store.failUpsert = true
	_, err := svc.CompleteLesson(ctx, "u", "l1", "", 30)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPersistence))

	doc, err := store.GetDocument(ctx, core.CollectionUsers, "u")
	require.NoError(t, err)
	rec, err := core.RecordFromDocument("u", doc)
	require.NoError(t, err)
	assert.Equal(t, int64(30), rec.XP, "no rollback")
	assert.Equal(t, 0, rec.StreakCount)
}

func TestLevelInfoAndFormat(t *testing.T) {
	svc, _, _ := newTestService(t, mem.New(), Options{})
	info, err := svc.LevelInfo(1500)
	require.NoError(t, err)
	assert.Equal(t, "explorador", info.Current.Name)
	_, err = svc.LevelInfo(-1)
	assert.True(t, errors.Is(err, core.ErrValidation))
	assert.Equal(t, "1.2k", svc.FormatXP(1234))
}

func TestGetProgressEstimatesDays(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, mem.New(), Options{DailyXPEstimate: 50})
	require.NoError(t, svc.CreateProfile(ctx, "u"))
	p, err := svc.GetProgress(ctx, "u")
	require.NoError(t, err)
	require.NotNil(t, p.DaysToNextLevel)
	assert.Equal(t, 2, *p.DaysToNextLevel)
}

func TestNewProgressionServiceRejectsUnknownMilestoneBadge(t *testing.T) {
	_, err := NewProgressionService(mem.New(), NewEventBus(DispatchSync), Options{
		Milestones: core.MilestoneRules{{StreakThreshold: 3, XPBonus: 10, BadgeID: "streak_3"}},
	})
	assert.Error(t, err)
}
