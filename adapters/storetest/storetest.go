// Package storetest is the behaviour every engine.DocumentStore adapter must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progresskit/core"
	"progresskit/engine"
)

// Run exercises store against the DocumentStore contract. newStore must return
// an empty store each call. Listing is checked only when the store implements
// engine.DocumentLister.
func Run(t *testing.T, newStore func(t *testing.T) engine.DocumentStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing document", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetDocument(ctx, core.CollectionUsers, "ghost")
		assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)

		_, err = s.AtomicIncrement(ctx, core.CollectionUsers, "ghost", core.FieldXP, 5)
		assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)

		_, err = s.UnionAppend(ctx, core.CollectionUsers, "ghost", core.FieldUnlockedBadgeIDs, "streak_7")
		assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
	})

	t.Run("record round trip", func(t *testing.T) {
		s := newStore(t)
		rec := core.ProgressionRecord{
			UserID:             "ana",
			XP:                 120,
			StreakCount:        3,
			LastCompletionDate: core.MustParseDate("2024-01-10"),
			UnlockedBadgeIDs:   []string{"streak_7"},
			CompletedItemIDs:   []string{"go-1", "go-2"},
			EnrolledTrackIDs:   []string{"go"},
		}
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "ana", rec.Document(), core.MergeOverwrite))

		doc, err := s.GetDocument(ctx, core.CollectionUsers, "ana")
		require.NoError(t, err)
		got, err := core.RecordFromDocument("ana", doc)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("increment", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "u", core.NewRecordDocument(), core.MergeKeepExisting))

		total, err := s.AtomicIncrement(ctx, core.CollectionUsers, "u", core.FieldXP, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(30), total)
		total, err = s.AtomicIncrement(ctx, core.CollectionUsers, "u", core.FieldXP, 12)
		require.NoError(t, err)
		assert.Equal(t, int64(42), total)

		// absent counters start from zero
		n, err := s.AtomicIncrement(ctx, core.CollectionUsers, "u", "bonus", 7)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "u", core.NewRecordDocument(), core.MergeKeepExisting))

		amounts := []int64{5, 10, 20, 40}
		const rounds = 25
		var wg sync.WaitGroup
		for _, a := range amounts {
			wg.Add(1)
			go func(a int64) {
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					_, err := s.AtomicIncrement(ctx, core.CollectionUsers, "u", core.FieldXP, a)
					assert.NoError(t, err)
				}
			}(a)
		}
		wg.Wait()

		doc, err := s.GetDocument(ctx, core.CollectionUsers, "u")
		require.NoError(t, err)
		xp, err := core.DocInt(doc, core.FieldXP)
		require.NoError(t, err)
		assert.Equal(t, int64(75*rounds), xp)
	})

	t.Run("union append is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "u", core.NewRecordDocument(), core.MergeKeepExisting))

		added, err := s.UnionAppend(ctx, core.CollectionUsers, "u", core.FieldUnlockedBadgeIDs, "streak_7")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.UnionAppend(ctx, core.CollectionUsers, "u", core.FieldUnlockedBadgeIDs, "streak_7")
		require.NoError(t, err)
		assert.False(t, added)

		doc, err := s.GetDocument(ctx, core.CollectionUsers, "u")
		require.NoError(t, err)
		badges, err := core.DocStrings(doc, core.FieldUnlockedBadgeIDs)
		require.NoError(t, err)
		assert.Equal(t, []string{"streak_7"}, badges)
	})

	t.Run("concurrent unions add once", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "u", core.NewRecordDocument(), core.MergeKeepExisting))

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			added int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.UnionAppend(ctx, core.CollectionUsers, "u", core.FieldUnlockedBadgeIDs, "streak_30")
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					added++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, added)
	})

	t.Run("merge strategies", func(t *testing.T) {
		s := newStore(t)
		base := core.Document{core.FieldXP: int64(10), core.FieldStreakCount: int64(2)}
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "u", base, core.MergeOverwrite))

		// keep-existing never clobbers, but fills gaps
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "u", core.NewRecordDocument(), core.MergeKeepExisting))
		doc, err := s.GetDocument(ctx, core.CollectionUsers, "u")
		require.NoError(t, err)
		rec, err := core.RecordFromDocument("u", doc)
		require.NoError(t, err)
		assert.Equal(t, int64(10), rec.XP)
		assert.Equal(t, 2, rec.StreakCount)
		assert.Contains(t, doc, core.FieldCompletedItemIDs)

		// overwrite touches only the given fields
		patch := core.Document{core.FieldStreakCount: int64(3), core.FieldLastCompletionDate: "2024-01-11"}
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "u", patch, core.MergeOverwrite))
		doc, err = s.GetDocument(ctx, core.CollectionUsers, "u")
		require.NoError(t, err)
		rec, err = core.RecordFromDocument("u", doc)
		require.NoError(t, err)
		assert.Equal(t, int64(10), rec.XP)
		assert.Equal(t, 3, rec.StreakCount)
		assert.Equal(t, "2024-01-11", rec.LastCompletionDate.String())

		// replace discards everything else
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "u", core.Document{core.FieldXP: int64(1)}, core.Replace))
		doc, err = s.GetDocument(ctx, core.CollectionUsers, "u")
		require.NoError(t, err)
		assert.NotContains(t, doc, core.FieldStreakCount)
		xp, err := core.DocInt(doc, core.FieldXP)
		require.NoError(t, err)
		assert.Equal(t, int64(1), xp)
	})

	t.Run("documents are copies", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionUsers, "u", core.NewRecordDocument(), core.MergeKeepExisting))
		_, err := s.UnionAppend(ctx, core.CollectionUsers, "u", core.FieldCompletedItemIDs, "go-1")
		require.NoError(t, err)

		doc, err := s.GetDocument(ctx, core.CollectionUsers, "u")
		require.NoError(t, err)
		doc[core.FieldXP] = int64(999)

		again, err := s.GetDocument(ctx, core.CollectionUsers, "u")
		require.NoError(t, err)
		xp, _ := core.DocInt(again, core.FieldXP)
		assert.Equal(t, int64(0), xp)
	})

	t.Run("list documents", func(t *testing.T) {
		s := newStore(t)
		lister, ok := s.(engine.DocumentLister)
		if !ok {
			t.Skip("store cannot list")
		}
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionTracks, "go", core.Document{"title": "Go"}, core.MergeOverwrite))
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionTracks, "rust", core.Document{"title": "Rust"}, core.MergeOverwrite))
		require.NoError(t, s.UpsertDocument(ctx, core.CollectionProjects, "cli", core.Document{"title": "CLI"}, core.MergeOverwrite))

		docs, err := lister.ListDocuments(ctx, core.CollectionTracks)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "Go", docs["go"]["title"])
		assert.Equal(t, "Rust", docs["rust"]["title"])

		empty, err := lister.ListDocuments(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}
