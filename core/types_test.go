package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSafe(t *testing.T) {
	if v, err := AddSafe(10, 5); err != nil || v != 15 {
		t.Fatalf("got %v %v", v, err)
	}
	if _, err := AddSafe(math.MaxInt64, 1); err == nil {
		t.Fatalf("expected overflow")
	}
}

func TestNormalizeUserID(t *testing.T) {
	id, err := NormalizeUserID(" Alice ")
	if err != nil || id != "alice" {
		t.Fatalf("got %v %v", id, err)
	}
	if _, err := NormalizeUserID("   "); err == nil {
		t.Fatalf("expected empty error")
	}
}

func TestValidateID(t *testing.T) {
	if err := ValidateID("streak_7"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := ValidateID("bad badge"); err == nil {
		t.Fatalf("expected invalid id err")
	}
	for _, id := range []string{"", "   ", " l1 ", "l1\n", "\tl1"} {
		assert.Error(t, ValidateID(id), "id %q", id)
	}
}

func TestRecordDocumentRoundTrip(t *testing.T) {
	rec := ProgressionRecord{
		UserID:             "ana",
		XP:                 120,
		StreakCount:        3,
		LastCompletionDate: MustParseDate("2024-01-10"),
		UnlockedBadgeIDs:   []string{"streak_7"},
		CompletedItemIDs:   []string{"lesson-2", "lesson-1"},
		EnrolledTrackIDs:   []string{"go"},
	}
	got, err := RecordFromDocument("ana", rec.Document())
	require.NoError(t, err)
	assert.Equal(t, int64(120), got.XP)
	assert.Equal(t, 3, got.StreakCount)
	assert.Equal(t, rec.LastCompletionDate, got.LastCompletionDate)
	assert.Equal(t, []string{"lesson-1", "lesson-2"}, got.CompletedItemIDs)
	assert.True(t, got.HasBadge("streak_7"))
	assert.True(t, got.HasCompleted("lesson-1"))
}

func TestRecordFromJSONDecodedDocument(t *testing.T) {
	raw := `{"xp": 42, "streakCount": 2, "lastCompletionDate": "2024-02-29", "unlockedBadgeIds": ["a", "b"]}`
	var doc Document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))

	rec, err := RecordFromDocument("u", doc)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.XP)
	assert.Equal(t, 2, rec.StreakCount)
	assert.Equal(t, Date{Year: 2024, Month: 2, Day: 29}, rec.LastCompletionDate)
	assert.Equal(t, []string{"a", "b"}, rec.UnlockedBadgeIDs)
	assert.Empty(t, rec.EnrolledTrackIDs)
}

func TestRecordFromDocumentRejectsBadShapes(t *testing.T) {
	_, err := RecordFromDocument("u", Document{FieldXP: "lots"})
	assert.Error(t, err)
	_, err = RecordFromDocument("u", Document{FieldXP: 1.5})
	assert.Error(t, err)
	_, err = RecordFromDocument("u", Document{FieldLastCompletionDate: "yesterday"})
	assert.Error(t, err)
}

func TestDocumentCloneDoesNotShareSets(t *testing.T) {
	doc := Document{FieldCompletedItemIDs: []string{"a"}}
	cp := doc.Clone()
	cp[FieldCompletedItemIDs] = append(cp[FieldCompletedItemIDs].([]string), "b")
	assert.Equal(t, []string{"a"}, doc[FieldCompletedItemIDs])
}

func TestErrorKinds(t *testing.T) {
	err := Validation("AddXP", "amount must be positive, got %d", 0)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrPersistence))
	assert.Equal(t, "AddXP: amount must be positive, got 0", err.Error())

	cause := fmt.Errorf("users/ana: %w", ErrNotFound)
	nf := NotFound("AddXP", "user ana", cause)
	assert.True(t, errors.Is(nf, ErrNotFound))
	assert.Equal(t, ErrNotFound, KindOf(nf))

	conflict := Conflict("UpsertDocument", errors.New("watch failed"))
	assert.True(t, errors.Is(conflict, ErrConflict))
	assert.True(t, errors.Is(conflict, ErrPersistence), "conflicts are not yet distinguished from persistence failures")

	assert.Nil(t, KindOf(errors.New("plain")))
}

func TestDateArithmetic(t *testing.T) {
	d := MustParseDate("2024-02-28")
	assert.Equal(t, "2024-02-29", d.AddDays(1).String())
	assert.Equal(t, "2024-03-01", d.AddDays(2).String())
	assert.Equal(t, "2025-01-01", MustParseDate("2024-12-31").AddDays(1).String())
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, Date{}.IsZero())
	assert.Equal(t, "", Date{}.String())

	b, err := json.Marshal(struct {
		D Date `json:"d"`
		Z Date `json:"z"`
	}{D: d})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2024-02-28","z":null}`, string(b))

	var back struct{ D, Z Date }
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, d, back.D)
	assert.True(t, back.Z.IsZero())
}

func TestMilestoneRules(t *testing.T) {
	rules := DefaultMilestones()
	require.NoError(t, rules.Validate())

	assert.Equal(t, []MilestoneRule{rules[0]}, rules.Due(7, false))
	assert.Empty(t, rules.Due(8, false))
	assert.Equal(t, []MilestoneRule{rules[0], rules[1]}, rules.Due(45, true))

	bad := MilestoneRules{{StreakThreshold: 7, BadgeID: "a"}, {StreakThreshold: 7, BadgeID: "b"}}
	assert.Error(t, bad.Validate())
	dup := MilestoneRules{{StreakThreshold: 7, BadgeID: "a"}, {StreakThreshold: 8, BadgeID: "a"}}
	assert.Error(t, dup.Validate())
}

func TestBadgeCatalog(t *testing.T) {
	cat, err := NewBadgeCatalog(DefaultBadges()...)
	require.NoError(t, err)
	b, ok := cat.Get("streak_100")
	require.True(t, ok)
	assert.True(t, b.IsRare)
	assert.Len(t, cat.All(), 3)

	_, err = NewBadgeCatalog(Badge{ID: "x"}, Badge{ID: "x"})
	assert.Error(t, err)
}
