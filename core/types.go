package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// UserID uniquely identifies a learner.
type UserID string

// Collections used by the progression layer.
const (
	CollectionUsers    = "users"
	CollectionTracks   = "tracks"
	CollectionProjects = "projects"
)

// ProgressionRecord document fields.
const (
	FieldXP                 = "xp"
	FieldStreakCount        = "streakCount"
	FieldLastCompletionDate = "lastCompletionDate"
	FieldUnlockedBadgeIDs   = "unlockedBadgeIds"
	FieldCompletedItemIDs   = "completedItemIds"
	FieldEnrolledTrackIDs   = "enrolledTrackIds"
)

// Document is the field map exchanged with a document store.
// Counters are int64, scalars are strings and set fields are []string.
type Document map[string]any

// Clone returns a copy that does not share set slices with d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	cp := make(Document, len(d))
	for k, v := range d {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		cp[k] = v
	}
	return cp
}

// MergeStrategy controls how UpsertDocument treats an existing document.
type MergeStrategy int

const (
	// MergeOverwrite creates the document if absent, otherwise overwrites the given fields.
	MergeOverwrite MergeStrategy = iota
	// MergeKeepExisting creates the document if absent, otherwise writes only missing fields.
	MergeKeepExisting
	// Replace discards any existing document.
	Replace
)

func (m MergeStrategy) String() string {
	switch m {
	case MergeOverwrite:
		return "overwrite"
	case MergeKeepExisting:
		return "keep_existing"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("merge(%d)", int(m))
	}
}

// ProgressionRecord is a learner's durable progression state. The store owns it;
// callers get a fresh copy on every read.
type ProgressionRecord struct {
	UserID             UserID   `json:"user_id"`
	XP                 int64    `json:"xp"`
	StreakCount        int      `json:"streak_count"`
	LastCompletionDate Date     `json:"last_completion_date"`
	UnlockedBadgeIDs   []string `json:"unlocked_badge_ids"`
	CompletedItemIDs   []string `json:"completed_item_ids"`
	EnrolledTrackIDs   []string `json:"enrolled_track_ids"`
}

// HasBadge reports whether badge is already unlocked.
func (r ProgressionRecord) HasBadge(badge string) bool {
	return containsString(r.UnlockedBadgeIDs, badge)
}

// HasCompleted reports whether the lesson or project id was completed.
func (r ProgressionRecord) HasCompleted(item string) bool {
	return containsString(r.CompletedItemIDs, item)
}

// NewRecordDocument returns the document written at signup.
func NewRecordDocument() Document {
	return Document{
		FieldXP:               int64(0),
		FieldStreakCount:      int64(0),
		FieldUnlockedBadgeIDs: []string{},
		FieldCompletedItemIDs: []string{},
		FieldEnrolledTrackIDs: []string{},
	}
}

// Document converts the record into store fields.
func (r ProgressionRecord) Document() Document {
	doc := Document{
		FieldXP:               r.XP,
		FieldStreakCount:      int64(r.StreakCount),
		FieldUnlockedBadgeIDs: append([]string{}, r.UnlockedBadgeIDs...),
		FieldCompletedItemIDs: append([]string{}, r.CompletedItemIDs...),
		FieldEnrolledTrackIDs: append([]string{}, r.EnrolledTrackIDs...),
	}
	if !r.LastCompletionDate.IsZero() {
		doc[FieldLastCompletionDate] = r.LastCompletionDate.String()
	}
	return doc
}

// RecordFromDocument decodes a store document. Missing fields take their zero value.
func RecordFromDocument(user UserID, doc Document) (ProgressionRecord, error) {
	rec := ProgressionRecord{UserID: user}
	var err error
	if rec.XP, err = DocInt(doc, FieldXP); err != nil {
		return ProgressionRecord{}, err
	}
	streak, err := DocInt(doc, FieldStreakCount)
	if err != nil {
		return ProgressionRecord{}, err
	}
	rec.StreakCount = int(streak)
	if s, err := DocString(doc, FieldLastCompletionDate); err != nil {
		return ProgressionRecord{}, err
	} else if s != "" {
		if rec.LastCompletionDate, err = ParseDate(s); err != nil {
			return ProgressionRecord{}, fmt.Errorf("field %s: %w", FieldLastCompletionDate, err)
		}
	}
	if rec.UnlockedBadgeIDs, err = DocStrings(doc, FieldUnlockedBadgeIDs); err != nil {
		return ProgressionRecord{}, err
	}
	if rec.CompletedItemIDs, err = DocStrings(doc, FieldCompletedItemIDs); err != nil {
		return ProgressionRecord{}, err
	}
	if rec.EnrolledTrackIDs, err = DocStrings(doc, FieldEnrolledTrackIDs); err != nil {
		return ProgressionRecord{}, err
	}
	return rec, nil
}

// DocInt reads an integer field, accepting the numeric shapes JSON-backed stores produce.
func DocInt(doc Document, field string) (int64, error) {
	v, ok := doc[field]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("field %s: non-integer value %v", field, n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", field, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("field %s: unexpected type %T", field, v)
	}
}

// DocString reads a string field.
func DocString(doc Document, field string) (string, error) {
	v, ok := doc[field]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: unexpected type %T", field, v)
	}
	return s, nil
}

// DocStrings reads a set field as a sorted slice.
func DocStrings(doc Document, field string) ([]string, error) {
	v, ok := doc[field]
	if !ok || v == nil {
		return []string{}, nil
	}
	var out []string
	switch s := v.(type) {
	case []string:
		out = append([]string{}, s...)
	case []any:
		out = make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("field %s: unexpected element type %T", field, item)
			}
			out = append(out, str)
		}
	default:
		return nil, fmt.Errorf("field %s: unexpected type %T", field, v)
	}
	sort.Strings(out)
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}

// ValidateID ensures a non-empty badge, lesson or track id with a simple charset
// check. Ids are stored as given, so surrounding whitespace is rejected rather
// than trimmed.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("empty id")
	}
	// simple check: alnum, dash, underscore
	for _, r := range id {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}
