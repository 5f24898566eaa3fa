package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"progresskit/core"
)

// Progress mirrors the GET /users/{id} response.
type Progress struct {
	Record          core.ProgressionRecord `json:"record"`
	Level           core.LevelInfo         `json:"level"`
	XPLabel         string                 `json:"xp_label"`
	DaysToNextLevel *int                   `json:"days_to_next_level,omitempty"`
}

// Grant is one milestone paid out during a completion.
type Grant struct {
	Rule    core.MilestoneRule `json:"rule"`
	TotalXP int64              `json:"total_xp"`
}

// CompletionResult is returned by lesson and project completions.
type CompletionResult struct {
	XP              int64          `json:"xp"`
	Level           core.LevelTier `json:"level"`
	Streak          int            `json:"streak"`
	FirstCompletion bool           `json:"first_completion"`
	Grants          []Grant        `json:"grants,omitempty"`
}

// XPResult is returned by AddXP.
type XPResult struct {
	Total int64          `json:"total"`
	Level core.LevelTier `json:"level"`
}

type Track struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Difficulty  string   `json:"difficulty,omitempty"`
	Order       int      `json:"order"`
	LessonIDs   []string `json:"lesson_ids"`
	LessonXP    int64    `json:"lesson_xp"`
}

type Project struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TrackID     string `json:"track_id,omitempty"`
	Difficulty  string `json:"difficulty,omitempty"`
	XPReward    int64  `json:"xp_reward"`
}

// DayStats mirrors GET /stats.
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

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks"`
}

// APIError is a non-2xx response. It matches the core error kinds with errors.Is,
// so callers can test errors.Is(err, core.ErrNotFound).
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case core.ErrValidation:
		return e.Status == http.StatusBadRequest
	case core.ErrNotFound:
		return e.Status == http.StatusNotFound
	case core.ErrConflict:
		return e.Status == http.StatusConflict
	case core.ErrPersistence:
		return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusConflict
	}
	return false
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")
