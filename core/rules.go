package core

import "fmt"

// MilestoneRule grants a one-time bonus when a streak first reaches StreakThreshold.
type MilestoneRule struct {
	StreakThreshold int    `json:"streak_threshold"`
	XPBonus         int64  `json:"xp_bonus"`
	BadgeID         string `json:"badge_id"`
}

// MilestoneRules is ordered by ascending threshold.
type MilestoneRules []MilestoneRule

// DefaultMilestones are the 7/30/100 day streak rewards.
func DefaultMilestones() MilestoneRules {
	return MilestoneRules{
		{StreakThreshold: 7, XPBonus: 100, BadgeID: "streak_7"},
		{StreakThreshold: 30, XPBonus: 500, BadgeID: "streak_30"},
		{StreakThreshold: 100, XPBonus: 2000, BadgeID: "streak_100"},
	}
}

// Validate checks ordering and uniqueness. The badge id is the grant record,
// so two rules sharing a badge could never both fire.
func (rs MilestoneRules) Validate() error {
	badges := make(map[string]struct{}, len(rs))
	for i, r := range rs {
		if r.StreakThreshold <= 0 {
			return fmt.Errorf("milestone %d: threshold must be positive", i)
		}
		if r.XPBonus < 0 {
			return fmt.Errorf("milestone %d: negative xp bonus", i)
		}
		if err := ValidateID(r.BadgeID); err != nil {
			return fmt.Errorf("milestone %d: %w", i, err)
		}
		if i > 0 && r.StreakThreshold <= rs[i-1].StreakThreshold {
			return fmt.Errorf("milestone %d: thresholds must be strictly ascending", i)
		}
		if _, dup := badges[r.BadgeID]; dup {
			return fmt.Errorf("milestone %d: badge %q used twice", i, r.BadgeID)
		}
		badges[r.BadgeID] = struct{}{}
	}
	return nil
}

// Due returns the rules a streak qualifies for: the exact threshold match, or
// every threshold at or below streak when sweep is set.
func (rs MilestoneRules) Due(streak int, sweep bool) []MilestoneRule {
	var out []MilestoneRule
	for _, r := range rs {
		if r.StreakThreshold == streak || (sweep && r.StreakThreshold <= streak) {
			out = append(out, r)
		}
	}
	return out
}
