package engine

import (
	"context"
	"log/slog"

	"progresskit/core"
)

// Grant is a milestone reward paid out by Process.
type Grant struct {
	Rule    core.MilestoneRule `json:"rule"`
	TotalXP int64              `json:"total_xp"`
}

// MilestoneEngine pays one-time streak rewards. The rule's badge doubles as
// the grant record: a rule whose badge is already unlocked is never paid again.
type MilestoneEngine struct {
	rules  core.MilestoneRules
	sweep  bool
	store  DocumentStore
	xp     *XPAccumulator
	badges *BadgeUnlocker
	bus    *EventBus
	log    *slog.Logger
}

// NewMilestoneEngine validates rules. With sweep set, every threshold at or
// below the streak is due instead of only the exact match.
func NewMilestoneEngine(rules core.MilestoneRules, sweep bool, store DocumentStore, xp *XPAccumulator, badges *BadgeUnlocker, bus *EventBus, logger *slog.Logger) (*MilestoneEngine, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MilestoneEngine{
		rules:  append(core.MilestoneRules(nil), rules...),
		sweep:  sweep,
		store:  store,
		xp:     xp,
		badges: badges,
		bus:    bus,
		log:    logger,
	}, nil
}

// Rules returns the configured rules.
func (m *MilestoneEngine) Rules() core.MilestoneRules { return append(core.MilestoneRules(nil), m.rules...) }

// Process grants every due, not yet granted milestone for streak. The badge is
// unioned first and the XP bonus is paid only when the union reports it new,
// so two processors racing on the same streak pay once. Grants made before a
// failure are returned together with the error.
func (m *MilestoneEngine) Process(ctx context.Context, user core.UserID, streak int) ([]Grant, error) {
	const op = "ProcessMilestones"
	normalized, err := normalizeUser(op, user)
	if err != nil {
		return nil, err
	}
	due := m.rules.Due(streak, m.sweep)
	if len(due) == 0 {
		return nil, nil
	}

	doc, err := m.store.GetDocument(ctx, core.CollectionUsers, string(normalized))
	if err != nil {
		return nil, storeError(op, normalized, err)
	}
	rec, err := core.RecordFromDocument(normalized, doc)
	if err != nil {
		return nil, core.Persistence(op, err)
	}

	var grants []Grant
	for _, rule := range due {
		if rec.HasBadge(rule.BadgeID) {
			m.log.Debug("milestone already granted", "user", normalized, "threshold", rule.StreakThreshold)
			continue
		}
		res, err := m.badges.Unlock(ctx, normalized, rule.BadgeID)
		if err != nil {
			return grants, err
		}
		if !res.WasNewlyUnlocked {
			continue
		}
		grant := Grant{Rule: rule, TotalXP: rec.XP}
		if rule.XPBonus > 0 {
			total, err := m.xp.AddXP(ctx, normalized, rule.XPBonus, core.SourceMilestone)
			if err != nil {
				return grants, err
			}
			grant.TotalXP = total
		}
		m.log.Info("milestone reached", "user", normalized, "threshold", rule.StreakThreshold, "bonus", rule.XPBonus)
		publish(ctx, m.bus, core.NewMilestoneReached(normalized, rule))
		grants = append(grants, grant)
	}
	return grants, nil
}
