package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"progresskit/core"
)

// XPAccumulator applies XP as a store-side atomic increment so concurrent
// sessions for one learner both count in full.
type XPAccumulator struct {
	store  DocumentStore
	levels *core.LevelTable
	bus    *EventBus
	log    *slog.Logger
}

func NewXPAccumulator(store DocumentStore, levels *core.LevelTable, bus *EventBus, logger *slog.Logger) *XPAccumulator {
	if logger == nil {
		logger = slog.Default()
	}
	if levels == nil {
		levels = core.DefaultLevelTable()
	}
	return &XPAccumulator{store: store, levels: levels, bus: bus, log: logger}
}

// AddXP adds a positive amount and returns the new total. Input is validated
// before the store is touched; store failures are not retried here.
func (a *XPAccumulator) AddXP(ctx context.Context, user core.UserID, amount int64, source string) (int64, error) {
	const op = "AddXP"
	normalized, err := normalizeUser(op, user)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, core.Validation(op, "amount must be positive, got %d", amount)
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return 0, core.Validation(op, "source tag is required")
	}

	total, err := a.store.AtomicIncrement(ctx, core.CollectionUsers, string(normalized), core.FieldXP, amount)
	if err != nil {
		a.log.Error("add xp failed", "user", normalized, "amount", amount, "source", source, "error", err)
		return 0, storeError(op, normalized, err)
	}
	a.log.Debug("xp added", "user", normalized, "amount", amount, "source", source, "total", total)

	publish(ctx, a.bus, core.NewXPAdded(normalized, source, amount, total))
	a.detectLevelUp(ctx, normalized, total-amount, total)
	return total, nil
}

func (a *XPAccumulator) detectLevelUp(ctx context.Context, user core.UserID, before, after int64) {
	if before < 0 {
		before = 0
	}
	prev, err1 := a.levels.LevelForXP(before)
	next, err2 := a.levels.LevelForXP(after)
	if err1 != nil || err2 != nil || prev.ID == next.ID {
		return
	}
	a.log.Info("level up", "user", user, "level", next.Name, "xp", after)
	publish(ctx, a.bus, core.NewLevelUp(user, next, after))
}

func normalizeUser(op string, user core.UserID) (core.UserID, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return "", core.Validation(op, "%v", err)
	}
	return normalized, nil
}

// storeError classifies an adapter error. Already classified errors pass through.
func storeError(op string, user core.UserID, err error) error {
	var classified *core.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, core.ErrNotFound) {
		return core.NotFound(op, fmt.Sprintf("no progression record for %s", user), err)
	}
	return core.Persistence(op, err)
}

func publish(ctx context.Context, bus *EventBus, ev core.Event) {
	if bus != nil {
		bus.Publish(ctx, ev)
	}
}
