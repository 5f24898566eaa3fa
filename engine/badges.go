package engine

import (
	"context"
	"log/slog"

	"progresskit/core"
)

// UnlockResult tells the caller whether to celebrate.
type UnlockResult struct {
	WasNewlyUnlocked bool `json:"was_newly_unlocked"`
}

// BadgeUnlocker grants badges through a set-union append, so unlocking twice
// is a no-op the second time.
type BadgeUnlocker struct {
	store   DocumentStore
	catalog *core.BadgeCatalog
	bus     *EventBus
	log     *slog.Logger
}

// NewBadgeUnlocker builds an unlocker. With a nil catalog any well-formed id is accepted.
func NewBadgeUnlocker(store DocumentStore, catalog *core.BadgeCatalog, bus *EventBus, logger *slog.Logger) *BadgeUnlocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgeUnlocker{store: store, catalog: catalog, bus: bus, log: logger}
}

func (u *BadgeUnlocker) Unlock(ctx context.Context, user core.UserID, badge string) (UnlockResult, error) {
	const op = "Unlock"
	normalized, err := normalizeUser(op, user)
	if err != nil {
		return UnlockResult{}, err
	}
	if err := core.ValidateID(badge); err != nil {
		return UnlockResult{}, core.Validation(op, "%v", err)
	}
	if u.catalog != nil {
		if _, ok := u.catalog.Get(badge); !ok {
			return UnlockResult{}, core.Validation(op, "unknown badge %q", badge)
		}
	}

	added, err := u.store.UnionAppend(ctx, core.CollectionUsers, string(normalized), core.FieldUnlockedBadgeIDs, badge)
	if err != nil {
		u.log.Error("unlock badge failed", "user", normalized, "badge", badge, "error", err)
		return UnlockResult{}, storeError(op, normalized, err)
	}
	if added {
		u.log.Info("badge unlocked", "user", normalized, "badge", badge)
		publish(ctx, u.bus, core.NewBadgeUnlocked(normalized, badge))
	}
	return UnlockResult{WasNewlyUnlocked: added}, nil
}
