package analytics

import (
	"context"

	"progresskit/core"
)

// BridgeHook fans one event source out to multiple hooks.
type BridgeHook struct{ hooks []Hook }

func NewBridge(hooks ...Hook) *BridgeHook { return &BridgeHook{hooks: hooks} }

func (b *BridgeHook) OnEvent(ctx context.Context, e core.Event) {
	for _, h := range b.hooks {
		h.OnEvent(ctx, e)
	}
}

// HookFunc adapts a plain function to Hook.
type HookFunc func(ctx context.Context, e core.Event)

func (f HookFunc) OnEvent(ctx context.Context, e core.Event) { f(ctx, e) }
