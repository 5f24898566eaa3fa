package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progresskit/core"
)

func TestEventBusSync(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	count := 0
	unsub := bus.Subscribe(core.EventXPAdded, func(ctx context.Context, e core.Event) { count++ })
	bus.Publish(context.Background(), core.NewXPAdded("u", core.SourceLesson, 1, 1))
	assert.Equal(t, 1, count)

	unsub()
	bus.Publish(context.Background(), core.NewXPAdded("u", core.SourceLesson, 1, 2))
	assert.Equal(t, 1, count)
}

func TestEventBusAsync(t *testing.T) {
	bus := NewEventBus(DispatchAsync)
	defer bus.Close()
	ch := make(chan struct{})
	bus.Subscribe(core.EventXPAdded, func(ctx context.Context, e core.Event) { close(ch) })
	bus.Publish(context.Background(), core.NewXPAdded("u", core.SourceLesson, 1, 1))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestEventBusCloseDrainsQueue(t *testing.T) {
	bus := NewEventBusSize(DispatchAsync, 64, 1)
	var got atomic.Int64
	bus.Subscribe(core.EventBadgeUnlocked, func(context.Context, core.Event) { got.Add(1) })
	for i := 0; i < 20; i++ {
		bus.Publish(context.Background(), core.NewBadgeUnlocked("u", "streak_7"))
	}
	bus.Close()
	bus.Close()
	assert.Equal(t, int64(20), got.Load()+bus.Dropped())

	bus.Publish(context.Background(), core.NewBadgeUnlocked("u", "streak_7"))
	assert.Equal(t, int64(21), got.Load()+bus.Dropped(), "publishing after close drops")
}

func TestEventBusSubscribeAll(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	var seen []core.EventType
	unsub := bus.SubscribeAll(func(_ context.Context, e core.Event) { seen = append(seen, e.Type) })

	bus.Publish(context.Background(), core.NewTrackEnrolled("u", "go"))
	bus.Publish(context.Background(), core.NewLevelUp("u", core.DefaultTiers()[1], 100))
	require.Equal(t, []core.EventType{core.EventTrackEnrolled, core.EventLevelUp}, seen)

	unsub()
	bus.Publish(context.Background(), core.NewTrackEnrolled("u", "rust"))
	assert.Len(t, seen, 2)
}
