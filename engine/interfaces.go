package engine

import (
	"context"
	"time"

	"progresskit/core"
)

// DocumentStore is the backing store the engine runs against. Implementations
// must make AtomicIncrement and UnionAppend atomic per document so concurrent
// callers never lose an update. A missing document is reported with an error
// wrapping core.ErrNotFound.
type DocumentStore interface {
	GetDocument(ctx context.Context, collection, id string) (core.Document, error)
	// AtomicIncrement adds amount to an integer field and returns the new value.
	AtomicIncrement(ctx context.Context, collection, id, field string, amount int64) (int64, error)
	// UnionAppend adds value to a set field and reports whether it was absent.
	UnionAppend(ctx context.Context, collection, id, field, value string) (bool, error)
	// UpsertDocument creates the document if absent, otherwise merges per strategy.
	UpsertDocument(ctx context.Context, collection, id string, doc core.Document, strategy core.MergeStrategy) error
}

// DocumentLister is implemented by stores that can enumerate a collection.
type DocumentLister interface {
	ListDocuments(ctx context.Context, collection string) (map[string]core.Document, error)
}

// Clock supplies the current instant; "today" is derived from it in a configured zone.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
func SystemClock() Clock { return ClockFunc(time.Now) }
