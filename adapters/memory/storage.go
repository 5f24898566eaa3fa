package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"progresskit/core"
)

// Store is a concurrent in-memory document store. Each document has its own
// mutex, which is what makes increments and set unions atomic.
type Store struct {
	docs sync.Map // map[docKey]*docRecord
}

type docKey struct{ collection, id string }

type docRecord struct {
	mu     sync.Mutex
	exists bool
	doc    core.Document
}

func New() *Store { return &Store{} }

func (s *Store) getOrCreate(collection, id string) *docRecord {
	key := docKey{collection, id}
	if v, ok := s.docs.Load(key); ok {
		return v.(*docRecord)
	}
	actual, _ := s.docs.LoadOrStore(key, &docRecord{})
	return actual.(*docRecord)
}

func (s *Store) lookup(collection, id string) (*docRecord, bool) {
	v, ok := s.docs.Load(docKey{collection, id})
	if !ok {
		return nil, false
	}
	return v.(*docRecord), true
}

func notFound(collection, id string) error {
	return fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, id)
}

func (s *Store) GetDocument(_ context.Context, collection, id string) (core.Document, error) {
	rec, ok := s.lookup(collection, id)
	if !ok {
		return nil, notFound(collection, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.exists {
		return nil, notFound(collection, id)
	}
	return rec.doc.Clone(), nil
}

func (s *Store) AtomicIncrement(_ context.Context, collection, id, field string, amount int64) (int64, error) {
	rec, ok := s.lookup(collection, id)
	if !ok {
		return 0, notFound(collection, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.exists {
		return 0, notFound(collection, id)
	}
	current, err := core.DocInt(rec.doc, field)
	if err != nil {
		return 0, err
	}
	next, err := core.AddSafe(current, amount)
	if err != nil {
		return 0, err
	}
	rec.doc[field] = next
	return next, nil
}

func (s *Store) UnionAppend(_ context.Context, collection, id, field, value string) (bool, error) {
	rec, ok := s.lookup(collection, id)
	if !ok {
		return false, notFound(collection, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.exists {
		return false, notFound(collection, id)
	}
	set, err := core.DocStrings(rec.doc, field)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(set, value)
	if i < len(set) && set[i] == value {
		return false, nil
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = value
	rec.doc[field] = set
	return true, nil
}

func (s *Store) UpsertDocument(_ context.Context, collection, id string, doc core.Document, strategy core.MergeStrategy) error {
	rec := s.getOrCreate(collection, id)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	incoming := normalize(doc)
	if !rec.exists || strategy == core.Replace {
		rec.doc = incoming
		rec.exists = true
		return nil
	}
	for k, v := range incoming {
		if _, present := rec.doc[k]; present && strategy == core.MergeKeepExisting {
			continue
		}
		rec.doc[k] = v
	}
	return nil
}

// ListDocuments returns every document in collection keyed by id.
func (s *Store) ListDocuments(_ context.Context, collection string) (map[string]core.Document, error) {
	out := make(map[string]core.Document)
	s.docs.Range(func(k, v any) bool {
		key := k.(docKey)
		if key.collection != collection {
			return true
		}
		rec := v.(*docRecord)
		rec.mu.Lock()
		if rec.exists {
			out[key.id] = rec.doc.Clone()
		}
		rec.mu.Unlock()
		return true
	})
	return out, nil
}

// normalize copies doc, storing integers as int64 and sets as sorted, unique slices.
func normalize(doc core.Document) core.Document {
	out := make(core.Document, len(doc))
	for k, v := range doc {
		switch t := v.(type) {
		case int:
			v = int64(t)
		case int32:
			v = int64(t)
		case []string:
			v = uniqueSorted(t)
		}
		out[k] = v
	}
	return out
}

func uniqueSorted(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	w := 0
	for i, s := range out {
		if i > 0 && s == out[w-1] {
			continue
		}
		out[w] = s
		w++
	}
	return out[:w]
}
