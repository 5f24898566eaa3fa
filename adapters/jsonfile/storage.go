package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"progresskit/core"
)

// Store persists every collection to a single JSON file, rewritten atomically
// on each mutation. Suitable for demos and small deployments.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory copy of the file
	data map[string]map[string]core.Document
}

func New(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]map[string]core.Document{}}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]map[string]map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	for collection, docs := range raw {
		m := make(map[string]core.Document, len(docs))
		for id, fields := range docs {
			m[id] = normalize(fields)
		}
		s.data[collection] = m
	}
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// mutate applies fn to a copy of the document and keeps it only if the file
// write succeeds, so memory never runs ahead of disk.
func (s *Store) mutate(collection, id string, create bool, fn func(doc core.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data[collection][id]
	if !ok && !create {
		return fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, id)
	}
	next := current.Clone()
	if next == nil {
		next = core.Document{}
	}
	if err := fn(next); err != nil {
		return err
	}
	if s.data[collection] == nil {
		s.data[collection] = map[string]core.Document{}
	}
	s.data[collection][id] = next
	if err := s.persist(); err != nil {
		if ok {
			s.data[collection][id] = current
		} else {
			delete(s.data[collection], id)
		}
		return fmt.Errorf("persist %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) GetDocument(_ context.Context, collection, id string) (core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[collection][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, id)
	}
	return doc.Clone(), nil
}

func (s *Store) AtomicIncrement(_ context.Context, collection, id, field string, amount int64) (int64, error) {
	var total int64
	err := s.mutate(collection, id, false, func(doc core.Document) error {
		current, err := core.DocInt(doc, field)
		if err != nil {
			return err
		}
		if total, err = core.AddSafe(current, amount); err != nil {
			return err
		}
		doc[field] = total
		return nil
	})
	return total, err
}

func (s *Store) UnionAppend(_ context.Context, collection, id, field, value string) (bool, error) {
	var added bool
	err := s.mutate(collection, id, false, func(doc core.Document) error {
		set, err := core.DocStrings(doc, field)
		if err != nil {
			return err
		}
		i := sort.SearchStrings(set, value)
		if i < len(set) && set[i] == value {
			return nil
		}
		added = true
		doc[field] = append(set[:i:i], append([]string{value}, set[i:]...)...)
		return nil
	})
	return added, err
}

func (s *Store) UpsertDocument(_ context.Context, collection, id string, doc core.Document, strategy core.MergeStrategy) error {
	incoming := normalize(doc)
	return s.mutate(collection, id, true, func(existing core.Document) error {
		if strategy == core.Replace {
			for k := range existing {
				delete(existing, k)
			}
		}
		for k, v := range incoming {
			if _, present := existing[k]; present && strategy == core.MergeKeepExisting {
				continue
			}
			existing[k] = v
		}
		return nil
	})
}

// ListDocuments returns every document in collection keyed by id.
func (s *Store) ListDocuments(_ context.Context, collection string) (map[string]core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]core.Document, len(s.data[collection]))
	for id, doc := range s.data[collection] {
		out[id] = doc.Clone()
	}
	return out, nil
}

// normalize converts JSON-decoded values to the store's shapes: exact
// integers as int64 and string arrays as sorted []string.
func normalize(fields map[string]any) core.Document {
	doc := make(core.Document, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case json.Number:
			if i, err := t.Int64(); err == nil {
				v = i
			}
		case int:
			v = int64(t)
		case []string, []any:
			if set, err := core.DocStrings(core.Document{k: t}, k); err == nil {
				v = dedupe(set)
			}
		}
		doc[k] = v
	}
	return doc
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
