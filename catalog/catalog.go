// Package catalog reads tracks and projects through the shared TTL cache.
// Reads are cache-aside; every save clears the keys it affects.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"progresskit/cache"
	"progresskit/core"
	"progresskit/engine"
)

// Cache keys.
const (
	KeyTracks        = "tracks"
	KeyProjects      = "projects"
	trackKeyPrefix   = "track:"
	projectKeyPrefix = "project:"
)

func TrackKey(id string) string   { return trackKeyPrefix + id }
func ProjectKey(id string) string { return projectKeyPrefix + id }

// Track is a learning path made of ordered lessons.
type Track struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Difficulty  string   `json:"difficulty,omitempty"`
	Order       int      `json:"order"`
	LessonIDs   []string `json:"lesson_ids"`
	// LessonXP is paid per completed lesson of this track.
	LessonXP int64 `json:"lesson_xp"`
}

// Project is a hands-on assignment, optionally attached to a track.
type Project struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TrackID     string `json:"track_id,omitempty"`
	Difficulty  string `json:"difficulty,omitempty"`
	XPReward    int64  `json:"xp_reward"`
}

// ErrListUnsupported is returned when the store cannot enumerate collections.
var ErrListUnsupported = errors.New("store does not support listing")

// Repository serves catalog reads from the cache and writes to the store.
type Repository struct {
	store engine.DocumentStore
	cache *cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithTTL sets the ttl for cached catalog entries; zero uses the cache default.
func WithTTL(ttl time.Duration) Option { return func(r *Repository) { r.ttl = ttl } }

func WithLogger(l *slog.Logger) Option { return func(r *Repository) { r.log = l } }

func NewRepository(store engine.DocumentStore, c *cache.Cache, opts ...Option) *Repository {
	r := &Repository{store: store, cache: c, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	if r.cache == nil {
		r.cache = cache.New()
	}
	return r
}

// ListTracks returns every track ordered by Order, then id. The result is a
// copy; cached entries are never handed out.
func (r *Repository) ListTracks(ctx context.Context) ([]Track, error) {
	tracks, err := cache.Fetch(ctx, r.cache, KeyTracks, r.ttl, func(ctx context.Context) ([]Track, error) {
		docs, err := r.list(ctx, "ListTracks", core.CollectionTracks)
		if err != nil {
			return nil, err
		}
		out := make([]Track, 0, len(docs))
		for id, doc := range docs {
			t, err := trackFromDocument(id, doc)
			if err != nil {
				return nil, core.Persistence("ListTracks", err)
			}
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Order != out[j].Order {
				return out[i].Order < out[j].Order
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Track, len(tracks))
	for i, t := range tracks {
		out[i] = t.clone()
	}
	return out, nil
}

func (r *Repository) GetTrack(ctx context.Context, id string) (Track, error) {
	const op = "GetTrack"
	if err := core.ValidateID(id); err != nil {
		return Track{}, core.Validation(op, "%v", err)
	}
	t, err := cache.Fetch(ctx, r.cache, TrackKey(id), r.ttl, func(ctx context.Context) (Track, error) {
		doc, err := r.get(ctx, op, core.CollectionTracks, id)
		if err != nil {
			return Track{}, err
		}
		t, err := trackFromDocument(id, doc)
		if err != nil {
			return Track{}, core.Persistence(op, err)
		}
		return t, nil
	})
	return t.clone(), err
}

// ListProjects returns a copy of every project ordered by id.
func (r *Repository) ListProjects(ctx context.Context) ([]Project, error) {
	projects, err := cache.Fetch(ctx, r.cache, KeyProjects, r.ttl, func(ctx context.Context) ([]Project, error) {
		docs, err := r.list(ctx, "ListProjects", core.CollectionProjects)
		if err != nil {
			return nil, err
		}
		out := make([]Project, 0, len(docs))
		for id, doc := range docs {
			p, err := projectFromDocument(id, doc)
			if err != nil {
				return nil, core.Persistence("ListProjects", err)
			}
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(projects), nil
}

func (r *Repository) GetProject(ctx context.Context, id string) (Project, error) {
	const op = "GetProject"
	if err := core.ValidateID(id); err != nil {
		return Project{}, core.Validation(op, "%v", err)
	}
	return cache.Fetch(ctx, r.cache, ProjectKey(id), r.ttl, func(ctx context.Context) (Project, error) {
		doc, err := r.get(ctx, op, core.CollectionProjects, id)
		if err != nil {
			return Project{}, err
		}
		p, err := projectFromDocument(id, doc)
		if err != nil {
			return Project{}, core.Persistence(op, err)
		}
		return p, nil
	})
}

// SaveTrack replaces the stored track and invalidates its cache entries.
func (r *Repository) SaveTrack(ctx context.Context, t Track) error {
	const op = "SaveTrack"
	if err := core.ValidateID(t.ID); err != nil {
		return core.Validation(op, "%v", err)
	}
	if strings.TrimSpace(t.Title) == "" {
		return core.Validation(op, "title is required")
	}
	if t.LessonXP < 0 {
		return core.Validation(op, "lesson xp cannot be negative")
	}
	for _, l := range t.LessonIDs {
		if err := core.ValidateID(l); err != nil {
			return core.Validation(op, "lesson: %v", err)
		}
	}
	if err := r.store.UpsertDocument(ctx, core.CollectionTracks, t.ID, t.document(), core.Replace); err != nil {
		return core.Persistence(op, err)
	}
	r.cache.Clear(KeyTracks)
	r.cache.Clear(TrackKey(t.ID))
	r.log.Info("track saved", "track", t.ID)
	return nil
}

// SaveProject replaces the stored project and invalidates its cache entries.
func (r *Repository) SaveProject(ctx context.Context, p Project) error {
	const op = "SaveProject"
	if err := core.ValidateID(p.ID); err != nil {
		return core.Validation(op, "%v", err)
	}
	if strings.TrimSpace(p.Title) == "" {
		return core.Validation(op, "title is required")
	}
	if p.XPReward < 0 {
		return core.Validation(op, "xp reward cannot be negative")
	}
	if p.TrackID != "" {
		if err := core.ValidateID(p.TrackID); err != nil {
			return core.Validation(op, "track: %v", err)
		}
	}
	if err := r.store.UpsertDocument(ctx, core.CollectionProjects, p.ID, p.document(), core.Replace); err != nil {
		return core.Persistence(op, err)
	}
	r.cache.Clear(KeyProjects)
	r.cache.Clear(ProjectKey(p.ID))
	r.log.Info("project saved", "project", p.ID)
	return nil
}

func (r *Repository) list(ctx context.Context, op, collection string) (map[string]core.Document, error) {
	lister, ok := r.store.(engine.DocumentLister)
	if !ok {
		return nil, core.Persistence(op, ErrListUnsupported)
	}
	docs, err := lister.ListDocuments(ctx, collection)
	if err != nil {
		r.log.Error("catalog list failed", "collection", collection, "error", err)
		return nil, core.Persistence(op, err)
	}
	return docs, nil
}

func (r *Repository) get(ctx context.Context, op, collection, id string) (core.Document, error) {
	doc, err := r.store.GetDocument(ctx, collection, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.NotFound(op, fmt.Sprintf("%s %s not found", strings.TrimSuffix(collection, "s"), id), err)
	}
	if err != nil {
		return nil, core.Persistence(op, err)
	}
	return doc, nil
}

func (t Track) clone() Track {
	if t.LessonIDs != nil {
		t.LessonIDs = slices.Clone(t.LessonIDs)
	}
	return t
}

func (t Track) document() core.Document {
	return core.Document{
		"title":       t.Title,
		"description": t.Description,
		"icon":        t.Icon,
		"difficulty":  t.Difficulty,
		"order":       int64(t.Order),
		"lessonIds":   strings.Join(t.LessonIDs, ","),
		"lessonXp":    t.LessonXP,
	}
}

func trackFromDocument(id string, doc core.Document) (Track, error) {
	t := Track{ID: id}
	var err error
	if t.Title, err = core.DocString(doc, "title"); err != nil {
		return Track{}, err
	}
	if t.Description, err = core.DocString(doc, "description"); err != nil {
		return Track{}, err
	}
	if t.Icon, err = core.DocString(doc, "icon"); err != nil {
		return Track{}, err
	}
	if t.Difficulty, err = core.DocString(doc, "difficulty"); err != nil {
		return Track{}, err
	}
	order, err := core.DocInt(doc, "order")
	if err != nil {
		return Track{}, err
	}
	t.Order = int(order)
	// stores treat string slices as sets, so ordered lessons live in one joined string
	lessons, err := core.DocString(doc, "lessonIds")
	if err != nil {
		return Track{}, err
	}
	t.LessonIDs = []string{}
	if lessons != "" {
		t.LessonIDs = strings.Split(lessons, ",")
	}
	if t.LessonXP, err = core.DocInt(doc, "lessonXp"); err != nil {
		return Track{}, err
	}
	return t, nil
}

func (p Project) document() core.Document {
	return core.Document{
		"title":       p.Title,
		"description": p.Description,
		"trackId":     p.TrackID,
		"difficulty":  p.Difficulty,
		"xpReward":    p.XPReward,
	}
}

func projectFromDocument(id string, doc core.Document) (Project, error) {
	p := Project{ID: id}
	var err error
	if p.Title, err = core.DocString(doc, "title"); err != nil {
		return Project{}, err
	}
	if p.Description, err = core.DocString(doc, "description"); err != nil {
		return Project{}, err
	}
	if p.TrackID, err = core.DocString(doc, "trackId"); err != nil {
		return Project{}, err
	}
	if p.Difficulty, err = core.DocString(doc, "difficulty"); err != nil {
		return Project{}, err
	}
	if p.XPReward, err = core.DocInt(doc, "xpReward"); err != nil {
		return Project{}, err
	}
	return p, nil
}
