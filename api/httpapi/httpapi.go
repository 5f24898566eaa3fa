// Package httpapi exposes the progression service over REST and a WebSocket stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	wsadapter "progresskit/adapters/websocket"
	"progresskit/analytics"
	"progresskit/catalog"
	"progresskit/core"
	"progresskit/engine"
	"progresskit/metrics"
	"progresskit/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client IP.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitIdle drops a client's limiter after this long without requests.
	// Zero uses DefaultRateLimitIdle.
	RateLimitIdle time.Duration
	// Stats serves GET /stats when set.
	Stats *analytics.Stats
	// Metrics instruments every route when set.
	Metrics   *metrics.Collector
	WebSocket wsadapter.Options
	Logger    *slog.Logger
}

type api struct {
	svc     *engine.ProgressionService
	catalog *catalog.Repository
	stats   *analytics.Stats
	log     *slog.Logger
}

// NewMux builds an http.Handler exposing the progression REST API.
// Routes (relative to the prefix):
//   - GET  /healthz
//   - GET  /levels[?xp=N]
//   - GET  /tracks, /tracks/{id}, /projects, /projects/{id}
//   - PUT  /tracks/{id}, /projects/{id}
//   - POST /users/{id}, GET /users/{id}
//   - POST /users/{id}/xp?amount=&source=
//   - POST /users/{id}/lessons/{lesson}?track=&xp=
//   - POST /users/{id}/projects/{project}?xp=
//   - POST /users/{id}/tracks/{track}
//   - GET  /stats[?day=YYYY-MM-DD]
//   - WS   /ws
func NewMux(svc *engine.ProgressionService, repo *catalog.Repository, hub *realtime.Hub, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &api{svc: svc, catalog: repo, stats: opts.Stats, log: opts.Logger}
	mux := http.NewServeMux()

	handle := func(method, path string, h http.HandlerFunc) {
		route := withPrefix(opts.PathPrefix, path)
		var handler http.Handler = h
		if opts.Metrics != nil {
			handler = opts.Metrics.InstrumentHandler(handler, func(*http.Request) string { return route })
		}
		mux.Handle(method+" "+route, handler)
	}

	handle(http.MethodGet, "/healthz", a.health)
	handle(http.MethodGet, "/levels", a.levels)
	if repo != nil {
		handle(http.MethodGet, "/tracks", a.listTracks)
		handle(http.MethodGet, "/tracks/{id}", a.getTrack)
		handle(http.MethodPut, "/tracks/{id}", a.saveTrack)
		handle(http.MethodGet, "/projects", a.listProjects)
		handle(http.MethodGet, "/projects/{id}", a.getProject)
		handle(http.MethodPut, "/projects/{id}", a.saveProject)
	}
	handle(http.MethodPost, "/users/{id}", a.createProfile)
	handle(http.MethodGet, "/users/{id}", a.getProgress)
	handle(http.MethodPost, "/users/{id}/xp", a.addXP)
	handle(http.MethodPost, "/users/{id}/lessons/{lesson}", a.completeLesson)
	handle(http.MethodPost, "/users/{id}/projects/{project}", a.completeProject)
	handle(http.MethodPost, "/users/{id}/tracks/{track}", a.enrollTrack)
	if opts.Stats != nil {
		handle(http.MethodGet, "/stats", a.dayStats)
	}

	// WebSocket events
	if hub != nil {
		ws := opts.WebSocket
		if ws.Logger == nil {
			ws.Logger = opts.Logger
		}
		mux.Handle(withPrefix(opts.PathPrefix, "/ws"), wsadapter.Handler(hub, ws))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})

	var handler http.Handler = mux
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, newRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitIdle, time.Now))
	}
	return withRequestID(handler)
}

const healthProbeUser = core.UserID("healthcheck_probe")

// health reads a probe record. A missing record still proves the store answered.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	_, err := a.svc.GetProgress(r.Context(), healthProbeUser)
	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{"storage": "ok"},
	}
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		a.log.Warn("health check failed", "error", err)
		status["status"] = "unhealthy"
		status["checks"] = map[string]any{"storage": "failed"}
		writeJSONStatus(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, status)
}

func (a *api) levels(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("xp")
	if raw == "" {
		writeJSON(w, map[string]any{"tiers": a.svc.Levels().Tiers()})
		return
	}
	xp, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_xp", "xp must be an integer", nil)
		return
	}
	info, err := a.svc.LevelInfo(xp)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"level": info, "xp_label": a.svc.FormatXP(xp)})
}

func (a *api) listTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := a.catalog.ListTracks(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"tracks": tracks})
}

func (a *api) getTrack(w http.ResponseWriter, r *http.Request) {
	t, err := a.catalog.GetTrack(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, t)
}

func (a *api) saveTrack(w http.ResponseWriter, r *http.Request) {
	var t catalog.Track
	if !decodeBody(w, r, &t) {
		return
	}
	t.ID = r.PathValue("id")
	if err := a.catalog.SaveTrack(r.Context(), t); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, t)
}

func (a *api) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := a.catalog.ListProjects(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"projects": projects})
}

func (a *api) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.catalog.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, p)
}

func (a *api) saveProject(w http.ResponseWriter, r *http.Request) {
	var p catalog.Project
	if !decodeBody(w, r, &p) {
		return
	}
	p.ID = r.PathValue("id")
	if err := a.catalog.SaveProject(r.Context(), p); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, p)
}

func (a *api) createProfile(w http.ResponseWriter, r *http.Request) {
	user := core.UserID(r.PathValue("id"))
	if err := a.svc.CreateProfile(r.Context(), user); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"ok": true})
}

func (a *api) getProgress(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.GetProgress(r.Context(), core.UserID(r.PathValue("id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, p)
}

func (a *api) addXP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be an integer", nil)
		return
	}
	total, err := a.svc.AddXP(r.Context(), core.UserID(r.PathValue("id")), amount, q.Get("source"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	tier, _ := a.svc.Levels().LevelForXP(total)
	writeJSON(w, map[string]any{"total": total, "level": tier})
}

// completeLesson pays ?xp=, or the track's per-lesson XP when it is omitted.
func (a *api) completeLesson(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	track := q.Get("track")
	xp, ok := optionalInt(w, q.Get("xp"))
	if !ok {
		return
	}
	if xp == 0 && track != "" && a.catalog != nil {
		t, err := a.catalog.GetTrack(r.Context(), track)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		xp = t.LessonXP
	}
	res, err := a.svc.CompleteLesson(r.Context(), core.UserID(r.PathValue("id")), r.PathValue("lesson"), track, xp)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

// completeProject pays ?xp=, else the catalog reward, else the service default.
func (a *api) completeProject(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	xp, ok := optionalInt(w, r.URL.Query().Get("xp"))
	if !ok {
		return
	}
	if xp == 0 && a.catalog != nil {
		p, err := a.catalog.GetProject(r.Context(), project)
		switch {
		case err == nil:
			xp = p.XPReward
		case errors.Is(err, core.ErrNotFound):
		default:
			a.fail(w, r, err)
			return
		}
	}
	res, err := a.svc.CompleteProject(r.Context(), core.UserID(r.PathValue("id")), project, xp)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (a *api) enrollTrack(w http.ResponseWriter, r *http.Request) {
	added, err := a.svc.EnrollTrack(r.Context(), core.UserID(r.PathValue("id")), r.PathValue("track"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"enrolled": added})
}

func (a *api) dayStats(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("day")
	if raw == "" {
		writeJSON(w, a.stats.Today())
		return
	}
	day, err := core.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_day", "day must be YYYY-MM-DD", nil)
		return
	}
	writeJSON(w, a.stats.Snapshot(day))
}

// fail maps the core error taxonomy onto HTTP statuses.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
	}
	writeError(w, status, code, err.Error(), nil)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, catalog.ErrListUnsupported):
		return http.StatusNotImplemented, "unsupported"
	case errors.Is(err, core.ErrPersistence):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// optionalInt parses a non-negative integer query value; empty means zero.
func optionalInt(w http.ResponseWriter, raw string) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_xp", "xp must be a non-negative integer", nil)
		return 0, false
	}
	return n, true
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return false
	}
	return true
}

func withPrefix(prefix, path string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return path
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix + path
}

func writeJSON(w http.ResponseWriter, v any) { writeJSONStatus(w, http.StatusOK, v) }

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSONStatus(w, status, apiError{Code: code, Message: msg, Details: details})
}
