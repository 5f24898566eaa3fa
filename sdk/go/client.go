// Package sdk is a typed client for the progresskit HTTP + WebSocket API.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"progresskit/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the progresskit HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// CreateProfile creates an empty record; an existing one is left untouched.
func (c *Client) CreateProfile(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	return c.do(ctx, http.MethodPost, userPath(userID), nil, nil, nil)
}

// GetProgress fetches a learner's record with derived level information.
func (c *Client) GetProgress(ctx context.Context, userID string) (Progress, error) {
	var p Progress
	if strings.TrimSpace(userID) == "" {
		return p, ErrEmptyUserID
	}
	err := c.do(ctx, http.MethodGet, userPath(userID), nil, nil, &p)
	return p, err
}

// AddXP adds amount XP attributed to source and returns the new total.
func (c *Client) AddXP(ctx context.Context, userID string, amount int64, source string) (XPResult, error) {
	var res XPResult
	if strings.TrimSpace(userID) == "" {
		return res, ErrEmptyUserID
	}
	q := url.Values{}
	q.Set("amount", strconv.FormatInt(amount, 10))
	q.Set("source", source)
	err := c.do(ctx, http.MethodPost, userPath(userID, "xp"), q, nil, &res)
	return res, err
}

// CompleteLesson records a lesson completion. xp 0 lets the server use the track's lesson XP.
func (c *Client) CompleteLesson(ctx context.Context, userID, lesson, track string, xp int64) (CompletionResult, error) {
	var res CompletionResult
	if strings.TrimSpace(userID) == "" {
		return res, ErrEmptyUserID
	}
	q := url.Values{}
	if track != "" {
		q.Set("track", track)
	}
	if xp > 0 {
		q.Set("xp", strconv.FormatInt(xp, 10))
	}
	err := c.do(ctx, http.MethodPost, userPath(userID, "lessons", lesson), q, nil, &res)
	return res, err
}

// CompleteProject records a project completion. xp 0 uses the catalog reward or server default.
func (c *Client) CompleteProject(ctx context.Context, userID, project string, xp int64) (CompletionResult, error) {
	var res CompletionResult
	if strings.TrimSpace(userID) == "" {
		return res, ErrEmptyUserID
	}
	q := url.Values{}
	if xp > 0 {
		q.Set("xp", strconv.FormatInt(xp, 10))
	}
	err := c.do(ctx, http.MethodPost, userPath(userID, "projects", project), q, nil, &res)
	return res, err
}

// EnrollTrack enrolls the learner and reports whether the enrollment is new.
func (c *Client) EnrollTrack(ctx context.Context, userID, track string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, ErrEmptyUserID
	}
	var body struct {
		Enrolled bool `json:"enrolled"`
	}
	err := c.do(ctx, http.MethodPost, userPath(userID, "tracks", track), nil, nil, &body)
	return body.Enrolled, err
}

// Level resolves the tier for an XP total.
func (c *Client) Level(ctx context.Context, xp int64) (core.LevelInfo, error) {
	var body struct {
		Level core.LevelInfo `json:"level"`
	}
	q := url.Values{}
	q.Set("xp", strconv.FormatInt(xp, 10))
	err := c.do(ctx, http.MethodGet, "/levels", q, nil, &body)
	return body.Level, err
}

func (c *Client) ListTracks(ctx context.Context) ([]Track, error) {
	var body struct {
		Tracks []Track `json:"tracks"`
	}
	err := c.do(ctx, http.MethodGet, "/tracks", nil, nil, &body)
	return body.Tracks, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var body struct {
		Projects []Project `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "/projects", nil, nil, &body)
	return body.Projects, err
}

// SaveTrack creates or replaces a track.
func (c *Client) SaveTrack(ctx context.Context, t Track) error {
	return c.do(ctx, http.MethodPut, "/tracks/"+url.PathEscape(t.ID), nil, t, nil)
}

// SaveProject creates or replaces a project.
func (c *Client) SaveProject(ctx context.Context, p Project) error {
	return c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(p.ID), nil, p, nil)
}

// Stats returns KPIs for day; the zero time means the server's today.
func (c *Client) Stats(ctx context.Context, day time.Time) (DayStats, error) {
	var s DayStats
	var q url.Values
	if !day.IsZero() {
		q = url.Values{}
		q.Set("day", day.Format("2006-01-02"))
	}
	err := c.do(ctx, http.MethodGet, "/stats", q, nil, &s)
	return s, err
}

// Health probes /healthz and returns status + storage check. An unhealthy
// server answers 503, which is still decoded.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &hs)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return HealthStatus{Status: "unhealthy"}, nil
	}
	return hs, err
}

// SubscribeOptions narrows the event stream server-side.
type SubscribeOptions struct {
	UserID           string
	Types            []core.EventType
	CelebrationsOnly bool
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, opts SubscribeOptions) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	target, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, err
	}
	q := target.Query()
	if opts.UserID != "" {
		q.Set("user", opts.UserID)
	}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		q.Set("types", strings.Join(types, ","))
	}
	if opts.CelebrationsOnly {
		q.Set("celebrations", "true")
	}
	target.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target.String(), c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func userPath(id string, rest ...string) string {
	var b strings.Builder
	b.WriteString("/users/")
	b.WriteString(url.PathEscape(id))
	for _, r := range rest {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(r))
	}
	return b.String()
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
