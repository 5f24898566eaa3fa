package sdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progresskit/analytics"
	"progresskit/api/httpapi"
	"progresskit/core"
	"progresskit/engine"
	"progresskit/progression"
	"progresskit/realtime"
)

type testServer struct {
	*httptest.Server
	hub *realtime.Hub
}

// newTestServer runs the real REST surface over an in-memory store.
func newTestServer(t *testing.T, opts httpapi.Options) *testServer {
	t.Helper()
	hub := realtime.NewHub()
	stats := analytics.NewStats(time.UTC)
	sys, err := progression.New(
		progression.WithDispatchMode(engine.DispatchSync),
		progression.WithRealtime(hub),
		progression.WithHooks(stats),
	)
	require.NoError(t, err)
	t.Cleanup(sys.Close)

	opts.PathPrefix = "/api"
	opts.Stats = stats
	srv := httptest.NewServer(httpapi.NewMux(sys.Service, sys.Catalog, hub, opts))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: hub}
}

func TestClientProgressionFlow(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})
	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, client.CreateProfile(ctx, "alice"))

	res, err := client.CompleteLesson(ctx, "alice", "go-101", "go", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.XP)
	assert.Equal(t, "ovo", res.Level.Name)
	assert.Equal(t, 1, res.Streak)
	assert.True(t, res.FirstCompletion)

	xp, err := client.AddXP(ctx, "alice", 80, "bonus")
	require.NoError(t, err)
	assert.Equal(t, int64(110), xp.Total)
	assert.Equal(t, "pintinho", xp.Level.Name)

	proj, err := client.CompleteProject(ctx, "alice", "todo-cli", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(210), proj.XP)

	enrolled, err := client.EnrollTrack(ctx, "alice", "go")
	require.NoError(t, err)
	assert.True(t, enrolled)

	p, err := client.GetProgress(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(210), p.Record.XP)
	assert.Equal(t, []string{"go-101", "todo-cli"}, p.Record.CompletedItemIDs)
	assert.Equal(t, []string{"go"}, p.Record.EnrolledTrackIDs)

	stats, err := client.Stats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.LessonsCompleted)
	assert.Equal(t, int64(1), stats.ProjectsCompleted)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestClientCatalog(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL + "/api/")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, client.SaveTrack(ctx, Track{ID: "go", Title: "Go", LessonIDs: []string{"go-2", "go-1"}, LessonXP: 40}))
	require.NoError(t, client.SaveProject(ctx, Project{ID: "cli", Title: "CLI", TrackID: "go", XPReward: 120}))

	tracks, err := client.ListTracks(ctx)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, []string{"go-2", "go-1"}, tracks[0].LessonIDs)

	projects, err := client.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, int64(120), projects[0].XPReward)

	require.NoError(t, client.CreateProfile(ctx, "bob"))
	res, err := client.CompleteLesson(ctx, "bob", "go-1", "go", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.XP, "lesson xp comes from the track")

	info, err := client.Level(ctx, 300)
	require.NoError(t, err)
	assert.Equal(t, "pintinho", info.Current.Name)
}

func TestClientErrors(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.GetProgress(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)

	require.NoError(t, client.CreateProfile(ctx, "ghost"))
	_, err = client.AddXP(ctx, "ghost", -5, "bonus")
	assert.True(t, errors.Is(err, core.ErrValidation))

	_, err = client.GetProgress(ctx, " ")
	assert.ErrorIs(t, err, ErrEmptyUserID)

	_, err = NewClient("")
	assert.Error(t, err)
}

func TestClientUnauthorized(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	err = client.CreateProfile(context.Background(), "alice")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClientSubscribeEvents(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, SubscribeOptions{UserID: "alice", Types: []core.EventType{core.EventXPAdded}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.CreateProfile(ctx, "bob"))
	require.NoError(t, client.CreateProfile(ctx, "alice"))
	_, err = client.AddXP(ctx, "bob", 10, "bonus")
	require.NoError(t, err)
	_, err = client.AddXP(ctx, "alice", 15, "bonus")
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, core.EventXPAdded, evt.Type)
		assert.Equal(t, core.UserID("alice"), evt.UserID)
		assert.Equal(t, int64(15), evt.Delta)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	cancel()
	for range events {
	}
}

func TestDeriveWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/api/ws", deriveWSURL("http://localhost:8080/api"))
	assert.Equal(t, "wss://example.com/ws", deriveWSURL("https://example.com"))
}
