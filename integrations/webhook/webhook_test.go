package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"progresskit/core"
)

func TestSink_OnEventPostsToEndpoints(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = io.ReadAll(r.Body)
		_ = r.Body.Close()
	}))
	defer srv.Close()

	sink := New([]string{srv.URL, srv.URL})
	sink.OnEvent(context.Background(), core.NewXPAdded("u1", core.SourceLesson, 5, 5))

	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", hits)
	}
}

func TestSink_HeadersAndSignature(t *testing.T) {
	ev := core.NewBadgeUnlocked("u1", "streak_7")
	var gotID, gotType, gotSig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotType, gotSig = r.Header.Get(HeaderEventID), r.Header.Get(HeaderEvent), r.Header.Get(HeaderSignature)
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	New([]string{srv.URL}, WithSecret("s3cret")).OnEvent(context.Background(), ev)

	if gotID != ev.ID || gotType != string(core.EventBadgeUnlocked) {
		t.Fatalf("unexpected headers id=%q type=%q", gotID, gotType)
	}
	if gotSig != Sign([]byte("s3cret"), body) {
		t.Fatalf("signature mismatch")
	}
	var decoded core.Event
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.Badge != "streak_7" {
		t.Fatalf("unexpected body %s (%v)", body, err)
	}
}

func TestSink_TypeFilterAndFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := New([]string{"http://127.0.0.1:1/unreachable", srv.URL}, WithEventTypes(core.EventLevelUp))
	sink.OnEvent(context.Background(), core.NewXPAdded("u1", core.SourceLesson, 5, 5))
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("filtered event must not be delivered")
	}

	// an unreachable endpoint does not stop delivery to the next one
	sink.OnEvent(context.Background(), core.NewLevelUp("u1", core.DefaultTiers()[1], 100))
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", hits)
	}
}
