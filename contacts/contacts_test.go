package contacts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

func newTestServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/contacts", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if req.URL.Query().Get("for_agent") != "true" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshReplacesCache(t *testing.T) {
	srv := newTestServer(t, `[
		{"share_id":"group-1","name":"Homework Help","kind":"group"},
		{"share_id":"agent.two","name":"Research Bot","kind":"agent"}
	]`, http.StatusOK)

	c := New("tok-1", srv.URL, []Contact{{ShareID: "stale", Name: "Old", Kind: "group"}})
	if c.Count() != 1 {
		t.Fatalf("Expected 1 seeded contact, got %d", c.Count())
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if c.Count() != 2 {
		t.Errorf("Expected 2 contacts, got %d", c.Count())
	}
	if _, ok := c.Lookup("stale"); ok {
		t.Error("Expected seeded contact replaced by refresh")
	}
	contact, ok := c.Lookup("agent.two")
	if !ok || contact.Name != "Research Bot" || contact.Kind != "agent" {
		t.Errorf("Expected Research Bot agent, got %+v ok=%v", contact, ok)
	}
	if got := len(c.All()); got != 2 {
		t.Errorf("Expected All to return 2 contacts, got %d", got)
	}
}

func TestRefreshBadToken(t *testing.T) {
	srv := newTestServer(t, `[]`, http.StatusOK)
	c := New("wrong", srv.URL, nil)

	err := c.Refresh(context.Background())
	if !errdefs.IsUnauthorized(err) {
		t.Fatalf("Expected unauthenticated class, got %v", err)
	}
	if c.Count() != 0 {
		t.Errorf("Expected cache untouched on failure, got %d", c.Count())
	}
}

func TestRefreshKeepsCacheOnServerError(t *testing.T) {
	srv := newTestServer(t, `oops`, http.StatusServiceUnavailable)
	c := New("tok-1", srv.URL, []Contact{{ShareID: "group-1", Name: "Keep", Kind: "group"}})

	err := c.Refresh(context.Background())
	if !errdefs.IsUnavailable(err) {
		t.Fatalf("Expected unavailable class, got %v", err)
	}
	if _, ok := c.Lookup("group-1"); !ok {
		t.Error("Expected cached contact preserved on failed refresh")
	}
}
