package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchCachesPerIdentityAndRoom(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode token request: %v", err)
		}
		json.NewEncoder(w).Encode(Credentials{Token: "tok-" + req.RoomName, URL: "wss://media.example"})
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL, "api-token", time.Minute)
	ctx := context.Background()

	creds, err := c.Fetch(ctx, "healing-1", "alice", "Alice")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if creds.Token != "tok-healing-1" || creds.URL != "wss://media.example" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	// Same identity and room hits the cache: at most one request per pair.
	if _, err := c.Fetch(ctx, "healing-1", "alice", "Alice"); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if hits != 1 {
		t.Fatalf("server hits = %d, want 1", hits)
	}

	// A different room is a different cache entry.
	if _, err := c.Fetch(ctx, "healing-2", "alice", "Alice"); err != nil {
		t.Fatalf("second room fetch: %v", err)
	}
	if hits != 2 {
		t.Fatalf("server hits = %d, want 2", hits)
	}
}

func TestFetchExpiredEntryRefetches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode(Credentials{Token: "tok", URL: "wss://media.example"})
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL, "", 10*time.Millisecond)
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "healing-1", "alice", "Alice"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Fetch(ctx, "healing-1", "alice", "Alice"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if hits != 2 {
		t.Fatalf("server hits = %d, want 2 after expiry", hits)
	}
}

func TestInvalidateDropsCacheEntry(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode(Credentials{Token: "tok", URL: "wss://media.example"})
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL, "", time.Minute)
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "healing-1", "alice", "Alice"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	c.Invalidate("healing-1", "alice")
	if _, err := c.Fetch(ctx, "healing-1", "alice", "Alice"); err != nil {
		t.Fatalf("fetch after invalidate: %v", err)
	}
	if hits != 2 {
		t.Fatalf("server hits = %d, want 2 after invalidate", hits)
	}
}

func TestFetchErrorsWrapErrToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such room", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewTokenClient(srv.URL, "", time.Minute)
	if _, err := c.Fetch(context.Background(), "healing-1", "alice", "Alice"); !errors.Is(err, ErrToken) {
		t.Fatalf("status error = %v, want ErrToken", err)
	}

	unreachable := NewTokenClient("http://127.0.0.1:1", "", time.Minute)
	if _, err := unreachable.Fetch(context.Background(), "healing-1", "alice", "Alice"); !errors.Is(err, ErrToken) {
		t.Fatalf("transport error = %v, want ErrToken", err)
	}
}
