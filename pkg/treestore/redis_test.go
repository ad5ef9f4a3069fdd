package treestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	backend := NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:tree")
	client, err := New(context.Background(), backend, Options{PingInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisBackendRoundTrip(t *testing.T) {
	client, _ := newRedisClient(t)
	ctx := context.Background()

	err := client.Update(ctx, "", map[string]any{
		"users/u1":   map[string]any{"name": "Ann", "email": "ann@x.com"},
		"users/u10":  map[string]any{"name": "Ten"},
		"notes":      map[string]any{},
		"users_meta": "keep",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	snap, err := client.Get(ctx, "users/u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Child("name").String() != "Ann" || snap.NumChildren() != 2 {
		t.Fatalf("unexpected u1 %v", snap.Value())
	}

	// u1 must not pick up the sibling u10 through a prefix match.
	if err := client.Remove(ctx, "users/u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	users, _ := client.Get(ctx, "users")
	if users.HasChild("u1") || !users.HasChild("u10") {
		t.Fatalf("remove touched the wrong subtree: %v", users.Value())
	}

	notes, _ := client.Get(ctx, "notes")
	if !notes.Exists() || notes.NumChildren() != 0 {
		t.Fatalf("expected empty mapping to persist")
	}
	root, _ := client.Get(ctx, "")
	for _, k := range []string{"users", "notes", "users_meta"} {
		if !root.HasChild(k) {
			t.Fatalf("root missing %s: %v", k, root.Value())
		}
	}
}

func TestRedisBackendQuery(t *testing.T) {
	client, _ := newRedisClient(t)
	ctx := context.Background()
	for i, email := range []string{"c@x.com", "a@x.com", "b@x.com"} {
		key := []string{"u1", "u2", "u3"}[i]
		if err := client.Set(ctx, "users/"+key, map[string]any{"email": email}); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	got, err := client.Query(ctx, "users", OrderByChild("email").EqualTo("b@x.com"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Key != "u3" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestRedisBackendSubscriptionsAcrossClients(t *testing.T) {
	writer, mr := newRedisClient(t)
	backend := NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:tree")
	reader, err := New(context.Background(), backend, Options{})
	if err != nil {
		t.Fatalf("second client: %v", err)
	}
	defer reader.Close()
	ctx := context.Background()

	sub, err := reader.SubscribeChildren(ctx, "messages/c1", ChildOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := writer.Set(ctx, "messages/c1/m1", map[string]any{"content": "hello"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	ev := nextEvent(t, sub)
	if ev.Type != EventChildAdded || ev.Snapshot.Key != "m1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Snapshot.Child("content").String() != "hello" {
		t.Fatalf("unexpected payload %v", ev.Snapshot.Value())
	}
}

func TestRedisBackendReportsOutage(t *testing.T) {
	client, mr := newRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := client.WatchConnection(ctx)
	if !<-conn {
		t.Fatalf("expected connected")
	}
	mr.Close()
	select {
	case up := <-conn:
		if up {
			t.Fatalf("expected disconnected signal")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no disconnect signal")
	}
}
