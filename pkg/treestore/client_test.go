package treestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newMemoryClient(t *testing.T) (*Client, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	client, err := New(context.Background(), backend, Options{PingInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, backend
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetGetNested(t *testing.T) {
	client, _ := newMemoryClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "users/u1", map[string]any{"name": "Ann", "status": "online", "age": 31}); err != nil {
		t.Fatalf("set: %v", err)
	}
	snap, err := client.Get(ctx, "users/u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Age    int    `json:"age"`
	}
	if err := snap.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "Ann" || got.Status != "online" || got.Age != 31 {
		t.Fatalf("unexpected value %+v", got)
	}
	status, err := client.Get(ctx, "users/u1/status")
	if err != nil {
		t.Fatalf("get leaf: %v", err)
	}
	if status.String() != "online" {
		t.Fatalf("status = %q", status.String())
	}

	missing, err := client.Get(ctx, "users/u2")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing.Exists() {
		t.Fatalf("expected missing path")
	}
}

func TestSetReplacesSubtreeAndAncestorLeaf(t *testing.T) {
	client, _ := newMemoryClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "a", map[string]any{"x": 1, "y": 2}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := client.Set(ctx, "a", map[string]any{"z": 3}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	snap, _ := client.Get(ctx, "a")
	if snap.HasChild("x") || !snap.HasChild("z") {
		t.Fatalf("set should replace the subtree, got %v", snap.Value())
	}

	if err := client.Set(ctx, "leaf", "scalar"); err != nil {
		t.Fatalf("set scalar: %v", err)
	}
	if err := client.Set(ctx, "leaf/child", true); err != nil {
		t.Fatalf("set below scalar: %v", err)
	}
	snap, _ = client.Get(ctx, "leaf")
	if !snap.HasChild("child") || snap.NumChildren() != 1 {
		t.Fatalf("expected scalar to become a mapping, got %v", snap.Value())
	}
}

func TestEmptyMappingExists(t *testing.T) {
	client, _ := newMemoryClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "groups", map[string]any{}); err != nil {
		t.Fatalf("set empty: %v", err)
	}
	snap, err := client.Get(ctx, "groups")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !snap.Exists() || snap.NumChildren() != 0 {
		t.Fatalf("expected existing empty mapping, got exists=%v value=%v", snap.Exists(), snap.Value())
	}
	root, _ := client.Get(ctx, "")
	if !root.HasChild("groups") {
		t.Fatalf("root should list the empty collection")
	}

	if err := client.Set(ctx, "groups/g1", map[string]any{"name": "Team"}); err != nil {
		t.Fatalf("set child: %v", err)
	}
	snap, _ = client.Get(ctx, "groups")
	if snap.NumChildren() != 1 {
		t.Fatalf("expected marker to be replaced by child, got %v", snap.Value())
	}
}

func TestUpdateIsSingleBatch(t *testing.T) {
	client, backend := newMemoryClient(t)
	ctx := context.Background()

	before := backend.Writes()
	err := client.Update(ctx, "", map[string]any{
		"messages/c1/m1":   map[string]any{"content": "hi"},
		"last_messages/c1": map[string]any{"content": "hi"},
		"conversations/c1": map[string]any{"type": "private"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := backend.Writes() - before; got != 1 {
		t.Fatalf("expected one write, got %d", got)
	}
	for _, p := range []string{"messages/c1/m1", "last_messages/c1", "conversations/c1/type"} {
		snap, _ := client.Get(ctx, p)
		if !snap.Exists() {
			t.Fatalf("expected %s to exist", p)
		}
	}
}

func TestUpdateRejectsOverlappingPaths(t *testing.T) {
	client, backend := newMemoryClient(t)
	err := client.Update(context.Background(), "", map[string]any{
		"a":   1,
		"a/b": 2,
	})
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if backend.Writes() != 0 {
		t.Fatalf("rejected update must not write")
	}
}

func TestUpdateFailureAppliesNothing(t *testing.T) {
	client, backend := newMemoryClient(t)
	boom := errors.New("boom")
	backend.SetWriteHook(func(Write) error { return boom })

	err := client.Update(context.Background(), "", map[string]any{"x": 1, "y": 2})
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	backend.SetWriteHook(nil)
	root, _ := client.Get(context.Background(), "")
	if root.Exists() {
		t.Fatalf("failed batch must not leave partial data: %v", root.Value())
	}
}

func TestRejectsInvalidPaths(t *testing.T) {
	client, _ := newMemoryClient(t)
	for _, p := range []string{"a/b.c", "a/#", "x/$y", "a[0]", "a//b/\x01"} {
		if err := client.Set(context.Background(), p, 1); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("expected ErrInvalidPath for %q, got %v", p, err)
		}
	}
}

func TestQueryOrderByChild(t *testing.T) {
	client, _ := newMemoryClient(t)
	ctx := context.Background()
	_ = client.Set(ctx, "users", map[string]any{
		"u1": map[string]any{"email": "b@x.com", "ts": 30},
		"u2": map[string]any{"email": "a@x.com", "ts": 10},
		"u3": map[string]any{"email": "c@x.com", "ts": 20},
		"u4": map[string]any{"name": "no email"},
	})

	got, err := client.Query(ctx, "users", OrderByChild("email").EqualTo("a@x.com"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Key != "u2" {
		t.Fatalf("unexpected equalTo result %+v", got)
	}

	got, _ = client.Query(ctx, "users", OrderByChild("ts"))
	order := []string{}
	for _, s := range got {
		order = append(order, s.Key)
	}
	// Missing values sort first.
	want := []string{"u4", "u2", "u3", "u1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	got, _ = client.Query(ctx, "users", OrderByChild("ts").StartAt(0).LimitToLast(2))
	if len(got) != 2 || got[0].Key != "u3" || got[1].Key != "u1" {
		t.Fatalf("unexpected limitToLast result %+v", got)
	}

	got, _ = client.Query(ctx, "users", OrderByKey().LimitToFirst(2))
	if len(got) != 2 || got[0].Key != "u1" || got[1].Key != "u2" {
		t.Fatalf("unexpected limitToFirst result %+v", got)
	}
}

func TestOnceDeliversSnapshot(t *testing.T) {
	client, _ := newMemoryClient(t)
	_ = client.Set(context.Background(), "k", "v")
	select {
	case res := <-client.Once(context.Background(), "k"):
		if res.Err != nil || res.Snapshot.String() != "v" {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("once did not resolve")
	}
}

func TestNewKeyIsSortable(t *testing.T) {
	client, _ := newMemoryClient(t)
	prev := ""
	for i := 0; i < 200; i++ {
		k, err := client.NewKey()
		if err != nil {
			t.Fatalf("new key: %v", err)
		}
		if k <= prev {
			t.Fatalf("key %q not after %q", k, prev)
		}
		prev = k
	}
}

func TestSubscribeValueFiresOnRedundantWrites(t *testing.T) {
	client, _ := newMemoryClient(t)
	ctx := context.Background()
	_ = client.Set(ctx, "users/u1/status", "offline")

	sub, err := client.SubscribeValue(ctx, "users/u1/status")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if ev := nextEvent(t, sub); ev.Snapshot.String() != "offline" {
		t.Fatalf("initial = %q", ev.Snapshot.String())
	}
	_ = client.Set(ctx, "users/u1/status", "online")
	if ev := nextEvent(t, sub); ev.Snapshot.String() != "online" {
		t.Fatalf("after change = %q", ev.Snapshot.String())
	}
	_ = client.Set(ctx, "users/u1/status", "online")
	if ev := nextEvent(t, sub); ev.Type != EventValue || ev.Snapshot.String() != "online" {
		t.Fatalf("redundant write should still fire, got %+v", ev)
	}
	_ = client.Set(ctx, "users/u2/status", "online")
	expectNoEvent(t, sub)
}

func TestSubscribeValueIgnoresWritesBeforeSubscribe(t *testing.T) {
	client, _ := newMemoryClient(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		path := fmt.Sprintf("users/u%d/status", i)
		if err := client.Set(ctx, path, "online"); err != nil {
			t.Fatalf("set: %v", err)
		}
		sub, err := client.SubscribeValue(ctx, path)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if ev := nextEvent(t, sub); ev.Snapshot.String() != "online" {
			t.Fatalf("initial = %q", ev.Snapshot.String())
		}
		expectNoEvent(t, sub)
		sub.Close()
	}
}

func TestSubscribeValueSeesOtherClientWrites(t *testing.T) {
	client, backend := newMemoryClient(t)
	ctx := context.Background()
	other, err := New(ctx, backend, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer other.Close()

	sub, err := client.SubscribeValue(ctx, "users/u1/status")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if ev := nextEvent(t, sub); ev.Snapshot.Exists() {
		t.Fatalf("initial should be empty, got %q", ev.Snapshot.String())
	}
	_ = other.Set(ctx, "users/u1/status", "online")
	if ev := nextEvent(t, sub); ev.Snapshot.String() != "online" {
		t.Fatalf("after remote write = %q", ev.Snapshot.String())
	}
}

func TestSubscribeChildren(t *testing.T) {
	client, _ := newMemoryClient(t)
	ctx := context.Background()
	_ = client.Set(ctx, "contacts/a/b", map[string]any{"unread": false})

	sub, err := client.SubscribeChildren(ctx, "contacts/a", ChildOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if ev := nextEvent(t, sub); ev.Type != EventChildAdded || ev.Snapshot.Key != "b" {
		t.Fatalf("expected existing child, got %+v", ev)
	}
	_ = client.Set(ctx, "contacts/a/c", map[string]any{"unread": false})
	if ev := nextEvent(t, sub); ev.Type != EventChildAdded || ev.Snapshot.Key != "c" {
		t.Fatalf("expected added c, got %+v", ev)
	}
	_ = client.Set(ctx, "contacts/a/c/unread", true)
	if ev := nextEvent(t, sub); ev.Type != EventChildChanged || ev.Snapshot.Key != "c" {
		t.Fatalf("expected changed c, got %+v", ev)
	}
	_ = client.Remove(ctx, "contacts/a/b")
	if ev := nextEvent(t, sub); ev.Type != EventChildRemoved || ev.Snapshot.Key != "b" {
		t.Fatalf("expected removed b, got %+v", ev)
	}

	sub.Close()
	select {
	case _, ok := <-sub.C:
		if ok {
			// drain a racing event; the channel must close next
			if _, ok := <-sub.C; ok {
				t.Fatalf("expected closed channel")
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after Close")
	}
}

func TestSubscribeChildrenSkipExisting(t *testing.T) {
	client, _ := newMemoryClient(t)
	ctx := context.Background()
	_ = client.Set(ctx, "conversations/c1", map[string]any{"type": "private"})

	sub, err := client.SubscribeChildren(ctx, "conversations", ChildOptions{SkipExisting: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	expectNoEvent(t, sub)

	_ = client.Set(ctx, "conversations/c2", map[string]any{"type": "private"})
	if ev := nextEvent(t, sub); ev.Type != EventChildAdded || ev.Snapshot.Key != "c2" {
		t.Fatalf("expected c2 added, got %+v", ev)
	}
}

func TestConnectionSignal(t *testing.T) {
	client, backend := newMemoryClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := client.WatchConnection(ctx)
	if !<-conn {
		t.Fatalf("expected initial connected state")
	}
	backend.SetConnected(false)
	select {
	case up := <-conn:
		if up {
			t.Fatalf("expected disconnected")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no disconnect signal")
	}
	if err := client.Reconnect(ctx); err == nil {
		t.Fatalf("reconnect should fail while backend is down")
	}
	if up := <-conn; up {
		t.Fatalf("reconnect outcome should be reported as disconnected")
	}

	backend.SetConnected(true)
	if err := client.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if up := <-conn; !up {
		t.Fatalf("expected connected after reconnect")
	}
	if !client.Connected() {
		t.Fatalf("client should report connected")
	}
}

func TestLifecycle(t *testing.T) {
	backend := NewMemoryBackend()
	backend.SetConnected(false)
	if _, err := New(context.Background(), backend, Options{}); err == nil {
		t.Fatalf("expected open failure on unreachable backend")
	}

	client, _ := newMemoryClient(t)
	if client.State() != StateReady {
		t.Fatalf("state = %s", client.State())
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if client.State() != StateClosed {
		t.Fatalf("state = %s", client.State())
	}
	if _, err := client.Get(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpenURLs(t *testing.T) {
	ctx := context.Background()
	client, err := Open(ctx, Config{URL: "memory://"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	_ = client.Close()

	if _, err := Open(ctx, Config{URL: "ftp://nowhere"}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := Open(ctx, Config{URL: "memory://", CredentialsFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatalf("expected missing credentials error")
	}

	bad := filepath.Join(t.TempDir(), "creds.yaml")
	if err := os.WriteFile(bad, []byte("username: [unterminated"), 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	if _, err := Open(ctx, Config{URL: "memory://", CredentialsFile: bad}); err == nil {
		t.Fatalf("expected malformed credentials error")
	}
}
