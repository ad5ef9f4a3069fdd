package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/selzzaf/desktopchatapp/pkg/domain"
	"github.com/selzzaf/desktopchatapp/pkg/pushbus"
	"github.com/selzzaf/desktopchatapp/pkg/session"
	"github.com/selzzaf/desktopchatapp/pkg/treestore"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeClock advances by step on every read so consecutive sends get
// distinct timestamps.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	app     *App
	store   *treestore.Client
	backend *treestore.MemoryBackend
	bus     *pushbus.MemoryBus
	tokens  *session.Manager
	clock   *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000), step: time.Millisecond}
	backend := treestore.NewMemoryBackend()
	store, err := treestore.New(context.Background(), backend, treestore.Options{PingInterval: time.Hour, OpTimeout: time.Second})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	bus := pushbus.NewMemoryBus()
	tokens, err := session.NewHS512([]byte(testSecret), time.Hour, session.NewMemoryRevoker(), session.Options{Now: clock.Now})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	a, err := New(Config{Store: store, Bus: bus, Tokens: tokens, Now: clock.Now})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		_ = store.Close()
	})
	return &testEnv{app: a, store: store, backend: backend, bus: bus, tokens: tokens, clock: clock}
}

func (e *testEnv) register(t *testing.T, email, password string) domain.User {
	t.Helper()
	u, err := e.app.Register(context.Background(), email, password, "")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return u
}

func (e *testEnv) status(t *testing.T, userID string) string {
	t.Helper()
	snap, err := e.store.Get(context.Background(), "users/"+userID+"/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	return snap.String()
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

// Mirrors the end-to-end flow of the desktop client.
func TestExampleScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.register(t, "alice@x.com", "pw1")
	bob := env.register(t, "bob@x.com", "pw2")
	if alice.Status != domain.StatusOffline {
		t.Fatalf("registered status = %s", alice.Status)
	}

	loggedIn, token, err := env.app.Login(ctx, "alice@x.com", "pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if loggedIn.Status != domain.StatusOnline || token == "" {
		t.Fatalf("login returned status %s token %q", loggedIn.Status, token)
	}
	if got := env.status(t, alice.ID); got != "online" {
		t.Fatalf("stored status = %q", got)
	}

	if err := env.app.AddContact(ctx, alice.ID, bob.ID); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	if _, err := env.app.Send(ctx, alice.ID, bob.ID, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	history, err := env.app.History(ctx, alice.ID, bob.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hi" || history[0].SenderID != alice.ID {
		t.Fatalf("history = %+v", history)
	}
}
