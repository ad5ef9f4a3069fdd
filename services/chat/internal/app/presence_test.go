package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/selzzaf/desktopchatapp/pkg/domain"
)

func waitPresence(t *testing.T, events <-chan domain.PresenceEvent, match func(domain.PresenceEvent) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return
			}
		case <-deadline:
			t.Fatalf("expected presence event did not arrive")
		}
	}
}

func TestSetStatusUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.app.SetStatus(ctx, "ghost", domain.StatusOnline); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	snap, _ := env.store.Get(ctx, "users/ghost")
	if snap.Exists() {
		t.Fatalf("status write created a partial user")
	}
	if err := env.app.SetStatus(ctx, "ghost", "away"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestSubscribeToContactPresence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice@x.com", "pw1")
	bob := env.register(t, "bob@x.com", "pw2")
	carol := env.register(t, "carol@x.com", "pw3")
	if err := env.app.AddContact(ctx, alice.ID, bob.ID); err != nil {
		t.Fatalf("add contact: %v", err)
	}

	events := make(chan domain.PresenceEvent, 64)
	watch, err := env.app.SubscribeToContactPresence(ctx, alice.ID, func(ev domain.PresenceEvent) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("subscribe presence: %v", err)
	}
	defer watch.Close()

	waitPresence(t, events, func(ev domain.PresenceEvent) bool {
		return ev.ContactID == bob.ID && ev.Status == domain.StatusOffline
	})

	if err := env.app.SetStatus(ctx, bob.ID, domain.StatusOnline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	waitPresence(t, events, func(ev domain.PresenceEvent) bool {
		return ev.ContactID == bob.ID && ev.Status == domain.StatusOnline
	})
	if err := env.app.SetStatus(ctx, bob.ID, domain.StatusOnline); err != nil {
		t.Fatalf("repeat status: %v", err)
	}
	waitPresence(t, events, func(ev domain.PresenceEvent) bool {
		return ev.ContactID == bob.ID && ev.Status == domain.StatusOnline
	})

	if err := env.app.AddContact(ctx, carol.ID, alice.ID); err != nil {
		t.Fatalf("add reverse contact: %v", err)
	}
	waitPresence(t, events, func(ev domain.PresenceEvent) bool {
		return ev.ContactID == carol.ID && !ev.Removed
	})

	if err := env.app.RemoveContact(ctx, alice.ID, bob.ID); err != nil {
		t.Fatalf("remove contact: %v", err)
	}
	waitPresence(t, events, func(ev domain.PresenceEvent) bool {
		return ev.ContactID == bob.ID && ev.Removed
	})
	if got := watch.Watched(); got != 1 {
		t.Fatalf("watched contacts = %d, want 1", got)
	}

	watch.Close()
	for len(events) > 0 {
		<-events
	}
	if err := env.app.SetStatus(ctx, carol.ID, domain.StatusOnline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("event after close: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeToContactPresenceRequiresListener(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.app.SubscribeToContactPresence(context.Background(), "alice", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
