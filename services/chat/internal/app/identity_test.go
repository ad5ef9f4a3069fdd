package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/selzzaf/desktopchatapp/pkg/domain"
)

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{"empty password", "a@x.com", ""},
		{"empty email", "", "pw"},
		{"malformed email", "not-an-email", "pw"},
		{"display name form", "Alice <a@x.com>", "pw"},
		{"password too long", "a@x.com", strings.Repeat("p", 73)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.app.Register(ctx, tc.email, tc.password, "")
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@x.com", "pw1")
	_, err := env.app.Register(context.Background(), "  Alice@X.com ", "other", "Alice")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRegisterDefaultsAndHashes(t *testing.T) {
	env := newTestEnv(t)
	u := env.register(t, "alice@x.com", "pw1")
	if u.Name != "alice@x.com" || u.Status != domain.StatusOffline || u.Password != "" {
		t.Fatalf("unexpected user: %+v", u)
	}
	stored, err := env.store.Get(context.Background(), "users/"+u.ID+"/password")
	if err != nil {
		t.Fatalf("get password: %v", err)
	}
	if !strings.HasPrefix(stored.String(), "$2") {
		t.Fatalf("password not stored as bcrypt hash: %q", stored.String())
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@x.com", "pw1")
	ctx := context.Background()

	for _, tc := range []struct{ email, password string }{
		{"alice@x.com", "wrong"},
		{"nobody@x.com", "pw1"},
	} {
		_, _, err := env.app.Login(ctx, tc.email, tc.password)
		if !errors.Is(err, ErrInvalidCredentials) || !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("login(%s) = %v, want invalid credentials", tc.email, err)
		}
	}
}

func TestLoginAcceptsLegacyPlaintextCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	legacy := domain.UserRecord{ID: "legacy1", Name: "Legacy", Email: "legacy@x.com", Password: "seedpw", Status: domain.StatusOffline}
	if err := env.store.Set(ctx, "users/legacy1", legacy); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	u, _, err := env.app.Login(ctx, "legacy@x.com", "seedpw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if u.ID != "legacy1" || u.Status != domain.StatusOnline {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestLogoutRevokesTokenAndGoesOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice@x.com", "pw1")
	_, token, err := env.app.Login(ctx, "alice@x.com", "pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if u, err := env.app.UserFromToken(ctx, "Bearer "+token); err != nil || u.ID != alice.ID {
		t.Fatalf("user from bearer token = %+v, %v", u, err)
	}
	if err := env.app.Logout(ctx, "Bearer "+token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if got := env.status(t, alice.ID); got != "offline" {
		t.Fatalf("status after logout = %q", got)
	}
	if _, err := env.app.UserFromToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked token accepted: %v", err)
	}
}

func TestTokenExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice@x.com", "pw1")
	_, token, err := env.app.Login(ctx, "alice@x.com", "pw1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := env.app.UserFromToken(ctx, token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
	env.clock.Advance(time.Hour + time.Second)
	if _, err := env.app.UserFromToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice@x.com", "pw1")
	_, token, _ := env.app.Login(ctx, "alice@x.com", "pw1")

	if err := env.app.UpdateStatus(ctx, token, "away"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown status accepted: %v", err)
	}
	if err := env.app.UpdateStatus(ctx, token, "offline"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if got := env.status(t, alice.ID); got != "offline" {
		t.Fatalf("status = %q", got)
	}
	if err := env.app.UpdateStatus(ctx, "garbage", "online"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad token accepted: %v", err)
	}
}

func TestRename(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice@x.com", "pw1")
	if _, err := env.app.Rename(ctx, alice, "  "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank name accepted: %v", err)
	}
	renamed, err := env.app.Rename(ctx, alice, "Alice")
	if err != nil || renamed.Name != "Alice" {
		t.Fatalf("rename = %+v, %v", renamed, err)
	}
	got, _ := env.app.GetUser(ctx, alice.ID)
	if got.Name != "Alice" || got.Email != "alice@x.com" {
		t.Fatalf("stored user = %+v", got)
	}
}

func TestDeleteAccountRemovesBothEdgeDirections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice@x.com", "pw1")
	bob := env.register(t, "bob@x.com", "pw2")
	if err := env.app.AddContact(ctx, alice.ID, bob.ID); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	_, bobToken, _ := env.app.Login(ctx, "bob@x.com", "pw2")

	if err := env.app.DeleteAccount(ctx, bob); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	for _, path := range []string{"users/" + bob.ID, "contacts/" + bob.ID, "contacts/" + alice.ID + "/" + bob.ID} {
		snap, _ := env.store.Get(ctx, path)
		if snap.Exists() {
			t.Fatalf("%s still exists", path)
		}
	}
	if _, err := env.app.UserFromToken(ctx, bobToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("token of deleted user accepted: %v", err)
	}
	contacts, err := env.app.ListContacts(ctx, alice.ID)
	if err != nil || len(contacts) != 0 {
		t.Fatalf("alice contacts = %+v, %v", contacts, err)
	}
}
