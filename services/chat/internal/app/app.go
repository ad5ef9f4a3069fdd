package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/selzzaf/desktopchatapp/pkg/conversation"
	"github.com/selzzaf/desktopchatapp/pkg/domain"
	"github.com/selzzaf/desktopchatapp/pkg/pushbus"
	"github.com/selzzaf/desktopchatapp/pkg/treestore"
)

// Store paths.
const (
	usersPath         = "users"
	contactsPath      = "contacts"
	messagesPath      = "messages"
	conversationsPath = "conversations"
	lastMessagesPath  = "last_messages"
)

const (
	defaultLoginTimeout      = 10 * time.Second
	defaultLookupTimeout     = 5 * time.Second
	defaultLookupConcurrency = 8
	defaultBackgroundTimeout = 5 * time.Second
)

// Store is the part of the tree store client the application uses.
type Store interface {
	Get(ctx context.Context, path string) (treestore.Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, values map[string]any) error
	Remove(ctx context.Context, path string) error
	Query(ctx context.Context, path string, q treestore.Query) ([]treestore.Snapshot, error)
	NewKey() (string, error)
	SubscribeValue(ctx context.Context, path string) (*treestore.Subscription, error)
	SubscribeChildren(ctx context.Context, path string, opts treestore.ChildOptions) (*treestore.Subscription, error)
}

// TokenService issues and checks session tokens.
type TokenService interface {
	Issue(userID string) (string, error)
	Validate(token string) (string, error)
	Revoke(token string) error
	RevokeUser(userID string) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store  Store
	Bus    pushbus.Bus
	Tokens TokenService
	// Activity is optional; without it idle users are never swept.
	Activity *IdleTracker
	Logger   *slog.Logger
	Now      func() time.Time

	LoginTimeout      time.Duration
	LookupTimeout     time.Duration
	LookupConcurrency int
}

// App is the chat core: identity, messaging and contact presence over one
// shared store client.
type App struct {
	store    Store
	bus      pushbus.Bus
	tokens   TokenService
	activity *IdleTracker
	log      *slog.Logger
	now      func() time.Time

	loginTimeout      time.Duration
	lookupTimeout     time.Duration
	lookupConcurrency int

	bg sync.WaitGroup
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("push bus required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token service required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	if cfg.LookupConcurrency <= 0 {
		cfg.LookupConcurrency = defaultLookupConcurrency
	}
	return &App{
		store:             cfg.Store,
		bus:               cfg.Bus,
		tokens:            cfg.Tokens,
		activity:          cfg.Activity,
		log:               cfg.Logger,
		now:               cfg.Now,
		loginTimeout:      cfg.LoginTimeout,
		lookupTimeout:     cfg.LookupTimeout,
		lookupConcurrency: cfg.LookupConcurrency,
	}, nil
}

// Close waits for background writes started by fire-and-forget calls.
func (a *App) Close() {
	a.bg.Wait()
}

// background runs fn detached from the caller's cancellation, bounded by
// its own timeout. Errors are logged only.
func (a *App) background(ctx context.Context, op string, fn func(context.Context) error) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultBackgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.log.Warn("background write failed", "op", op, "err", err)
		}
	}()
}

func userPath(id string) string {
	return treestore.Join(usersPath, id)
}

func contactPath(owner, contact string) string {
	return treestore.Join(contactsPath, owner, contact)
}

// loadUser reads a user record, credential hash included.
func (a *App) loadUser(ctx context.Context, id string) (domain.UserRecord, error) {
	if err := conversation.ValidateUserID(id); err != nil {
		return domain.UserRecord{}, fmt.Errorf("%w: %w", ErrUserNotFound, err)
	}
	snap, err := a.store.Get(ctx, userPath(id))
	if err != nil {
		return domain.UserRecord{}, storageErr("get user", err)
	}
	if !snap.Exists() {
		return domain.UserRecord{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	var rec domain.UserRecord
	if err := snap.Decode(&rec); err != nil {
		return domain.UserRecord{}, storageErr("decode user", err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// GetUser returns the public view of a user.
func (a *App) GetUser(ctx context.Context, id string) (domain.User, error) {
	rec, err := a.loadUser(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	return publicUser(rec), nil
}

func (a *App) findByEmail(ctx context.Context, email string) (domain.UserRecord, bool, error) {
	matches, err := a.store.Query(ctx, usersPath, treestore.OrderByChild("email").EqualTo(email).LimitToFirst(1))
	if err != nil {
		return domain.UserRecord{}, false, storageErr("find user by email", err)
	}
	if len(matches) == 0 {
		return domain.UserRecord{}, false, nil
	}
	var rec domain.UserRecord
	if err := matches[0].Decode(&rec); err != nil {
		return domain.UserRecord{}, false, storageErr("decode user", err)
	}
	if rec.ID == "" {
		rec.ID = matches[0].Key
	}
	return rec, true, nil
}

func publicUser(rec domain.UserRecord) domain.User {
	u := rec.User()
	u.Password = ""
	return u
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *App) nowMillis() int64 {
	return a.now().UnixMilli()
}
