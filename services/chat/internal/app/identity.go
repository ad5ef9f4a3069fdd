package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/selzzaf/desktopchatapp/internal/util"
	"github.com/selzzaf/desktopchatapp/pkg/auth"
	"github.com/selzzaf/desktopchatapp/pkg/domain"
)

// Register creates an account with status offline. The name defaults to
// the email address.
func (a *App) Register(ctx context.Context, email, password, name string) (domain.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, ErrEmailAndPasswordRequired
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return domain.User{}, ErrInvalidEmail
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, invalidArg(err)
	}
	if _, exists, err := a.findByEmail(ctx, email); err != nil {
		return domain.User{}, err
	} else if exists {
		return domain.User{}, ErrEmailAlreadyExists
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = email
	}
	rec := domain.UserRecord{
		ID:        util.NewID(),
		Name:      name,
		Email:     email,
		Password:  hash,
		Status:    domain.StatusOffline,
		CreatedAt: a.nowMillis(),
	}
	if err := a.store.Set(ctx, userPath(rec.ID), rec); err != nil {
		return domain.User{}, storageErr("create user", err)
	}
	a.log.Info("user registered", "user_id", rec.ID)
	return publicUser(rec), nil
}

// Login checks credentials, marks the user online and issues a session
// token. The whole exchange is bounded by the login timeout.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.loginTimeout)
	defer cancel()

	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	rec, ok, err := a.findByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", err
	}
	if !ok || !auth.VerifyCredentials(rec.Password, password) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if err := a.writeStatus(ctx, rec.ID, domain.StatusOnline); err != nil {
		return domain.User{}, "", err
	}
	token, err := a.tokens.Issue(rec.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	a.Touch(ctx, rec.ID)
	rec.Status = domain.StatusOnline
	return publicUser(rec), token, nil
}

// Logout marks the token's user offline and revokes the token.
func (a *App) Logout(ctx context.Context, token string) error {
	token = normalizeToken(token)
	userID, err := a.validate(token)
	if err != nil {
		return err
	}
	if err := a.writeStatus(ctx, userID, domain.StatusOffline); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := a.tokens.Revoke(token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	a.forget(ctx, userID)
	return nil
}

// UpdateStatus sets the token owner's presence.
func (a *App) UpdateStatus(ctx context.Context, token, status string) error {
	parsed, ok := domain.ParseUserStatus(strings.TrimSpace(status))
	if !ok {
		return ErrInvalidStatus
	}
	userID, err := a.validate(normalizeToken(token))
	if err != nil {
		return err
	}
	return a.SetStatus(ctx, userID, parsed)
}

// UserFromToken resolves a session token to its user. Tokens of deleted
// accounts are rejected.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	userID, err := a.validate(normalizeToken(token))
	if err != nil {
		return domain.User{}, err
	}
	user, err := a.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return domain.User{}, ErrInvalidToken
	}
	return user, err
}

// Rename changes the display name.
func (a *App) Rename(ctx context.Context, user domain.User, name string) (domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, ErrNameRequired
	}
	if err := a.store.Set(ctx, userPath(user.ID)+"/name", name); err != nil {
		return domain.User{}, storageErr("rename user", err)
	}
	user.Name = name
	return user, nil
}

// DeleteAccount removes the user record and every contact edge that
// mentions the user, in both directions, in one batch. Outstanding tokens
// are revoked.
func (a *App) DeleteAccount(ctx context.Context, user domain.User) error {
	edges, err := a.store.Get(ctx, contactPath(user.ID, ""))
	if err != nil {
		return storageErr("read contacts", err)
	}
	removals := map[string]any{
		userPath(user.ID):        nil,
		contactPath(user.ID, ""): nil,
	}
	for _, edge := range edges.Children() {
		removals[contactPath(edge.Key, user.ID)] = nil
	}
	if err := a.store.Update(ctx, "", removals); err != nil {
		return storageErr("delete account", err)
	}
	if err := a.tokens.RevokeUser(user.ID); err != nil {
		a.log.Warn("revoke user tokens failed", "user_id", user.ID, "err", err)
	}
	a.forget(ctx, user.ID)
	a.log.Info("user deleted", "user_id", user.ID)
	return nil
}

func (a *App) validate(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := a.tokens.Validate(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return userID, nil
}

// normalizeToken drops an optional "Bearer " prefix.
func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
