package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/selzzaf/desktopchatapp/internal/metrics"
	"github.com/selzzaf/desktopchatapp/pkg/conversation"
	"github.com/selzzaf/desktopchatapp/pkg/domain"
)

// AddContact links a and b in both directions. The two edges are separate
// writes: when the second fails a *PartialEdgeError names the half that
// landed.
func (a *App) AddContact(ctx context.Context, userID, contactID string) error {
	if err := conversation.ValidateUserID(contactID); err != nil {
		return invalidArg(err)
	}
	if userID == contactID {
		return ErrSelfContact
	}
	if _, err := a.loadUser(ctx, contactID); err != nil {
		return err
	}
	edge := domain.ContactEdge{Unread: false}
	forward, backward := contactPath(userID, contactID), contactPath(contactID, userID)
	if err := a.store.Set(ctx, forward, edge); err != nil {
		return storageErr("add contact", err)
	}
	if err := a.store.Set(ctx, backward, edge); err != nil {
		metrics.PartialEdges.Inc()
		a.log.Error("contact edge half applied", "applied", forward, "failed", backward, "err", err)
		return &PartialEdgeError{Applied: forward, Failed: backward, Err: err}
	}
	return nil
}

// AddContactByEmail resolves email to a user and adds it as a contact.
func (a *App) AddContactByEmail(ctx context.Context, userID, email string) (domain.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return domain.User{}, ErrInvalidEmail
	}
	rec, ok, err := a.findByEmail(ctx, email)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	if err := a.AddContact(ctx, userID, rec.ID); err != nil {
		return domain.User{}, err
	}
	return publicUser(rec), nil
}

// RemoveContact deletes both edges, forward first. Removing a missing
// edge is not an error.
func (a *App) RemoveContact(ctx context.Context, userID, contactID string) error {
	if err := conversation.ValidateUserID(contactID); err != nil {
		return invalidArg(err)
	}
	forward, backward := contactPath(userID, contactID), contactPath(contactID, userID)
	if err := a.store.Remove(ctx, forward); err != nil {
		return storageErr("remove contact", err)
	}
	if err := a.store.Remove(ctx, backward); err != nil {
		metrics.PartialEdges.Inc()
		a.log.Error("contact edge half removed", "applied", forward, "failed", backward, "err", err)
		return &PartialEdgeError{Applied: forward, Failed: backward, Err: err}
	}
	return nil
}

// ListContacts returns the contacts of userID in edge order. Users are
// looked up concurrently; if any lookup fails the call fails with every
// lookup error joined.
func (a *App) ListContacts(ctx context.Context, userID string) ([]domain.Contact, error) {
	edges, err := a.store.Get(ctx, contactPath(userID, ""))
	if err != nil {
		return nil, storageErr("read contacts", err)
	}
	children := edges.Children()
	out := make([]domain.Contact, len(children))
	errs := make([]error, len(children))

	var g errgroup.Group
	g.SetLimit(a.lookupConcurrency)
	for i, child := range children {
		var edge domain.ContactEdge
		decodeErr := child.Decode(&edge)
		out[i].Unread = edge.Unread
		contactID := child.Key
		g.Go(func() error {
			if decodeErr != nil {
				errs[i] = storageErr("decode contact "+contactID, decodeErr)
				return errs[i]
			}
			lookupCtx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
			defer cancel()
			user, err := a.GetUser(lookupCtx, contactID)
			if err != nil {
				errs[i] = fmt.Errorf("contact %s: %w", contactID, err)
				return errs[i]
			}
			out[i].User = user
			return nil
		})
	}
	if g.Wait() != nil {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// MarkConversationRead clears the unread flag userID keeps for otherID.
func (a *App) MarkConversationRead(ctx context.Context, userID, otherID string) error {
	if err := conversation.ValidateUserID(otherID); err != nil {
		return invalidArg(err)
	}
	path := contactPath(userID, otherID)
	snap, err := a.store.Get(ctx, path)
	if err != nil {
		return storageErr("read contact", err)
	}
	if !snap.Exists() {
		return nil
	}
	if err := a.store.Set(ctx, path+"/unread", false); err != nil {
		return storageErr("clear unread", err)
	}
	return nil
}
