package app

import (
	"context"
	"sync"

	"github.com/selzzaf/desktopchatapp/pkg/domain"
	"github.com/selzzaf/desktopchatapp/pkg/treestore"
)

// SetStatus writes users/{id}/status. Every call is a write, so value
// subscribers see repeated statuses too.
func (a *App) SetStatus(ctx context.Context, userID string, status domain.UserStatus) error {
	if _, ok := domain.ParseUserStatus(string(status)); !ok {
		return ErrInvalidStatus
	}
	if err := a.writeStatus(ctx, userID, status); err != nil {
		return err
	}
	if status == domain.StatusOnline {
		a.Touch(ctx, userID)
	} else {
		a.forget(ctx, userID)
	}
	return nil
}

// writeStatus refuses to create a bare status node for an unknown user.
func (a *App) writeStatus(ctx context.Context, userID string, status domain.UserStatus) error {
	if _, err := a.loadUser(ctx, userID); err != nil {
		return err
	}
	if err := a.store.Set(ctx, userPath(userID)+"/status", string(status)); err != nil {
		return storageErr("set status", err)
	}
	return nil
}

// PresenceListener receives contact presence changes. Calls are serialized.
type PresenceListener func(domain.PresenceEvent)

// PresenceWatch tracks the presence of every contact of one user. Each
// contact edge owns one status subscription, opened when the edge appears
// and closed when it goes away.
type PresenceWatch struct {
	store    Store
	listener PresenceListener
	ctx      context.Context
	cancel   context.CancelFunc
	edges    *treestore.Subscription

	mu       sync.Mutex
	registry map[string]*treestore.Subscription
	emitMu   sync.Mutex
	wg       sync.WaitGroup
	once     sync.Once
}

// SubscribeToContactPresence relays {contactId, status} for every contact
// of user, and a removal event when a contact edge is deleted.
func (a *App) SubscribeToContactPresence(ctx context.Context, userID string, listener PresenceListener) (*PresenceWatch, error) {
	if listener == nil {
		return nil, invalidArg(errNilListener)
	}
	ctx, cancel := context.WithCancel(ctx)
	edges, err := a.store.SubscribeChildren(ctx, contactPath(userID, ""), treestore.ChildOptions{})
	if err != nil {
		cancel()
		return nil, storageErr("subscribe contacts", err)
	}
	pw := &PresenceWatch{
		store:    a.store,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		edges:    edges,
		registry: make(map[string]*treestore.Subscription),
	}
	pw.wg.Add(1)
	go pw.run(a)
	return pw, nil
}

func (pw *PresenceWatch) run(a *App) {
	defer pw.wg.Done()
	for ev := range pw.edges.C {
		switch ev.Type {
		case treestore.EventChildAdded:
			pw.add(a, ev.Snapshot.Key)
		case treestore.EventChildRemoved:
			pw.remove(ev.Snapshot.Key)
		case treestore.EventError:
			a.log.Warn("contact presence refresh failed", "err", ev.Err)
		}
	}
}

func (pw *PresenceWatch) add(a *App, contactID string) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if _, ok := pw.registry[contactID]; ok || pw.ctx.Err() != nil {
		return
	}
	sub, err := pw.store.SubscribeValue(pw.ctx, userPath(contactID)+"/status")
	if err != nil {
		a.log.Warn("subscribe contact status failed", "contact_id", contactID, "err", err)
		return
	}
	pw.registry[contactID] = sub
	pw.wg.Add(1)
	go func() {
		defer pw.wg.Done()
		for ev := range sub.C {
			if ev.Err != nil || !ev.Snapshot.Exists() {
				continue
			}
			pw.emit(domain.PresenceEvent{ContactID: contactID, Status: domain.UserStatus(ev.Snapshot.String())})
		}
	}()
}

func (pw *PresenceWatch) remove(contactID string) {
	pw.mu.Lock()
	sub, ok := pw.registry[contactID]
	delete(pw.registry, contactID)
	pw.mu.Unlock()
	if !ok {
		return
	}
	sub.Close()
	pw.emit(domain.PresenceEvent{ContactID: contactID, Removed: true})
}

func (pw *PresenceWatch) emit(ev domain.PresenceEvent) {
	pw.emitMu.Lock()
	defer pw.emitMu.Unlock()
	if pw.ctx.Err() != nil {
		return
	}
	pw.listener(ev)
}

// Watched returns the number of contacts currently tracked.
func (pw *PresenceWatch) Watched() int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return len(pw.registry)
}

// Close stops every subscription. No listener call happens after Close
// returns.
func (pw *PresenceWatch) Close() {
	pw.once.Do(func() {
		pw.cancel()
		pw.edges.Close()
		pw.mu.Lock()
		for id, sub := range pw.registry {
			sub.Close()
			delete(pw.registry, id)
		}
		pw.mu.Unlock()
		pw.wg.Wait()
	})
}
