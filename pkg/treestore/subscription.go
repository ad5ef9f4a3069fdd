package treestore

import (
	"context"
	"sort"
	"sync"
)

// EventType classifies subscription events.
type EventType string

const (
	EventValue        EventType = "value"
	EventChildAdded   EventType = "child_added"
	EventChildChanged EventType = "child_changed"
	EventChildRemoved EventType = "child_removed"
	// EventError reports a failed refresh; the subscription stays open.
	EventError EventType = "error"
)

// Event is delivered on a Subscription. For child events Snapshot is the
// child; a removed child carries its last known value.
type Event struct {
	Type     EventType
	Snapshot Snapshot
	Err      error
}

// ChildOptions tune SubscribeChildren.
type ChildOptions struct {
	// SkipExisting suppresses child_added for children present at subscribe time.
	SkipExisting bool
}

// Subscription is a live feed of events. C is closed after Close, after the
// subscribing context ends, or when the client closes.
type Subscription struct {
	C <-chan Event
	w *watcher
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.w == nil {
		return
	}
	s.w.stop()
}

type watcher struct {
	client *Client
	path   string

	mu      sync.Mutex
	pending int
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newWatcher(c *Client, path string) *watcher {
	return &watcher{
		client: c,
		path:   path,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *watcher) notify() {
	w.mu.Lock()
	w.pending++
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) take() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.pending
	w.pending = 0
	return n
}

func (w *watcher) stop() {
	w.once.Do(func() {
		close(w.done)
		w.client.unregister(w)
	})
}

func (w *watcher) read(ctx context.Context) (Snapshot, error) {
	ctx, cancel := w.client.withTimeout(ctx)
	defer cancel()
	return w.client.read(ctx, w.path)
}

func (w *watcher) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *watcher) wait(ctx context.Context) bool {
	select {
	case <-w.signal:
		return true
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// SubscribeValue delivers the current value at path and then one value
// event per write that touches path, including writes that store the same
// value again.
func (c *Client) SubscribeValue(ctx context.Context, path string) (*Subscription, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	w := newWatcher(c, path)
	if err := c.register(w); err != nil {
		return nil, err
	}
	// Drop notifications raised before the initial read; it observes them.
	w.take()
	out := make(chan Event)
	go func() {
		defer close(out)
		defer w.stop()
		snap, err := w.read(ctx)
		if !w.emit(ctx, out, Event{Type: EventValue, Snapshot: snap, Err: err}) {
			return
		}
		for w.wait(ctx) {
			n := w.take()
			if n == 0 {
				continue
			}
			snap, err := w.read(ctx)
			for i := 0; i < n; i++ {
				if !w.emit(ctx, out, Event{Type: EventValue, Snapshot: snap, Err: err}) {
					return
				}
			}
		}
	}()
	return &Subscription{C: out, w: w}, nil
}

// SubscribeChildren delivers child_added, child_changed and child_removed
// events for the direct children of path. Each child key is announced as
// added at most once while it stays present.
func (c *Client) SubscribeChildren(ctx context.Context, path string, opts ChildOptions) (*Subscription, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	w := newWatcher(c, path)
	if err := c.register(w); err != nil {
		return nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		defer w.stop()
		known := make(map[string]childState)
		first := true
		for {
			w.take()
			snap, err := w.read(ctx)
			if err != nil {
				if !w.emit(ctx, out, Event{Type: EventError, Err: err}) {
					return
				}
			} else {
				events := diffChildren(known, snap, first && opts.SkipExisting)
				first = false
				for _, ev := range events {
					if !w.emit(ctx, out, ev) {
						return
					}
				}
			}
			if !w.wait(ctx) {
				return
			}
		}
	}()
	return &Subscription{C: out, w: w}, nil
}

type childState struct {
	snap Snapshot
	sum  string
}

// diffChildren updates known to match snap and returns the events that
// describe the difference, in key order.
func diffChildren(known map[string]childState, snap Snapshot, silent bool) []Event {
	current := make(map[string]childState)
	for _, child := range snap.Children() {
		current[child.Key] = childState{snap: child, sum: canonical(child.Value())}
	}

	var events []Event
	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cur := current[k]
		prev, ok := known[k]
		switch {
		case !ok:
			if !silent {
				events = append(events, Event{Type: EventChildAdded, Snapshot: cur.snap})
			}
		case prev.sum != cur.sum:
			events = append(events, Event{Type: EventChildChanged, Snapshot: cur.snap})
		}
	}

	removed := make([]string, 0)
	for k := range known {
		if _, ok := current[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		events = append(events, Event{Type: EventChildRemoved, Snapshot: known[k].snap})
	}

	for k := range known {
		delete(known, k)
	}
	for k, v := range current {
		known[k] = v
	}
	return events
}
