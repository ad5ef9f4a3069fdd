// Package treestore is a client for a tree-structured key/value store with
// live subscriptions. Values are nested mappings addressed by "/" paths.
package treestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// State is the client lifecycle stage.
type State string

const (
	StateOpen   State = "open"
	StateReady  State = "ready"
	StateFailed State = "failed"
	StateClosed State = "closed"
)

const (
	defaultPingInterval = 2 * time.Second
	defaultOpTimeout    = 5 * time.Second
)

// Config selects and tunes a backend.
type Config struct {
	// URL is redis://, rediss:// or memory://.
	URL string
	// CredentialsFile optionally points at a YAML file with username/password.
	CredentialsFile string
	KeyPrefix       string
	PingInterval    time.Duration
	OpTimeout       time.Duration
	Logger          *slog.Logger
}

type credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Options tune a client built around an existing backend.
type Options struct {
	PingInterval time.Duration
	OpTimeout    time.Duration
	Logger       *slog.Logger
}

// Client is the process-wide handle to the store. Build one with Open or
// New and pass it to every component that needs the store.
type Client struct {
	id           string
	backend      Backend
	log          *slog.Logger
	pingInterval time.Duration
	opTimeout    time.Duration

	mu        sync.Mutex
	state     State
	connected bool
	watchers  map[*watcher]struct{}
	connSubs  map[chan bool]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open builds the backend named by cfg.URL and returns a ready client.
// Bad URLs, unreadable credentials and an unreachable backend all fail here.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	client, err := New(ctx, backend, Options{
		PingInterval: cfg.PingInterval,
		OpTimeout:    cfg.OpTimeout,
		Logger:       cfg.Logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return client, nil
}

func openBackend(cfg Config) (Backend, error) {
	var creds credentials
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read store credentials: %w", err)
		}
		if err := yaml.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("parse store credentials: %w", err)
		}
	}
	raw := strings.TrimSpace(cfg.URL)
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return nil, fmt.Errorf("invalid store url %q", raw)
	}
	switch u.Scheme {
	case "memory":
		return NewMemoryBackend(), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse store url: %w", err)
		}
		if creds.Username != "" {
			opts.Username = creds.Username
		}
		if creds.Password != "" {
			opts.Password = creds.Password
		}
		return NewRedisBackend(redis.NewClient(opts), cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported store url scheme %q", u.Scheme)
	}
}

// New starts a client over backend. It fails if the backend does not
// answer a ping, leaving the client in StateFailed.
func New(ctx context.Context, backend Backend, opts Options) (*Client, error) {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		id:           uuid.NewString(),
		backend:      backend,
		log:          opts.Logger,
		pingInterval: opts.PingInterval,
		opTimeout:    opts.OpTimeout,
		state:        StateOpen,
		watchers:     make(map[*watcher]struct{}),
		connSubs:     make(map[chan bool]struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	err := backend.Ping(pingCtx)
	cancel()
	if err != nil {
		c.state = StateFailed
		return nil, fmt.Errorf("store unreachable: %w", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	changes, err := backend.Changes(runCtx)
	if err != nil {
		stop()
		c.state = StateFailed
		return nil, err
	}
	c.cancel = stop
	c.connected = true
	c.state = StateReady

	c.wg.Add(2)
	go c.dispatch(runCtx, changes)
	go c.monitor(runCtx)
	return c, nil
}

// State returns the lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops background work and releases the backend. Open
// subscriptions are closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	watchers := make([]*watcher, 0, len(c.watchers))
	for w := range c.watchers {
		watchers = append(watchers, w)
	}
	for ch := range c.connSubs {
		close(ch)
	}
	c.connSubs = map[chan bool]struct{}{}
	c.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.backend.Close()
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// Get reads the value at path.
func (c *Client) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := c.ready(); err != nil {
		return Snapshot{}, err
	}
	path, err := normalizePath(path)
	if err != nil {
		return Snapshot{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.read(ctx, path)
}

func (c *Client) read(ctx context.Context, path string) (Snapshot, error) {
	leaves, err := c.backend.Read(ctx, path)
	if err != nil {
		return Snapshot{}, err
	}
	value, exists, err := buildTree(path, leaves)
	if err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(path, value, exists), nil
}

// Result is the outcome of Once.
type Result struct {
	Snapshot Snapshot
	Err      error
}

// Once reads path in the background and delivers a single result.
func (c *Client) Once(ctx context.Context, path string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		snap, err := c.Get(ctx, path)
		out <- Result{Snapshot: snap, Err: err}
	}()
	return out
}

// Set replaces the subtree at path. A nil value removes it.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	return c.apply(ctx, map[string]any{path: value})
}

// Remove deletes the subtree at path.
func (c *Client) Remove(ctx context.Context, path string) error {
	return c.Set(ctx, path, nil)
}

// Update writes several relative paths below path in one atomic batch.
// Keys may span multiple segments ("a/b/c"); nil values delete.
func (c *Client) Update(ctx context.Context, path string, values map[string]any) error {
	base, err := normalizePath(path)
	if err != nil {
		return err
	}
	ops := make(map[string]any, len(values))
	for k, v := range values {
		rel, err := normalizePath(k)
		if err != nil {
			return err
		}
		if rel == "" {
			return fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		ops[Join(base, rel)] = v
	}
	if len(ops) == 0 {
		return nil
	}
	return c.apply(ctx, ops)
}

func (c *Client) apply(ctx context.Context, ops map[string]any) error {
	if err := c.ready(); err != nil {
		return err
	}
	w, err := buildWrite(ops)
	if err != nil {
		return err
	}
	w.Origin = c.id
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.backend.Apply(ctx, w); err != nil {
		return err
	}
	// Own writes reach local watchers before the call returns; the echo on
	// the change feed is skipped in dispatch.
	c.notifyPaths(w.Paths)
	return nil
}

// Query reads the children of path selected and ordered by q.
func (c *Client) Query(ctx context.Context, path string, q Query) ([]Snapshot, error) {
	snap, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return q.apply(snap), nil
}

// NewKey returns a unique child key. Keys generated later in this process
// sort after earlier ones.
func (c *Client) NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Connected reports the last observed connectivity.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WatchConnection streams connectivity. The current state is sent first;
// afterwards every transition and every Reconnect outcome is sent. Only the
// latest unread value is kept.
func (c *Client) WatchConnection(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	c.connSubs[ch] = struct{}{}
	ch <- c.connected
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if _, ok := c.connSubs[ch]; ok {
			delete(c.connSubs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}()
	return ch
}

// Reconnect asks the backend to come back online and reports the result to
// connection watchers even when the state did not change.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	err := c.backend.Ping(ctx)
	c.setConnected(err == nil, true)
	return err
}

func (c *Client) setConnected(connected, force bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	if changed || force {
		for ch := range c.connSubs {
			select {
			case <-ch:
			default:
			}
			ch <- connected
		}
	}
	var resync []*watcher
	if changed && connected {
		for w := range c.watchers {
			resync = append(resync, w)
		}
	}
	c.mu.Unlock()

	if changed {
		c.log.Info("store connectivity changed", "connected", connected)
	}
	for _, w := range resync {
		w.notify()
	}
}

func (c *Client) monitor(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
			err := c.backend.Ping(pingCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			c.setConnected(err == nil, false)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, changes <-chan Change) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if ch.Origin == c.id {
				continue
			}
			c.notifyPaths(ch.Paths)
		}
	}
}

func (c *Client) notifyPaths(paths []string) {
	if len(paths) == 0 {
		return
	}
	c.mu.Lock()
	var hit []*watcher
	for w := range c.watchers {
		for _, p := range paths {
			if related(w.path, p) {
				hit = append(hit, w)
				break
			}
		}
	}
	c.mu.Unlock()
	for _, w := range hit {
		w.notify()
	}
}

func (c *Client) register(w *watcher) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		if c.state == StateClosed {
			return ErrClosed
		}
		return ErrNotReady
	}
	c.watchers[w] = struct{}{}
	return nil
}

func (c *Client) unregister(w *watcher) {
	c.mu.Lock()
	delete(c.watchers, w)
	c.mu.Unlock()
}

// IsUnavailable reports errors caused by the backend being unreachable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrDisconnected) || errors.Is(err, ErrNotReady) || errors.Is(err, ErrClosed)
}
