package treestore

import (
	"context"
	"sync"
)

// MemoryBackend keeps the tree in process. It is used for local runs
// (memory:// URLs) and as a test double that can simulate outages.
type MemoryBackend struct {
	mu        sync.RWMutex
	leaves    map[string]string
	connected bool
	writes    int
	writeHook func(Write) error

	subMu sync.Mutex
	subs  []chan Change
}

// NewMemoryBackend returns an empty, connected backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		leaves:    make(map[string]string),
		connected: true,
	}
}

// SetConnected toggles simulated connectivity. While disconnected every
// operation fails with ErrDisconnected.
func (m *MemoryBackend) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

// SetWriteHook installs a function consulted before each write; a non-nil
// error rejects the write without applying it.
func (m *MemoryBackend) SetWriteHook(hook func(Write) error) {
	m.mu.Lock()
	m.writeHook = hook
	m.mu.Unlock()
}

// Writes counts successfully applied batches.
func (m *MemoryBackend) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *MemoryBackend) Read(ctx context.Context, path string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrDisconnected
	}
	out := make(map[string]string)
	for p, v := range m.leaves {
		if p == path || isAncestor(path, p) {
			out[p] = v
		}
	}
	return out, nil
}

func (m *MemoryBackend) Apply(ctx context.Context, w Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrDisconnected
	}
	if m.writeHook != nil {
		if err := m.writeHook(w); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	for _, p := range w.Deletes {
		delete(m.leaves, p)
	}
	for _, c := range w.Clears {
		for p := range m.leaves {
			if p == c || isAncestor(c, p) {
				delete(m.leaves, p)
			}
		}
	}
	for p, v := range w.Puts {
		m.leaves[p] = v
	}
	m.writes++
	m.mu.Unlock()

	m.publish(Change{Origin: w.Origin, Paths: w.Paths})
	return nil
}

func (m *MemoryBackend) publish(change Change) {
	if len(change.Paths) == 0 {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		ch <- Change{Origin: change.Origin, Paths: append([]string(nil), change.Paths...)}
	}
}

func (m *MemoryBackend) Changes(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 1024)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	go func() {
		<-ctx.Done()
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, c := range m.subs {
			if c == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return ErrDisconnected
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
