package treestore

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("treestore: client closed")
	ErrNotReady     = errors.New("treestore: client not ready")
	ErrInvalidPath  = errors.New("treestore: invalid path")
	ErrNotFound     = errors.New("treestore: no value at path")
	ErrDisconnected = errors.New("treestore: backend disconnected")
)

// Change announces the paths of one applied Write. Origin is the writing
// client's id.
type Change struct {
	Origin string   `json:"origin,omitempty"`
	Paths  []string `json:"paths"`
}

// Backend stores the flattened tree. Leaves are keyed by full path and hold
// JSON-encoded scalars or the empty-mapping marker.
type Backend interface {
	// Read returns every leaf at or below path.
	Read(ctx context.Context, path string) (map[string]string, error)
	// Apply stores a batch atomically and announces w.Paths on the change feed.
	Apply(ctx context.Context, w Write) error
	// Changes streams every applied batch, including this process's own.
	Changes(ctx context.Context) (<-chan Change, error)
	Ping(ctx context.Context) error
	Close() error
}
