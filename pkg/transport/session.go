package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradle/mycloud-sub005/pkg/errs"
)

// Session is a live connection of an identity to one node of the cluster
type Session struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Node        string    `json:"node"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Registry tracks live sessions across nodes and forwards frames to the
// node holding a session.
type Registry interface {
	// Register records sess as the current session of its identity
	Register(ctx context.Context, sess *Session) error
	// Unregister removes sess if it is still the current session
	Unregister(ctx context.Context, sess *Session) error
	// Lookup returns the current session of identity or an error wrapping errs.ErrNotFound
	Lookup(ctx context.Context, identity string) (*Session, error)
	// Forward hands frame to the node holding sess. It returns an error
	// wrapping errs.ErrClientUnreachable when no node accepted it.
	Forward(ctx context.Context, sess *Session, frame []byte) error
}

// LocalRegistry is a single-node Registry
type LocalRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewLocalRegistry creates an empty registry
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{sessions: make(map[string]*Session)}
}

func (r *LocalRegistry) Register(ctx context.Context, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.Identity] = sess
	return nil
}

func (r *LocalRegistry) Unregister(ctx context.Context, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[sess.Identity]; ok && cur.ID == sess.ID {
		delete(r.sessions, sess.Identity)
	}
	return nil
}

func (r *LocalRegistry) Lookup(ctx context.Context, identity string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[identity]
	if !ok {
		return nil, fmt.Errorf("session for %s: %w", identity, errs.ErrNotFound)
	}
	return sess, nil
}

// Forward always fails: a single node has no peers to forward to.
func (r *LocalRegistry) Forward(ctx context.Context, sess *Session, frame []byte) error {
	return fmt.Errorf("%w: session %s is on node %s", errs.ErrClientUnreachable, sess.ID, sess.Node)
}
