// Package tasks runs fire-and-forget background work that the host drains
// before shutting down.
package tasks

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Registry starts registered tasks right away and tracks them until they
// finish. Tasks run with a context detached from the caller's request and
// cancelled when Drain gives up.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]string // id -> name
	wg      sync.WaitGroup
	closed  bool
}

// NewRegistry creates a registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("tasks"),
		pending: make(map[string]string),
	}
}

// Add starts fn in the background. Tasks added after Drain are dropped.
func (r *Registry) Add(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("Dropping task added after drain", zap.String("task", name))
		return
	}
	id := ulid.Make().String()
	r.pending[id] = name
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pending, id)
			r.mu.Unlock()
		}()

		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("Task failed",
				zap.String("task", name),
				zap.String("id", id),
				zap.Error(err))
		}
	}()
}

// Pending returns the number of running tasks
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Drain stops accepting tasks and waits for running ones until ctx is done,
// then cancels whatever is left.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		left := make([]string, 0, len(r.pending))
		for _, name := range r.pending {
			left = append(left, name)
		}
		r.mu.Unlock()
		r.logger.Warn("Cancelling unfinished tasks", zap.Strings("tasks", left))
		r.cancel()
		return ctx.Err()
	}
}
