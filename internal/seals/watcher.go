// Package seals keeps the registry of payloads waiting for their seal to
// appear on a ledger.
package seals

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/tradle/mycloud-sub005/internal/storage"
	"github.com/tradle/mycloud-sub005/pkg/engine"
)

// ErrMissingLink is returned for a watch request without a payload link
var ErrMissingLink = errors.New("seal watch requires a link")

// Watcher registers seal watches in a WatchStore
type Watcher struct {
	store  storage.WatchStore
	logger *zap.Logger
	now    func() time.Time
}

// NewWatcher creates a watcher
func NewWatcher(store storage.WatchStore, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:  store,
		logger: logger.Named("seals"),
		now:    time.Now,
	}
}

// Key returns the unique key of a watch. Requests for the same seal of the
// same payload on the same network share a key.
func Key(req engine.WatchRequest) string {
	h := sha3.New256()
	for _, part := range []string{req.Network, req.Blockchain, req.Link, req.HeaderHash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Watch registers req. A request whose key is already watched returns an
// error wrapping errs.ErrDuplicate.
func (w *Watcher) Watch(ctx context.Context, req engine.WatchRequest) error {
	if req.Link == "" {
		return ErrMissingLink
	}
	watch := &storage.Watch{
		Key:            Key(req),
		Network:        req.Network,
		Blockchain:     req.Blockchain,
		Curve:          req.Curve,
		BasePubKey:     req.BasePubKey,
		HeaderHash:     req.HeaderHash,
		PrevHeaderHash: req.PrevHeaderHash,
		Link:           req.Link,
		PrevLink:       req.PrevLink,
		Status:         storage.WatchStatusPending,
		CreatedAt:      w.now().UTC(),
	}
	if req.Object != nil {
		watch.PayloadType = req.Object.Type
	}

	if err := w.store.InsertWatch(ctx, watch); err != nil {
		return fmt.Errorf("registering watch for %s: %w", req.Link, err)
	}
	w.logger.Info("Watching seal",
		zap.String("link", req.Link),
		zap.String("network", req.Network),
		zap.String("key", watch.Key))
	return nil
}

// Get returns the watch with the given key
func (w *Watcher) Get(ctx context.Context, key string) (*storage.Watch, error) {
	return w.store.GetWatch(ctx, key)
}

// Pending returns watches still waiting for their seal
func (w *Watcher) Pending(ctx context.Context, limit int) ([]*storage.Watch, error) {
	return w.store.ListWatches(ctx, &storage.WatchFilter{
		Status: storage.WatchStatusPending,
		Limit:  limit,
	})
}
