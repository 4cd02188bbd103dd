package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradle/mycloud-sub005/internal/metrics"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

// WatchSealedPayload registers a watch for the seal carried by msg. Seals
// on a network other than the configured one are ignored, and so are
// watches that already exist.
func (e *Engine) WatchSealedPayload(ctx context.Context, msg *object.Message) error {
	seal := msg.Seal
	if seal == nil || e.seals == nil {
		return nil
	}
	log := e.logger.With(zap.String("link", seal.Link), zap.String("network", seal.Network))

	if seal.Network != e.cfg.Network.Name || seal.Blockchain != e.cfg.Network.Blockchain {
		metrics.SealWatches.WithLabelValues("foreign_network").Inc()
		log.Warn("Ignoring seal on foreign network",
			zap.String("blockchain", seal.Blockchain),
			zap.String("expected_network", e.cfg.Network.Name))
		return nil
	}

	err := e.seals.Watch(ctx, WatchRequest{
		Network:        seal.Network,
		Blockchain:     seal.Blockchain,
		Curve:          seal.Curve,
		BasePubKey:     seal.BasePubKey.Canonical(),
		HeaderHash:     seal.HeaderHash,
		PrevHeaderHash: seal.PrevHeaderHash,
		Link:           seal.Link,
		PrevLink:       seal.PrevLink,
		Object:         msg.Object,
	})
	switch {
	case errs.IsDuplicate(err):
		metrics.SealWatches.WithLabelValues("duplicate").Inc()
		log.Debug("Seal is already watched")
		return nil
	case err != nil:
		return fmt.Errorf("watching seal %s: %w", seal.Link, err)
	}
	metrics.SealWatches.WithLabelValues("registered").Inc()
	return nil
}

// ValidateNewVersion checks that obj is a valid successor of the version
// it names in PrevLink.
func (e *Engine) ValidateNewVersion(ctx context.Context, obj *object.Object) error {
	if obj.PrevLink == "" {
		return fmt.Errorf("%w: %v", errs.ErrInvalidVersion, object.ErrNoPrevious)
	}
	origLink := obj.RootLink
	if origLink == "" {
		origLink = obj.PrevLink
	}

	var prev, orig *object.Object
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		prev, err = e.getOptional(gctx, obj.PrevLink)
		return err
	})
	g.Go(func() error {
		var err error
		orig, err = e.getOptional(gctx, origLink)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if prev != nil {
		switch {
		case len(prev.Owners) > 0:
			if !contains(prev.Owners, obj.Author) {
				return fmt.Errorf("%w: %s is not an owner of %s", errs.ErrInvalidAuthor, obj.Author, obj.PrevLink)
			}
		case prev.Author != obj.Author:
			e.logger.Warn("New version has a different author",
				zap.String("prev", obj.PrevLink),
				zap.String("prev_author", prev.Author),
				zap.String("author", obj.Author))
		}
	}

	if err := object.ValidateVersion(obj, prev, orig); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidVersion, err)
	}
	return nil
}

func (e *Engine) getOptional(ctx context.Context, link string) (*object.Object, error) {
	obj, err := e.content.GetByLink(ctx, link)
	if errs.IsNotFound(err) {
		return nil, nil
	}
	return obj, err
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
