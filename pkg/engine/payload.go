package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/pkg/content"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

// GetOrCreatePayload resolves the payload of an outbound message. With a
// link the stored payload is fetched and nothing is written. With an object
// the payload is signed by author unless it already carries a valid
// signature, then saved once.
func (e *Engine) GetOrCreatePayload(ctx context.Context, author string, obj *object.Object, link string) (*Payload, error) {
	switch {
	case obj != nil:
		return e.createPayload(ctx, author, obj)
	case link != "":
		stored, err := e.content.GetByLink(ctx, link)
		if err != nil {
			return nil, err
		}
		wire, err := e.content.ResolveEmbeds(ctx, stored)
		if err != nil {
			return nil, err
		}
		return &Payload{Stored: stored, Wire: wire}, nil
	default:
		return nil, fmt.Errorf("%w: payload object or link is required", errs.ErrInvalidMessage)
	}
}

func (e *Engine) createPayload(ctx context.Context, author string, obj *object.Object) (*Payload, error) {
	wire := obj.Clone()
	if !e.hasValidSignature(ctx, wire) {
		if wire.Time == 0 {
			wire.Time = e.now().UnixMilli()
		}
		if err := e.signer.Sign(ctx, author, wire); err != nil {
			return nil, fmt.Errorf("signing %s: %w", wire.Type, err)
		}
	}

	stored, err := e.content.Save(ctx, wire, content.SaveOptions{Index: !e.unindexed[wire.Type]})
	if err != nil {
		return nil, err
	}
	return &Payload{New: true, Stored: stored, Wire: wire}, nil
}

func (e *Engine) hasValidSignature(ctx context.Context, obj *object.Object) bool {
	if !obj.IsSigned() {
		return false
	}
	if err := e.signer.VerifyAuthor(ctx, obj); err != nil {
		e.logger.Debug("Re-signing payload with invalid signature",
			zap.String("type", obj.Type),
			zap.Error(err))
		return false
	}
	return true
}
