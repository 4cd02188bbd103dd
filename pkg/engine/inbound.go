package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradle/mycloud-sub005/internal/metrics"
	"github.com/tradle/mycloud-sub005/pkg/content"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

// NormalizeAndValidateInbound prepares a received envelope and checks it.
// On success the envelope and its payload are in wire form, carry their
// links and are marked inbound.
func (e *Engine) NormalizeAndValidateInbound(ctx context.Context, msg *object.Message) (*object.Message, error) {
	object.NormalizeBinary(msg)

	if msg.Object != nil {
		resolved, err := e.content.ResolveEmbeds(ctx, msg.Object)
		if err != nil {
			return nil, fmt.Errorf("resolving payload: %w", err)
		}
		msg = msg.WithObject(resolved)
	}

	if err := e.content.AddMetadata(msg); err != nil {
		return nil, err
	}
	if err := e.ledger.ValidateInbound(msg); err != nil {
		return nil, err
	}
	if msg.Recipient != e.cfg.Identity {
		return nil, fmt.Errorf("%w: addressed to %s, not this node", errs.ErrInvalidMessage, msg.Recipient)
	}

	payload := msg.Object
	if e.forbidden[payload.Type] {
		return nil, fmt.Errorf("%w: %s", errs.ErrForbidden, payload.Type)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.signer.VerifyAuthor(gctx, msg)
	})
	if payload.SigPubKey != msg.SigPubKey {
		g.Go(func() error {
			return e.signer.VerifyAuthor(gctx, payload)
		})
		if payload.Org != nil {
			g.Go(func() error {
				return e.signer.VerifyOrg(gctx, payload)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if e.cfg.NoTimeTravel {
		if err := e.ledger.AssertTimestampIncreased(ctx, msg); err != nil {
			return nil, err
		}
	}
	if e.cfg.ValidateVersions && payload.PrevLink != "" {
		if err := e.ValidateNewVersion(ctx, payload); err != nil {
			return nil, err
		}
	}

	msg.Meta().Inbound = true
	payload.Meta().Inbound = true
	return msg, nil
}

// ReceiveMessage validates and persists a message sent to this node. The
// returned envelope is the validated one. Failures are *InboundError.
func (e *Engine) ReceiveMessage(ctx context.Context, msg *object.Message, opts ReceiveOptions) (*object.Message, error) {
	received, err := e.receive(ctx, msg, opts)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues(receiveResult(err)).Inc()
		return nil, &InboundError{Message: msg, Err: err}
	}
	metrics.MessagesReceived.WithLabelValues("accepted").Inc()
	return received, nil
}

func (e *Engine) receive(ctx context.Context, msg *object.Message, opts ReceiveOptions) (*object.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: empty message", errs.ErrInvalidMessage)
	}
	log := e.logger.With(zap.String("author", msg.Author), zap.Int64("seq", msg.Seq))

	if msg.StripVirtual() {
		log.Warn("Stripped virtual properties from inbound message")
	}

	if err := e.addIntroducedContact(ctx, msg.Object, opts, log); err != nil {
		return nil, err
	}

	validated, err := e.NormalizeAndValidateInbound(ctx, msg)
	if err != nil {
		return nil, err
	}
	payload := validated.Object

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.content.Save(gctx, payload, content.SaveOptions{Index: !e.unindexed[payload.Type]})
		return err
	})
	g.Go(func() error {
		return e.ledger.Save(gctx, validated)
	})
	if validated.Seal != nil {
		g.Go(func() error {
			return e.WatchSealedPayload(gctx, validated)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	author := validated.Author
	e.tasks.Add("warm-identity", func(ctx context.Context) error {
		return e.contacts.Warm(ctx, author)
	})

	log.Debug("Received message",
		zap.String("link", validated.Meta().Link),
		zap.String("type", payload.Type))
	return validated, nil
}

// addIntroducedContact registers the identity carried by an introduction
// unless it is the identity of the current session
func (e *Engine) addIntroducedContact(ctx context.Context, payload *object.Object, opts ReceiveOptions, log *zap.Logger) error {
	kind := object.Classify(payload)
	if !kind.IntroducesIdentity() {
		return nil
	}
	ident, ok := object.EmbeddedIdentity(payload)
	if !ok {
		log.Debug("Introduction carries no identity", zap.Stringer("kind", kind))
		return nil
	}

	permalink, err := object.PermalinkOf(ident.Clone())
	if err != nil {
		return err
	}
	if permalink == opts.SessionIdentity {
		return nil
	}

	added, err := e.contacts.AddContact(ctx, ident)
	if err != nil {
		return fmt.Errorf("adding contact %s: %w", permalink, err)
	}
	if added {
		log.Info("Added contact", zap.String("identity", permalink), zap.Stringer("kind", kind))
	}
	return nil
}

func receiveResult(err error) string {
	switch {
	case errs.IsDuplicate(err):
		return "duplicate"
	case errs.IsValidation(err):
		return "rejected"
	default:
		return "error"
	}
}
