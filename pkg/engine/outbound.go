package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradle/mycloud-sub005/internal/metrics"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

// QueueMessage signs an envelope for req and writes it to the ledger with
// the next sequence number of the recipient. When another writer takes that
// number first the envelope is redrafted on the new ledger head, up to
// Config.MaxQueueAttempts times. A seal on the request registers a watch
// once the envelope is written. The returned envelope carries the stored
// form of the payload.
func (e *Engine) QueueMessage(ctx context.Context, req QueueRequest) (*object.Message, error) {
	if req.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", errs.ErrInvalidMessage)
	}
	author := req.Author
	if author == "" {
		author = e.cfg.Identity
	}
	log := e.logger.With(zap.String("recipient", req.Recipient))

	var (
		payload *Payload
		last    ledger.SeqLink
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		payload, err = e.GetOrCreatePayload(gctx, author, req.Object, req.Link)
		return err
	})
	g.Go(func() error {
		if _, err := e.contacts.ByPermalink(gctx, req.Recipient); err != nil {
			return fmt.Errorf("recipient %s: %w", req.Recipient, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		last, err = e.ledger.GetLastSeqAndLink(gctx, req.Recipient)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= e.cfg.MaxQueueAttempts; attempt++ {
		if attempt > 1 {
			var err error
			if last, err = e.ledger.GetLastSeqAndLink(ctx, req.Recipient); err != nil {
				return nil, err
			}
		}

		stored, err := e.draft(ctx, author, req, payload, last)
		if err != nil {
			return nil, err
		}

		err = e.ledger.Save(ctx, stored)
		if errs.IsDuplicate(err) {
			metrics.SequenceConflicts.Inc()
			log.Debug("Lost race for sequence number",
				zap.Int64("seq", stored.Seq),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		if stored.Seal != nil {
			// The envelope is committed; a failed watch must not read as a failed queue
			if err := e.WatchSealedPayload(ctx, stored); err != nil {
				log.Error("Failed to watch seal of queued message",
					zap.Int64("seq", stored.Seq),
					zap.Error(err))
			}
		}

		metrics.MessagesQueued.Inc()
		log.Debug("Queued message",
			zap.Int64("seq", stored.Seq),
			zap.String("link", stored.Meta().Link),
			zap.String("type", stored.Object.Type))
		return stored, nil
	}

	log.Warn("Gave up allocating sequence number", zap.Int("attempts", e.cfg.MaxQueueAttempts))
	return nil, &errs.CloudServiceError{
		Op:        "queue message",
		Retryable: true,
		Err:       fmt.Errorf("lost %d races for the next sequence number to %s", e.cfg.MaxQueueAttempts, req.Recipient),
	}
}

// draft builds and signs the envelope following last. The signature and
// link cover the wire payload; the returned envelope carries the stored one.
func (e *Engine) draft(ctx context.Context, author string, req QueueRequest, payload *Payload, last ledger.SeqLink) (*object.Message, error) {
	msg := &object.Message{
		Header:    object.Header{Type: object.TypeMessage, Time: e.now().UnixMilli()},
		Recipient: req.Recipient,
		Seq:       last.Next(),
		Prev:      last.Link,
		Object:    payload.Wire,
		Context:   req.Context,
		Other:     req.Other,
	}
	if req.Seal != nil {
		seal := *req.Seal
		msg.Seal = &seal
	}

	if err := e.signer.Sign(ctx, author, msg); err != nil {
		return nil, fmt.Errorf("signing message to %s: %w", req.Recipient, err)
	}
	if err := e.content.AddMetadata(msg); err != nil {
		return nil, err
	}

	return msg.WithObject(payload.Stored), nil
}

// QueueMessageBatch queues reqs. Requests to the same recipient are queued
// one after another in input order; different recipients are queued in
// parallel. The result is in input order.
func (e *Engine) QueueMessageBatch(ctx context.Context, reqs []QueueRequest) ([]*object.Message, error) {
	order := make([]string, 0)
	byRecipient := make(map[string][]int)
	for i, req := range reqs {
		if _, ok := byRecipient[req.Recipient]; !ok {
			order = append(order, req.Recipient)
		}
		byRecipient[req.Recipient] = append(byRecipient[req.Recipient], i)
	}

	out := make([]*object.Message, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for _, recipient := range order {
		indexes := byRecipient[recipient]
		g.Go(func() error {
			for _, i := range indexes {
				msg, err := e.QueueMessage(gctx, reqs[i])
				if err != nil {
					return err
				}
				out[i] = msg
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage queues a message and attempts to deliver it right away
func (e *Engine) SendMessage(ctx context.Context, req QueueRequest) (*object.Message, error) {
	msg, err := e.QueueMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.AttemptLiveDelivery(ctx, req.Recipient, []*object.Message{msg}); err != nil {
		return msg, fmt.Errorf("delivering message %d to %s: %w", msg.Seq, req.Recipient, err)
	}
	return msg, nil
}
