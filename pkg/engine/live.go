package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradle/mycloud-sub005/internal/metrics"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
	"github.com/tradle/mycloud-sub005/pkg/object"
	"github.com/tradle/mycloud-sub005/pkg/transport"
)

// channels holds the ways a recipient can currently be reached
type channels struct {
	session *transport.Session
	friend  *delivery.Friend
}

func (c channels) none() bool {
	return c.session == nil && c.friend == nil
}

func (e *Engine) resolveChannels(ctx context.Context, recipient string) (channels, error) {
	var c channels
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sess, err := e.sessions.Get(gctx, recipient)
		if err != nil && !errs.IsNotFound(err) {
			return err
		}
		c.session = sess
		return nil
	})
	g.Go(func() error {
		friend, err := e.friends.GetByIdentityPermalink(gctx, recipient)
		if err != nil && !errs.IsNotFound(err) {
			return err
		}
		c.friend = friend
		return nil
	})
	if err := g.Wait(); err != nil {
		return channels{}, err
	}
	return c, nil
}

// AttemptLiveDelivery tries to deliver msgs, already queued and in seq
// order, to recipient right away. A recipient with no live session and no
// friend entry is skipped. For a friend, undelivered earlier messages are
// flushed first and msgs are held back if that flush does not complete.
// An unreachable live client is sent one push notification.
func (e *Engine) AttemptLiveDelivery(ctx context.Context, recipient string, msgs []*object.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	log := e.logger.With(zap.String("recipient", recipient))

	c, err := e.resolveChannels(ctx, recipient)
	if err != nil {
		return err
	}
	if c.none() {
		metrics.DeliveryAttempts.WithLabelValues("no_channel").Inc()
		log.Debug("Recipient has no live session or friend entry")
		return nil
	}

	if c.friend != nil {
		flushed, through, err := e.deliverPreviousUndelivered(ctx, recipient, c)
		if err != nil {
			return err
		}
		if !flushed {
			metrics.DeliveryAttempts.WithLabelValues("backlog_pending").Inc()
			log.Info("Holding back messages until earlier ones are delivered")
			return nil
		}
		msgs = after(msgs, through)
		if len(msgs) == 0 {
			return nil
		}
	}

	err = e.deliver(ctx, recipient, msgs, c)
	switch {
	case err == nil:
		return nil
	case errs.IsNotFound(err):
		log.Debug("No channel to recipient, dropping live attempt", zap.Error(err))
		return nil
	case errors.Is(err, errs.ErrClientUnreachable):
		log.Debug("Recipient unreachable, sending push notification")
		if pushErr := e.SendPushNotification(ctx, recipient); pushErr != nil {
			log.Warn("Push notification failed", zap.Error(pushErr))
		}
		return nil
	default:
		return err
	}
}

// ResumeDelivery retries delivery to counterparty after a failure. It
// reports true when nothing is left to deliver and false when the delivery
// is stuck or could not complete.
func (e *Engine) ResumeDelivery(ctx context.Context, counterparty string) (bool, error) {
	log := e.logger.With(zap.String("counterparty", counterparty))

	rec, err := e.delivery.GetError(ctx, counterparty)
	if errs.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if e.delivery.IsStuck(rec) {
		log.Warn("Delivery is stuck, not resuming",
			zap.String("reason", rec.Reason),
			zap.Int("attempts", rec.Attempts))
		return false, nil
	}

	c, err := e.resolveChannels(ctx, counterparty)
	if err != nil {
		return false, err
	}
	if c.none() {
		log.Debug("Counterparty is not reachable, deferring retry")
		if err := e.delivery.Defer(ctx, counterparty, ""); err != nil {
			return false, err
		}
		return false, nil
	}

	ok, _, err := e.resume(ctx, counterparty, rec, c)
	return ok, err
}

// deliverPreviousUndelivered flushes the backlog recorded by a delivery
// error, if any. It returns whether the backlog is clear and the highest
// seq it covered.
func (e *Engine) deliverPreviousUndelivered(ctx context.Context, recipient string, c channels) (bool, int64, error) {
	rec, err := e.delivery.GetError(ctx, recipient)
	if errs.IsNotFound(err) {
		return true, object.FirstSeq - 1, nil
	}
	if err != nil {
		return false, 0, err
	}
	if e.delivery.IsStuck(rec) {
		e.logger.Warn("Delivery is stuck", zap.String("recipient", recipient), zap.String("reason", rec.Reason))
		return false, rec.After, nil
	}
	return e.resume(ctx, recipient, rec, c)
}

// resume delivers the outbound messages after rec.After, page by page,
// and clears rec once the backlog is empty. Until then rec stays in place:
// a failed send counts an attempt on it and any other failure defers it.
func (e *Engine) resume(ctx context.Context, counterparty string, rec *delivery.ErrorRecord, c channels) (bool, int64, error) {
	log := e.logger.With(zap.String("counterparty", counterparty))

	r := e.delivery.GetRangeFromError(rec)
	if r.Limit <= 0 {
		r.Limit = e.cfg.BacklogPageSize
	}
	through := r.After
	for {
		msgs, err := e.ledger.ListOutbound(ctx, counterparty, ledger.Range{After: through, Limit: r.Limit})
		if err != nil {
			return false, through, e.deferResume(ctx, counterparty, err)
		}
		if len(msgs) > 0 {
			wire, err := e.toWire(ctx, msgs)
			if err != nil {
				return false, through, e.deferResume(ctx, counterparty, err)
			}
			if err := e.send(ctx, counterparty, wire, c); err != nil {
				log.Info("Resumed delivery failed", zap.Int64("after", through), zap.Error(err))
				if errors.Is(err, delivery.ErrNotRecorded) {
					return false, through, err
				}
				return false, through, nil
			}
			through = msgs[len(msgs)-1].Seq
		}
		if len(msgs) < r.Limit {
			break
		}
		if err := e.delivery.Advance(ctx, counterparty, through); err != nil {
			log.Warn("Failed to record delivery progress", zap.Int64("through", through), zap.Error(err))
		}
	}

	if _, err := e.delivery.ResetError(ctx, counterparty); err != nil {
		return false, through, err
	}
	return true, through, nil
}

// deferResume postpones the retry of a resume that failed before anything
// was sent and returns cause
func (e *Engine) deferResume(ctx context.Context, counterparty string, cause error) error {
	if err := e.delivery.Defer(ctx, counterparty, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// deliver sends the wire form of msgs over the best channel in c
func (e *Engine) deliver(ctx context.Context, recipient string, msgs []*object.Message, c channels) error {
	wire, err := e.toWire(ctx, msgs)
	if err != nil {
		return err
	}
	return e.send(ctx, recipient, wire, c)
}

// send hands wire forms to the dispatcher
func (e *Engine) send(ctx context.Context, recipient string, wire []*object.Message, c channels) error {
	err := e.delivery.DeliverBatch(ctx, delivery.Batch{
		Recipient: recipient,
		Messages:  wire,
		Session:   c.session,
		Friend:    c.friend,
	})
	metrics.DeliveryAttempts.WithLabelValues(deliveryResult(err)).Inc()
	return err
}

func (e *Engine) toWire(ctx context.Context, msgs []*object.Message) ([]*object.Message, error) {
	wire := make([]*object.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Object == nil {
			wire = append(wire, msg)
			continue
		}
		obj, err := e.content.ResolveEmbeds(ctx, msg.Object)
		if err != nil {
			return nil, err
		}
		wire = append(wire, msg.WithObject(obj))
	}
	return wire, nil
}

// after returns the messages with seq greater than seq
func after(msgs []*object.Message, seq int64) []*object.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Seq > seq {
			out = append(out, m)
		}
	}
	return out
}

func deliveryResult(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errs.IsNotFound(err):
		return "no_channel"
	case errors.Is(err, errs.ErrClientUnreachable):
		return "unreachable"
	default:
		return "failed"
	}
}
