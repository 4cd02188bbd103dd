package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
	"github.com/tradle/mycloud-sub005/pkg/object"
	"github.com/tradle/mycloud-sub005/pkg/transport"
)

// ErrNotRecorded marks a failed delivery whose error record could not be written
var ErrNotRecorded = errors.New("delivery error not recorded")

// Channel names the transport a batch went over
type Channel string

const (
	ChannelLive Channel = "live"
	ChannelHTTP Channel = "http"
)

// Friend is a counterparty reachable over the durable channel
type Friend struct {
	Permalink string    `bson:"_id" json:"permalink"`
	Name      string    `bson:"name,omitempty" json:"name,omitempty"`
	Domain    string    `bson:"domain,omitempty" json:"domain,omitempty"`
	URL       string    `bson:"url" json:"url"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// ErrorRecord tracks a failing delivery to one counterparty
type ErrorRecord struct {
	Counterparty string    `bson:"_id" json:"counterparty"`
	Channel      Channel   `bson:"channel" json:"channel"`
	Reason       string    `bson:"reason" json:"reason"`
	StatusCode   int       `bson:"status_code,omitempty" json:"statusCode,omitempty"`
	Stuck        bool      `bson:"stuck" json:"stuck"`
	After        int64     `bson:"after" json:"after"` // highest seq known delivered
	Attempts     int       `bson:"attempts" json:"attempts"`
	NextRetryAt  time.Time `bson:"next_retry_at" json:"nextRetryAt"`
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updatedAt"`
}

// ErrorStore persists delivery error records
type ErrorStore interface {
	// GetError returns the record of counterparty or an error wrapping errs.ErrNotFound
	GetError(ctx context.Context, counterparty string) (*ErrorRecord, error)
	PutError(ctx context.Context, rec *ErrorRecord) error
	// DeleteError removes the record and reports whether one existed
	DeleteError(ctx context.Context, counterparty string) (bool, error)
	// ListDueErrors returns non-stuck records of channel due at now
	ListDueErrors(ctx context.Context, channel Channel, now time.Time, limit int) ([]*ErrorRecord, error)
}

// LiveChannel delivers to connected sessions
type LiveChannel interface {
	Deliver(ctx context.Context, sess *transport.Session, msgs []*object.Message) error
}

// DurableChannel delivers to a friend's inbox
type DurableChannel interface {
	SendBatch(ctx context.Context, baseURL string, msgs []*object.Message) error
}

// Batch is a set of messages to one recipient, in seq order and wire form.
// Session takes precedence over Friend.
type Batch struct {
	Recipient string
	Messages  []*object.Message
	Session   *transport.Session
	Friend    *Friend
}

// Config holds retry policy settings
type Config struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     10,
		InitialBackoff:  30 * time.Second,
		MaxBackoff:      6 * time.Hour,
		BackoffMultiple: 2.0,
	}
}

// Dispatcher delivers batches over the live or durable channel and keeps
// a per-counterparty error record when delivery fails.
type Dispatcher struct {
	live    LiveChannel
	durable DurableChannel
	errors  ErrorStore
	cfg     *Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(live LiveChannel, durable DurableChannel, store ErrorStore, cfg *Config, logger *zap.Logger) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		live:    live,
		durable: durable,
		errors:  store,
		cfg:     cfg,
		logger:  logger.Named("delivery"),
		now:     time.Now,
	}
}

// DeliverBatch sends b over the live channel when a session is given,
// otherwise to the friend's inbox. A batch with neither returns an error
// wrapping errs.ErrNotFound.
func (d *Dispatcher) DeliverBatch(ctx context.Context, b Batch) error {
	if len(b.Messages) == 0 {
		return nil
	}

	var (
		channel Channel
		err     error
	)
	switch {
	case b.Session != nil:
		channel = ChannelLive
		err = d.live.Deliver(ctx, b.Session, b.Messages)
	case b.Friend != nil:
		channel = ChannelHTTP
		err = d.durable.SendBatch(ctx, b.Friend.URL, b.Messages)
	default:
		return fmt.Errorf("no channel to %s: %w", b.Recipient, errs.ErrNotFound)
	}

	log := d.logger.With(
		zap.String("recipient", b.Recipient),
		zap.String("channel", string(channel)),
		zap.Int64("first_seq", b.Messages[0].Seq),
		zap.Int("count", len(b.Messages)),
	)
	if err != nil {
		log.Warn("Delivery failed", zap.Error(err))
		if recErr := d.recordError(ctx, b, channel, err); recErr != nil {
			log.Error("Failed to record delivery error", zap.Error(recErr))
			return errors.Join(err, fmt.Errorf("%w: %w", ErrNotRecorded, recErr))
		}
		return err
	}

	log.Debug("Delivered batch")
	return nil
}

func (d *Dispatcher) recordError(ctx context.Context, b Batch, channel Channel, sendErr error) error {
	now := d.now().UTC()
	after := b.Messages[0].Seq - 1

	rec, err := d.errors.GetError(ctx, b.Recipient)
	switch {
	case errs.IsNotFound(err):
		rec = &ErrorRecord{
			Counterparty: b.Recipient,
			After:        after,
			CreatedAt:    now,
		}
	case err != nil:
		return err
	default:
		rec.After = min(rec.After, after)
	}

	rec.Channel = channel
	rec.Reason = sendErr.Error()
	rec.StatusCode = 0
	var statusErr *transport.StatusError
	if errors.As(sendErr, &statusErr) {
		rec.StatusCode = statusErr.Code
	}
	rec.Attempts++
	rec.UpdatedAt = now
	rec.NextRetryAt = now.Add(d.backoff(rec.Attempts))
	rec.Stuck = isStuckStatus(rec.StatusCode) || (d.cfg.MaxAttempts > 0 && rec.Attempts >= d.cfg.MaxAttempts)

	if rec.Stuck {
		d.logger.Warn("Delivery is stuck",
			zap.String("counterparty", rec.Counterparty),
			zap.Int("attempts", rec.Attempts),
			zap.Int("status", rec.StatusCode))
	}
	return d.errors.PutError(ctx, rec)
}

// backoff returns the delay before retry number attempts
func (d *Dispatcher) backoff(attempts int) time.Duration {
	backoff := d.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		backoff = time.Duration(float64(backoff) * d.cfg.BackoffMultiple)
		if backoff > d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return backoff
}

// isStuckStatus reports statuses a retry cannot fix
func isStuckStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusGone:
		return true
	}
	return false
}

// GetError returns the error record of counterparty or an error wrapping errs.ErrNotFound
func (d *Dispatcher) GetError(ctx context.Context, counterparty string) (*ErrorRecord, error) {
	return d.errors.GetError(ctx, counterparty)
}

// ResetError clears the error record of counterparty
func (d *Dispatcher) ResetError(ctx context.Context, counterparty string) (bool, error) {
	return d.errors.DeleteError(ctx, counterparty)
}

// Advance moves the delivered position of the record of counterparty up
// to through. Missing records and lower positions are left alone.
func (d *Dispatcher) Advance(ctx context.Context, counterparty string, through int64) error {
	rec, err := d.errors.GetError(ctx, counterparty)
	if errs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if through <= rec.After {
		return nil
	}
	rec.After = through
	rec.UpdatedAt = d.now().UTC()
	return d.errors.PutError(ctx, rec)
}

// Defer pushes the next retry of the record of counterparty out by the
// backoff of its next attempt without counting an attempt. It is used when
// a retry could not be made at all, such as when the counterparty has no
// channel. Missing records are left alone.
func (d *Dispatcher) Defer(ctx context.Context, counterparty, reason string) error {
	rec, err := d.errors.GetError(ctx, counterparty)
	if errs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	now := d.now().UTC()
	rec.NextRetryAt = now.Add(d.backoff(rec.Attempts + 1))
	rec.UpdatedAt = now
	if reason != "" {
		rec.Reason = reason
	}
	return d.errors.PutError(ctx, rec)
}

// Unstick clears the stuck flag and attempt count of the record of
// counterparty so the backlog after rec.After is retried. It returns the
// updated record, or an error wrapping errs.ErrNotFound.
func (d *Dispatcher) Unstick(ctx context.Context, counterparty string) (*ErrorRecord, error) {
	rec, err := d.errors.GetError(ctx, counterparty)
	if err != nil {
		return nil, err
	}
	if !rec.Stuck && rec.Attempts == 0 {
		return rec, nil
	}
	now := d.now().UTC()
	rec.Stuck = false
	rec.Attempts = 0
	rec.NextRetryAt = now
	rec.UpdatedAt = now
	if err := d.errors.PutError(ctx, rec); err != nil {
		return nil, err
	}
	d.logger.Info("Delivery unstuck", zap.String("counterparty", counterparty), zap.Int64("after", rec.After))
	return rec, nil
}

// IsStuck reports whether rec needs intervention before delivery resumes
func (d *Dispatcher) IsStuck(rec *ErrorRecord) bool {
	return rec.Stuck
}

// GetRangeFromError returns the outbound range still to be delivered
func (d *Dispatcher) GetRangeFromError(rec *ErrorRecord) ledger.Range {
	return ledger.Range{After: rec.After}
}

// DueErrors returns durable-channel error records ready for a retry
func (d *Dispatcher) DueErrors(ctx context.Context, limit int) ([]*ErrorRecord, error) {
	return d.errors.ListDueErrors(ctx, ChannelHTTP, d.now().UTC(), limit)
}
