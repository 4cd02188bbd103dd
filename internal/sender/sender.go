// Package sender provides background redelivery for the courier node.
//
// The Sender runs as a background worker that polls for delivery error
// records of the durable channel whose retry time has come, and asks the
// engine to resume delivery to each counterparty.
//
// # Retry Policy
//
// The dispatcher owns the backoff: every failed attempt pushes the next
// retry time out exponentially, and a record becomes stuck after too many
// attempts or on a permanent rejection. Stuck records are never polled.
// The sender only decides when to look.
//
// # Concurrency
//
// Counterparties of one polling batch are resumed in parallel, bounded by
// Workers. Delivery to a single counterparty is never resumed twice in the
// same batch. Several nodes may poll the same store: a resume that races
// another only redelivers messages the recipient acknowledges as duplicates.
package sender

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradle/mycloud-sub005/pkg/delivery"
)

// DueSource lists error records ready for a retry
type DueSource interface {
	DueErrors(ctx context.Context, limit int) ([]*delivery.ErrorRecord, error)
}

// Resumer redelivers the backlog of a counterparty
type Resumer interface {
	ResumeDelivery(ctx context.Context, counterparty string) (bool, error)
}

// Sender handles background redelivery
type Sender struct {
	due     DueSource
	resumer Resumer
	logger  *zap.Logger

	// Configuration
	pollInterval time.Duration
	batchSize    int
	workers      int

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds sender configuration
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		Workers:      4,
	}
}

// NewSender creates a new background sender
func NewSender(due DueSource, resumer Resumer, cfg *Config, logger *zap.Logger) *Sender {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	return &Sender{
		due:          due,
		resumer:      resumer,
		logger:       logger.Named("sender"),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		workers:      workers,
	}
}

// Start begins background processing
func (s *Sender) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Sender started", zap.Duration("poll_interval", s.pollInterval))
}

// Stop gracefully stops the sender
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Sender stopped")
}

func (s *Sender) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ProcessDue(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Error("Failed to process due deliveries", zap.Error(err))
			}
		}
	}
}

// ProcessDue resumes delivery to every counterparty due for a retry and
// returns how many were fully caught up.
func (s *Sender) ProcessDue(ctx context.Context) (int, error) {
	records, err := s.due.DueErrors(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		resumed int
		seen    = make(map[string]bool, len(records))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, rec := range records {
		if seen[rec.Counterparty] {
			continue
		}
		seen[rec.Counterparty] = true

		counterparty := rec.Counterparty
		log := s.logger.With(zap.String("counterparty", counterparty), zap.Int("attempts", rec.Attempts))
		g.Go(func() error {
			ok, err := s.resumer.ResumeDelivery(gctx, counterparty)
			if err != nil {
				// One counterparty failing does not hold back the others
				log.Warn("Resume failed", zap.Error(err))
				return nil
			}
			if ok {
				mu.Lock()
				resumed++
				mu.Unlock()
				log.Info("Backlog delivered")
			} else {
				log.Debug("Backlog still pending")
			}
			return nil
		})
	}
	err = g.Wait()
	return resumed, err
}
