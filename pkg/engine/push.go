package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/internal/metrics"
)

// SendPushNotification asks the push server to wake recipient
func (e *Engine) SendPushNotification(ctx context.Context, recipient string) error {
	if e.push == nil {
		return ErrPushDisabled
	}
	key, err := e.signer.PublicKey(ctx, e.cfg.Identity)
	if err != nil {
		return fmt.Errorf("push key: %w", err)
	}

	err = e.push.Push(ctx, PushRequest{
		Key:        key,
		Identity:   e.cfg.Identity,
		Subscriber: recipient,
	})
	if err != nil {
		metrics.PushNotifications.WithLabelValues("failed").Inc()
		return fmt.Errorf("pushing to %s: %w", recipient, err)
	}
	metrics.PushNotifications.WithLabelValues("sent").Inc()
	e.logger.Debug("Sent push notification", zap.String("recipient", recipient))
	return nil
}

// RegisterWithPushNotificationsServer registers this node as a publisher
func (e *Engine) RegisterWithPushNotificationsServer(ctx context.Context) error {
	if e.push == nil {
		return ErrPushDisabled
	}
	key, err := e.signer.PublicKey(ctx, e.cfg.Identity)
	if err != nil {
		return fmt.Errorf("push key: %w", err)
	}
	if err := e.push.Register(ctx, PushRegistration{Identity: e.cfg.Identity, Key: key}); err != nil {
		return fmt.Errorf("registering with push server: %w", err)
	}
	e.logger.Info("Registered with push server")
	return nil
}
