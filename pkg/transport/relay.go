package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/pkg/errs"
)

const defaultSessionTTL = 24 * time.Hour

// RedisRelay is a Registry shared by all nodes through Redis. Sessions are
// stored as hashes; frames for a session on another node are published on
// that node's channel.
type RedisRelay struct {
	client *redis.Client
	node   string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRelay creates a relay for node
func NewRedisRelay(client *redis.Client, node string, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client: client,
		node:   node,
		ttl:    defaultSessionTTL,
		logger: logger.Named("relay"),
	}
}

type relayEnvelope struct {
	Identity string          `json:"identity"`
	Frame    json.RawMessage `json:"frame"`
}

// sessionKey returns the key of an identity's session hash.
func sessionKey(identity string) string {
	return fmt.Sprintf("courier:session:%s", identity)
}

// nodeChannel returns the channel a node subscribes to.
func nodeChannel(node string) string {
	return fmt.Sprintf("courier:live:%s", node)
}

func (r *RedisRelay) Register(ctx context.Context, sess *Session) error {
	key := sessionKey(sess.Identity)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"id", sess.ID,
		"node", sess.Node,
		"connected_at", sess.ConnectedAt.UnixMilli(),
	)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registering session %s: %w", sess.ID, err)
	}
	return nil
}

// Unregister deletes the session hash unless a newer session replaced it
func (r *RedisRelay) Unregister(ctx context.Context, sess *Session) error {
	key := sessionKey(sess.Identity)
	id, err := r.client.HGet(ctx, key, "id").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session of %s: %w", sess.Identity, err)
	}
	if id != sess.ID {
		return nil
	}
	return r.client.Del(ctx, key).Err()
}

func (r *RedisRelay) Lookup(ctx context.Context, identity string) (*Session, error) {
	fields, err := r.client.HGetAll(ctx, sessionKey(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading session of %s: %w", identity, err)
	}
	if len(fields) == 0 || fields["id"] == "" {
		return nil, fmt.Errorf("session for %s: %w", identity, errs.ErrNotFound)
	}

	sess := &Session{
		ID:       fields["id"],
		Identity: identity,
		Node:     fields["node"],
	}
	var ms int64
	if _, err := fmt.Sscan(fields["connected_at"], &ms); err == nil {
		sess.ConnectedAt = time.UnixMilli(ms).UTC()
	}
	return sess, nil
}

// Forward publishes frame on the channel of the node holding sess
func (r *RedisRelay) Forward(ctx context.Context, sess *Session, frame []byte) error {
	payload, err := json.Marshal(relayEnvelope{Identity: sess.Identity, Frame: frame})
	if err != nil {
		return err
	}
	receivers, err := r.client.Publish(ctx, nodeChannel(sess.Node), payload).Result()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", sess.Node, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: node %s is not listening", errs.ErrClientUnreachable, sess.Node)
	}
	return nil
}

// Run delivers frames published for this node until ctx is done
func (r *RedisRelay) Run(ctx context.Context, deliver func(identity string, frame []byte) error) error {
	sub := r.client.Subscribe(ctx, nodeChannel(r.node))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", nodeChannel(r.node), err)
	}
	r.logger.Info("Relay subscribed", zap.String("node", r.node))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("Dropping malformed relay frame", zap.Error(err))
				continue
			}
			if err := deliver(env.Identity, env.Frame); err != nil {
				r.logger.Debug("Relay delivery failed",
					zap.String("identity", env.Identity),
					zap.Error(err))
			}
		}
	}
}
