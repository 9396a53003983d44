// Package notify publishes lock releases over Redis pub/sub so that instances
// waiting on a lock can retry as soon as it is freed instead of at their next poll.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/distlock/pkg/distlock"
	"github.com/nimburion/distlock/pkg/observability/logger"
)

const (
	DefaultChannel          = "distlock:released"
	defaultOperationTimeout = 2 * time.Second
	subscriberBuffer        = 64
)

// Config holds Redis connection settings for release notifications.
type Config struct {
	URL              string
	Channel          string
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = DefaultChannel
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// RedisNotifier implements distlock.ReleaseNotifier on a Redis channel.
type RedisNotifier struct {
	client *redis.Client
	log    logger.Logger
	config Config

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

var _ distlock.ReleaseNotifier = (*RedisNotifier)(nil)

// NewRedisNotifier connects to Redis and verifies the connection.
func NewRedisNotifier(ctx context.Context, cfg Config, log logger.Logger) (*RedisNotifier, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis URL is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.DialTimeout = cfg.OperationTimeout
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("release notifications enabled", "channel", cfg.Channel)
	return newRedisNotifierWithClient(client, cfg, log)
}

func newRedisNotifierWithClient(client *redis.Client, cfg Config, log logger.Logger) (*RedisNotifier, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &RedisNotifier{
		client: client,
		log:    log.With("component", "notify"),
		config: cfg,
	}, nil
}

// Publish announces that name was released.
func (n *RedisNotifier) Publish(ctx context.Context, name string) error {
	if err := n.client.Publish(ctx, n.config.Channel, name).Err(); err != nil {
		return fmt.Errorf("publish release of %q: %w", name, err)
	}
	return nil
}

// Subscribe delivers released lock names until ctx is done or the notifier is
// closed. Names are dropped when the consumer falls behind.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan string, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, errors.New("notifier is closed")
	}
	n.mu.Unlock()

	pubsub := n.client.Subscribe(ctx, n.config.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", n.config.Channel, err)
	}

	n.mu.Lock()
	n.subs = append(n.subs, pubsub)
	n.mu.Unlock()

	out := make(chan string, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					n.log.Debug("dropping release notification, subscriber is behind", "lock", msg.Payload)
				}
			}
		}
	}()
	return out, nil
}

// HealthCheck pings Redis.
func (n *RedisNotifier) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.OperationTimeout)
	defer cancel()
	if err := n.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close ends all subscriptions and closes the client.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
