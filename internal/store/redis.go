package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	backendRedis            = "redis"
	keyspaceEventsParameter = "notify-keyspace-events"
	keyspaceEventsExpired   = "Ex"
	expiredChannelPattern   = "__keyevent@%d__:expired"
)

var errMissingRedisTarget = errors.New("store: redis url or client required")

// RedisConfig describes how to reach the networked backend.
type RedisConfig struct {
	URL    string
	Client *redis.Client
	Logger *zap.Logger
}

// Redis stores entries with native key expiry and turns keyspace "expired"
// events into expiry notifications.
type Redis struct {
	client   *redis.Client
	database int
	logger   *zap.Logger
	handlers expiryHandlers

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis connects, verifies reachability and starts the expiry listener.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := cfg.Client
	if client == nil {
		if cfg.URL == "" {
			return nil, errMissingRedisTarget
		}
		options, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("store: parse redis url: %w", err)
		}
		client = redis.NewClient(options)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}

	if err := client.ConfigSet(ctx, keyspaceEventsParameter, keyspaceEventsExpired).Err(); err != nil {
		logger.Warn("redis keyspace notifications not enabled; timer expiry will not be broadcast unless configured on the server",
			zap.Error(err))
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	backend := &Redis{
		client:   client,
		database: client.Options().DB,
		logger:   logger,
		cancel:   cancel,
	}
	pubsub := client.PSubscribe(listenCtx, fmt.Sprintf(expiredChannelPattern, backend.database))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}

	backend.wg.Add(1)
	go backend.listenForExpiry(listenCtx, pubsub)
	return backend, nil
}

func (r *Redis) Name() string {
	return backendRedis
}

func (r *Redis) OnExpire(handler ExpiryHandler) {
	r.handlers.add(handler)
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return classifyRedisError(err)
	}
	return nil
}

func (r *Redis) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	written, err := r.client.SetXX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, classifyRedisError(err)
	}
	return written, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyRedisError(err)
	}
	return value, true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, classifyRedisError(err)
	}
	return removed > 0, nil
}

func (r *Redis) RemainingTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	remaining, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, classifyRedisError(err)
	}
	switch {
	case remaining == -2:
		return 0, false, nil
	case remaining < 0:
		return 0, true, nil
	default:
		return remaining, true, nil
	}
}

// Close stops the expiry listener and releases the connection pool.
func (r *Redis) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.client.Close()
}

func (r *Redis) listenForExpiry(ctx context.Context, pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-channel:
			if !ok {
				return
			}
			r.handleExpiredEvent(message)
		}
	}
}

func (r *Redis) handleExpiredEvent(message *redis.Message) {
	if message == nil || message.Payload == "" {
		return
	}
	r.logger.Debug("redis key expired", zap.String("key", message.Payload))
	r.handlers.notify(message.Payload)
}

func classifyRedisError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
