package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the Redis server that mirrors signal documents.
type RedisConfig struct {
	Address    string
	Username   string
	Password   string
	DB         int
	TLSEnabled bool
	KeyPrefix  string
}

// RedisStore keeps each document in a hash (one JSON value per field) and
// announces every write on a per-document pub/sub channel.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisOption configures the store.
type RedisOption func(*RedisStore)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("remote: redis address must be provided")
	}

	redisOpts := &redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("remote: ping redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "meshsync"
	}

	s := &RedisStore{
		client: client,
		prefix: prefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":signals:" + id
}

func (s *RedisStore) channel(id string) string {
	return s.prefix + ":signals:" + id + ":changes"
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (SignalDoc, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return SignalDoc{}, false, fmt.Errorf("remote: get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return SignalDoc{}, false, nil
	}
	doc, err := decodeFields(fields)
	if err != nil {
		return SignalDoc{}, false, err
	}
	return doc, true, nil
}

// Set replaces the whole document.
func (s *RedisStore) Set(ctx context.Context, id string, doc SignalDoc) error {
	values, err := hashValues(doc)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	if len(values) > 0 {
		pipe.HSet(ctx, s.key(id), values)
	}
	pipe.Publish(ctx, s.channel(id), "set")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remote: set %s: %w", id, err)
	}
	return nil
}

// Merge writes only the fields present in doc.
func (s *RedisStore) Merge(ctx context.Context, id string, doc SignalDoc) error {
	values, err := hashValues(doc)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(id), values)
	pipe.Publish(ctx, s.channel(id), "merge")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remote: merge %s: %w", id, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.Publish(ctx, s.channel(id), "delete")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remote: delete %s: %w", id, err)
	}
	return nil
}

// Subscribe delivers the current document and then a fresh read after each
// change notification. fn runs on a single goroutine per subscription.
func (s *RedisStore) Subscribe(ctx context.Context, id string, fn func(Snapshot)) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.channel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("remote: subscribe %s: %w", id, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel}

	go func() {
		s.deliver(subCtx, id, fn)
		for range pubsub.Channel() {
			if subCtx.Err() != nil {
				return
			}
			s.deliver(subCtx, id, fn)
		}
	}()

	return sub, nil
}

func (s *RedisStore) deliver(ctx context.Context, id string, fn func(Snapshot)) {
	doc, ok, err := s.Get(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("remote snapshot read failed", slog.String("signal_id", id), slog.Any("error", err))
		}
		return
	}
	fn(Snapshot{ID: id, Doc: doc, Exists: ok})
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// Close stops delivery. It may be called from inside the snapshot callback.
func (r *redisSubscription) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.err = r.pubsub.Close()
	})
	return r.err
}

func hashValues(doc SignalDoc) (map[string]interface{}, error) {
	fields, err := encodeFields(doc)
	if err != nil {
		return nil, err
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return values, nil
}
