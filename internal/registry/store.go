package registry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/json"
)

// storeKey is the Redis hash holding one JSON-encoded record per id.
const storeKey = "registered_services"

// RedisStore persists service records in an external Redis as a key/value
// table. Used only when REGISTRY_STORE_URL is configured; without it the
// registry is process-local.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisStore connects to the store URL, retrying the initial ping with
// bounded exponential backoff so a slow-starting store does not abort boot.
func NewRedisStore(ctx context.Context, rawURL string, log *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse registry store URL")
	}
	client := redis.NewClient(opts)

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	if err := backoff.Retry(ping, policy); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect registry store")
	}

	log.Info("registry store connected", zap.String("addr", opts.Addr))
	return &RedisStore{
		client: client,
		log:    log.With(zap.String("module", "registry_store")),
	}, nil
}

// Save upserts one record.
func (s *RedisStore) Save(ctx context.Context, rec ServiceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	if err := s.client.HSet(ctx, storeKey, rec.ID, data).Err(); err != nil {
		return errors.Wrap(err, "save record")
	}
	return nil
}

// Delete removes one record.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, storeKey, id).Err(); err != nil {
		return errors.Wrap(err, "delete record")
	}
	return nil
}

// DeleteAll drops the whole table.
func (s *RedisStore) DeleteAll(ctx context.Context) error {
	if err := s.client.Del(ctx, storeKey).Err(); err != nil {
		return errors.Wrap(err, "clear records")
	}
	return nil
}

// LoadAll reads every persisted record. Entries that fail to decode are
// skipped with a log line rather than failing startup.
func (s *RedisStore) LoadAll(ctx context.Context) ([]ServiceRecord, error) {
	raw, err := s.client.HGetAll(ctx, storeKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load records")
	}
	out := make([]ServiceRecord, 0, len(raw))
	for id, data := range raw {
		var rec ServiceRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			s.log.Warn("skipping undecodable record", zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
