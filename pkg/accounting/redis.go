package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is a Store backed by Redis, for deployments running several
// engine instances behind one NAS fleet. Sessions are JSON values keyed by
// session id, with a per-NAS set indexing the active ones.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// RedisConfig configures the Redis session store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// KeyPrefix namespaces this deployment's keys (default "aaa:").
	KeyPrefix string `yaml:"key_prefix"`
}

// NewRedisStore connects a session store to Redis.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "aaa:"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
		logger: logger,
	}
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) nasKey(nasID string) string {
	return s.prefix + "nas:" + nasID
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.SessionID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.SessionID), data, 0)
	if session.Active {
		pipe.SAdd(ctx, s.nasKey(session.NASID), session.SessionID)
	} else {
		pipe.SRem(ctx, s.nasKey(session.NASID), session.SessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// ActiveByNAS implements Store.
func (s *RedisStore) ActiveByNAS(ctx context.Context, nasID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, s.nasKey(nasID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Index entry outlived its session; heal it.
				s.client.SRem(ctx, s.nasKey(nasID), id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]*Session, error) {
	var sessions []*Session

	iter := s.client.Scan(ctx, 0, s.prefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis get: %w", err)
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			s.logger.Warn("Skipping undecodable session record", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		sessions = append(sessions, &session)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return sessions, nil
}
