package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "personagate:session:"

// RedisSessionStore keeps sessions in Redis so several server replicas can
// share them. Each write refreshes the key's TTL.
type RedisSessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisSessionStore connects to the Redis instance at url.
func NewRedisSessionStore(url string, ttl time.Duration, logger *slog.Logger) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisSessionStoreWithClient(redis.NewClient(opts), ttl, logger), nil
}

// NewRedisSessionStoreWithClient wraps an existing client.
func NewRedisSessionStoreWithClient(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisSessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSessionStore{client: client, ttl: ttl, logger: logger}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// GetSession retrieves a session by id.
func (r *RedisSessionStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		r.logger.Warn("discarding unreadable session", "session_id", sessionID, "error", err)
		return nil, nil
	}
	session.ID = sessionID
	return &session, nil
}

// SaveSession creates or replaces a session.
func (r *RedisSessionStore) SaveSession(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(session.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// DeleteSession removes a session.
func (r *RedisSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (r *RedisSessionStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}
