// Package redis implements a Redis-backed session store. History is a list of
// JSON-encoded messages; metadata is a hash. A single RPUSH carries all of a
// run's messages, so appends are atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/maestro/model"
	"goa.design/maestro/session"
)

// Store persists sessions in Redis. Safe for concurrent use.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ session.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix (default "maestro:session:").
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// New wraps a Redis client as a session store.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "maestro:session:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) historyKey(id string) string { return s.prefix + id + ":history" }
func (s *Store) metaKey(id string) string    { return s.prefix + id + ":meta" }

// History implements session.Store.
func (s *Store) History(ctx context.Context, sessionID string) ([]*model.Message, error) {
	raw, err := s.client.LRange(ctx, s.historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	msgs := make([]*model.Message, 0, len(raw))
	for _, r := range raw {
		var m model.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("session %s: corrupt history entry: %w", sessionID, err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// Append implements session.Store.
func (s *Store) Append(ctx context.Context, sessionID string, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	vals := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("session %s: encode message: %w", sessionID, err)
		}
		vals = append(vals, b)
	}
	if err := s.client.RPush(ctx, s.historyKey(sessionID), vals...).Err(); err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}

// Clear implements session.Store.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.historyKey(sessionID), s.metaKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}

// Metadata implements session.Store.
func (s *Store) Metadata(ctx context.Context, sessionID string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.metaKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return m, nil
}

// UpdateMetadata implements session.Store.
func (s *Store) UpdateMetadata(ctx context.Context, sessionID string, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	key := s.metaKey(sessionID)
	pipe := s.client.TxPipeline()
	for k, v := range entries {
		if v == "" {
			pipe.HDel(ctx, key, k)
			continue
		}
		pipe.HSet(ctx, key, k, v)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}
