package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ytchat:"

// Redis implements Repository with one JSON value per session under a key prefix
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Repository = (*Redis)(nil)

type RedisOption func(*Redis)

// WithKeyPrefix namespaces keys so several deployments can share one database
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis connects to addr and verifies the connection with PING
func NewRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect redis", goerr.V("addr", addr))
	}

	r := &Redis{
		client: client,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(id model.SessionID) string {
	return r.prefix + "session:" + string(id)
}

func (r *Redis) PutSession(ctx context.Context, record *model.SessionRecord) error {
	if record == nil || record.ID == "" {
		return goerr.Wrap(model.ErrValidation, "session record must have an ID")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal session", goerr.V("session_id", record.ID))
	}
	if err := r.client.Set(ctx, r.key(record.ID), data, 0).Err(); err != nil {
		return goerr.Wrap(err, "failed to put session", goerr.V("session_id", record.ID))
	}
	return nil
}

func (r *Redis) GetSession(ctx context.Context, id model.SessionID) (*model.SessionRecord, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, goerr.Wrap(model.ErrSessionNotFound, "session record not found", goerr.V("session_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get session", goerr.V("session_id", id))
	}

	var record model.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, goerr.Wrap(err, "failed to decode session", goerr.V("session_id", id))
	}
	return &record, nil
}

func (r *Redis) DeleteSession(ctx context.Context, id model.SessionID) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return goerr.Wrap(err, "failed to delete session", goerr.V("session_id", id))
	}
	return nil
}

func (r *Redis) ListSessions(ctx context.Context) ([]*model.SessionRecord, error) {
	var out []*model.SessionRecord

	iter := r.client.Scan(ctx, 0, r.prefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// deleted between SCAN and GET
			continue
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to get session", goerr.V("key", key))
		}

		var record model.SessionRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, goerr.Wrap(err, "failed to decode session", goerr.V("key", key))
		}
		out = append(out, &record)
	}
	if err := iter.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to scan sessions")
	}

	sortRecords(out)
	return out, nil
}
