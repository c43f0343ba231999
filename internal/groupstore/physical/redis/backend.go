// Package redis provides a Redis-backed group state backend.
package redis

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quietwire/groupd/internal/groupstore/physical"
	"github.com/quietwire/groupd/internal/storage"
)

const (
	KeyAddr        = "addr"
	KeyPassword    = "password"
	KeyDB          = "db"
	KeyDialTimeout = "dial_timeout"
	KeyKeyPrefix   = "key_prefix"

	fieldRevision = "rev"
	fieldState    = "state"

	scanBatchSize = 200
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:        "localhost:6379",
		KeyPassword:    "",
		KeyDB:          "1",
		KeyDialTimeout: "5s",
		KeyKeyPrefix:   "groupd:",
	}
}

// NewFactory creates a new Redis backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	addr := storage.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, storage.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := storage.GetInt(config, KeyDB, 1)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], err.Error())
	}
	if db < 0 {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], "must be non-negative")
	}

	dialTimeout, err := storage.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDialTimeout, config[KeyDialTimeout], err.Error())
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    storage.GetString(config, KeyPassword, ""),
		DB:          db,
		DialTimeout: dialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	slog.Info("redis groupstore initialized", "addr", addr, "db", db)
	return &Backend{
		client: client,
		prefix: storage.GetString(config, KeyKeyPrefix, "groupd:"),
	}, nil
}

// Backend stores one hash per group, keyed by the hex group id.
type Backend struct {
	client *redis.Client
	prefix string
}

func (b *Backend) redisKey(key []byte) string {
	return b.prefix + "group:" + hex.EncodeToString(key)
}

func (b *Backend) Put(ctx context.Context, rec *physical.Record) error {
	return b.client.HSet(ctx, b.redisKey(rec.Key), map[string]any{
		fieldRevision: strconv.FormatUint(rec.Revision, 10),
		fieldState:    rec.Value,
	}).Err()
}

func (b *Backend) Get(ctx context.Context, key []byte) (*physical.Record, error) {
	vals, err := b.client.HGetAll(ctx, b.redisKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, physical.ErrNotFound
	}
	return recordFromHash(bytes.Clone(key), vals)
}

func (b *Backend) Delete(ctx context.Context, key []byte) error {
	return b.client.Del(ctx, b.redisKey(key)).Err()
}

func (b *Backend) List(ctx context.Context) ([]*physical.Record, error) {
	var out []*physical.Record
	pattern := b.prefix + "group:*"
	iter := b.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		rawKey, err := hex.DecodeString(redisKey[len(b.prefix)+len("group:"):])
		if err != nil {
			return nil, fmt.Errorf("malformed group key %q: %w", redisKey, err)
		}
		vals, err := b.client.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			continue
		}
		rec, err := recordFromHash(rawKey, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func recordFromHash(key []byte, vals map[string]string) (*physical.Record, error) {
	revision, err := strconv.ParseUint(vals[fieldRevision], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed revision for group %x: %w", key, err)
	}
	return &physical.Record{
		Key:      key,
		Revision: revision,
		Value:    []byte(vals[fieldState]),
	}, nil
}
