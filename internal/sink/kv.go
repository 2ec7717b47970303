package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
)

// KV writes one JSON value per source row into Redis.
type KV struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func NewKV(client *redis.Client, logger *logrus.Logger) *KV {
	return &KV{client: client, logger: logger}
}

func (k *KV) Upsert(ctx context.Context, intent models.WriteIntent) error {
	key := kvKey(intent.Transform, intent.Table, intent.Key)
	value := kvValue(intent.Transform, intent.Fields)
	data, err := json.Marshal(value)
	if err != nil {
		return &Error{Kind: Fatal, Err: fmt.Errorf("failed to marshal %s: %w", key, err)}
	}
	if err := k.client.Set(ctx, key, data, 0).Err(); err != nil {
		return classifyRedis(err)
	}
	if _, orphaned := value["orphaned"]; orphaned {
		k.logger.Debugf("Stored %s without its parent", key)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, intent models.WriteIntent) error {
	key := kvKey(intent.Transform, intent.Table, intent.Key)
	if err := k.client.Del(ctx, key).Err(); err != nil {
		return classifyRedis(err)
	}
	return nil
}

func (k *KV) Project(ctx context.Context, t models.Transform, table models.Table, key string) (map[string]interface{}, bool, error) {
	data, err := k.client.Get(ctx, kvKey(t, table, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyRedis(err)
	}

	var value map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return models.NormalizeRow(value), true, nil
}

// RedisLedger keeps versions in one hash, field "table:key", value
// "<seq>" or "<seq>:deleted".
type RedisLedger struct {
	client *redis.Client
	hash   string
}

func NewRedisLedger(client *redis.Client, hash string) *RedisLedger {
	return &RedisLedger{client: client, hash: hash}
}

func (l *RedisLedger) Get(ctx context.Context, key models.Key) (Version, bool, error) {
	raw, err := l.client.HGet(ctx, l.hash, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, classifyRedis(err)
	}

	var v Version
	seq := raw
	if strings.HasSuffix(raw, ":deleted") {
		v.Deleted = true
		seq = strings.TrimSuffix(raw, ":deleted")
	}
	v.Sequence, err = strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return Version{}, false, &Error{Kind: Fatal, Err: fmt.Errorf("corrupt version %q for %s", raw, key)}
	}
	return v, true, nil
}

func (l *RedisLedger) Put(ctx context.Context, key models.Key, v Version) error {
	raw := strconv.FormatUint(v.Sequence, 10)
	if v.Deleted {
		raw += ":deleted"
	}
	if err := l.client.HSet(ctx, l.hash, key.String(), raw).Err(); err != nil {
		return classifyRedis(err)
	}
	return nil
}

func classifyRedis(err error) error {
	msg := err.Error()
	for _, prefix := range []string{"NOAUTH", "WRONGPASS", "NOPERM", "WRONGTYPE", "ERR unknown command"} {
		if strings.HasPrefix(msg, prefix) {
			return &Error{Kind: Fatal, Err: err}
		}
	}
	return &Error{Kind: Retryable, Err: err}
}
