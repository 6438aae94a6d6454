package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const redisTxAttempts = 3

// RedisStorage implements Store using Redis.
// Each record lives at rec:<table>:<id>; tbl:<table> indexes the ids.
type RedisStorage struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		logger: logger,
	}, nil
}

func recordKey(table, id string) string {
	return fmt.Sprintf("rec:%s:%s", table, id)
}

func tableKey(table string) string {
	return fmt.Sprintf("tbl:%s", table)
}

func (r *RedisStorage) QueryOne(ctx context.Context, table string, filters Filters) (Record, error) {
	// Equality on id is the common lookup; skip the table scan for it
	if id, ok := filters["id"].(string); ok {
		data, err := r.client.Get(ctx, recordKey(table, id)).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		recs, err := filterAndSort([][]byte{data}, filters, nil)
		if err != nil || len(recs) == 0 {
			return nil, err
		}
		return recs[0], nil
	}

	recs, err := r.QueryMany(ctx, table, filters, &Order{Field: "id"})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (r *RedisStorage) QueryMany(ctx context.Context, table string, filters Filters, order *Order) ([]Record, error) {
	ids, err := r.client.SMembers(ctx, tableKey(table)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(table, id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	rows := make([][]byte, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			rows = append(rows, []byte(s))
		}
	}
	return filterAndSort(rows, filters, order)
}

func (r *RedisStorage) Update(ctx context.Context, table string, filters Filters, patch Record) (int, error) {
	candidates, err := r.QueryMany(ctx, table, filters, nil)
	if err != nil {
		return 0, err
	}

	want := normalizeFilters(filters)
	affected := 0
	for _, candidate := range candidates {
		key := recordKey(table, candidate.ID())
		updated := false

		txf := func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			rec, err := decode(data)
			if err != nil {
				return err
			}
			// Re-check under WATCH; a versioned filter stops matching once someone else wrote
			if !matches(rec, want) {
				return nil
			}
			out, err := json.Marshal(merge(rec, patch))
			if err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			if err == nil {
				updated = true
			}
			return err
		}

		if err := r.watch(ctx, key, txf); err != nil {
			return affected, err
		}
		if updated {
			affected++
		}
	}
	return affected, nil
}

// watch runs txf under WATCH on key. A race that outlasts every attempt is a conflict.
func (r *RedisStorage) watch(ctx context.Context, key string, txf func(*redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < redisTxAttempts; attempt++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		r.logger.WithFields(logrus.Fields{
			"key":     key,
			"attempt": attempt + 1,
		}).Debug("Redis transaction raced, retrying")
	}
	return fmt.Errorf("%w: %s still contended after %d attempts", ErrConflict, key, redisTxAttempts)
}

func (r *RedisStorage) Insert(ctx context.Context, table string, record Record) (Record, error) {
	rec, err := normalize(record)
	if err != nil {
		return nil, err
	}
	if rec.ID() == "" {
		rec["id"] = uuid.NewString()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, recordKey(table, rec.ID()), data, 0).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, table, rec.ID())
	}
	if err := r.client.SAdd(ctx, tableKey(table), rec.ID()).Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
