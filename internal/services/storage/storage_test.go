package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/exam-tutor-go/internal/config"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	mr := miniredis.RunT(t)
	redisStore, err := NewRedisStorage(&config.RedisConfig{Addr: mr.Addr()}, log)
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "tutor.db"))
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStorage(),
		"redis":  redisStore,
		"sqlite": sqliteStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Run("insert assigns an id and query finds it", func(t *testing.T) {
				rec, err := store.Insert(ctx, TablePapers, Record{"grade_id": "g10", "subject_id": "math"})
				require.NoError(t, err)
				require.NotEmpty(t, rec.ID())

				got, err := store.QueryOne(ctx, TablePapers, Filters{"id": rec.ID()})
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, "math", got.String("subject_id"))
			})

			t.Run("query one returns nil when nothing matches", func(t *testing.T) {
				got, err := store.QueryOne(ctx, TablePapers, Filters{"id": "missing"})
				require.NoError(t, err)
				assert.Nil(t, got)
			})

			t.Run("duplicate ids are rejected", func(t *testing.T) {
				_, err := store.Insert(ctx, TableTiers, Record{"id": "free"})
				require.NoError(t, err)
				_, err = store.Insert(ctx, TableTiers, Record{"id": "free"})
				assert.True(t, errors.Is(err, ErrDuplicate))
			})

			t.Run("query many filters and orders", func(t *testing.T) {
				for i, content := range []string{"third", "first", "second"} {
					seq := []int{3, 1, 2}[i]
					_, err := store.Insert(ctx, TableMessages, Record{
						"conversation_id": "c1",
						"seq":             seq,
						"content":         content,
					})
					require.NoError(t, err)
				}
				_, err := store.Insert(ctx, TableMessages, Record{"conversation_id": "c2", "seq": 1, "content": "other"})
				require.NoError(t, err)

				recs, err := store.QueryMany(ctx, TableMessages, Filters{"conversation_id": "c1"}, &Order{Field: "seq"})
				require.NoError(t, err)
				require.Len(t, recs, 3)
				assert.Equal(t, "first", recs[0].String("content"))
				assert.Equal(t, "third", recs[2].String("content"))

				recs, err = store.QueryMany(ctx, TableMessages, Filters{"conversation_id": "c1"}, &Order{Field: "seq", Desc: true})
				require.NoError(t, err)
				assert.Equal(t, "third", recs[0].String("content"))
			})

			t.Run("versioned update only applies once", func(t *testing.T) {
				rec, err := store.Insert(ctx, TableSubscriptions, Record{
					"user_id":     "u1",
					"tokens_used": 10,
					"version":     1,
				})
				require.NoError(t, err)

				n, err := store.Update(ctx, TableSubscriptions,
					Filters{"id": rec.ID(), "version": 1},
					Record{"tokens_used": 20, "version": 2})
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				n, err = store.Update(ctx, TableSubscriptions,
					Filters{"id": rec.ID(), "version": 1},
					Record{"tokens_used": 30, "version": 2})
				require.NoError(t, err)
				assert.Equal(t, 0, n)

				got, err := store.QueryOne(ctx, TableSubscriptions, Filters{"user_id": "u1"})
				require.NoError(t, err)
				used, ok := got.Int("tokens_used")
				require.True(t, ok)
				assert.Equal(t, int64(20), used)
			})

			t.Run("list values round trip as strings", func(t *testing.T) {
				_, err := store.Insert(ctx, TableSubscriptions, Record{
					"user_id":            "u2",
					"accessed_paper_ids": []string{"p1", "p2"},
				})
				require.NoError(t, err)
				got, err := store.QueryOne(ctx, TableSubscriptions, Filters{"user_id": "u2"})
				require.NoError(t, err)
				assert.Equal(t, []string{"p1", "p2"}, got.Strings("accessed_paper_ids"))
			})

			assert.NoError(t, store.Ping(ctx))
		})
	}
}

type recorderStub struct {
	ops []string
}

func (r *recorderStub) RecordStorageOperation(operation, status string, _ time.Duration) {
	r.ops = append(r.ops, operation+":"+status)
}

func TestManagerProcedures(t *testing.T) {
	ctx := context.Background()
	m := NewManagerWithStore(NewMemoryStorage(), logrus.New())
	rec := &recorderStub{}
	m.SetRecorder(rec)

	m.RegisterProcedure("count_papers", func(ctx context.Context, store Store, args Record) (interface{}, error) {
		recs, err := store.QueryMany(ctx, TablePapers, Filters{"grade_id": args.String("grade_id")}, nil)
		return len(recs), err
	})

	_, err := m.Insert(ctx, TablePapers, Record{"grade_id": "g9"})
	require.NoError(t, err)

	res, err := m.CallProcedure(ctx, "count_papers", Record{"grade_id": "g9"})
	require.NoError(t, err)
	assert.Equal(t, 1, res)

	_, err = m.CallProcedure(ctx, "nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownProcedure))

	assert.Equal(t, []string{"insert:success", "procedure:success", "procedure:error"}, rec.ops)
}

func TestRecordAccessors(t *testing.T) {
	rec := Record{
		"n":     float64(7),
		"s":     "x",
		"b":     true,
		"list":  []interface{}{"a", 1.0},
		"numst": "42",
	}
	n, ok := rec.Int("n")
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	n, ok = rec.Int("numst")
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	_, ok = rec.Int("missing")
	assert.False(t, ok)

	assert.Equal(t, "x", rec.String("s"))
	assert.True(t, rec.Bool("b"))
	assert.Equal(t, []string{"a", "1"}, rec.Strings("list"))
}

func TestRedisContendedWatchIsConflict(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	mr := miniredis.RunT(t)
	store, err := NewRedisStorage(&config.RedisConfig{Addr: mr.Addr()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	calls := 0
	err = store.watch(ctx, recordKey(TableSubscriptions, "u1"), func(*redis.Tx) error {
		calls++
		return redis.TxFailedErr
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, redisTxAttempts, calls)
}
