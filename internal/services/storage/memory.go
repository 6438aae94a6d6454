package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// MemoryStorage implements Store using an in-process cache.
// Records are held as JSON so reads never alias stored data.
type MemoryStorage struct {
	records *cache.Cache
	mu      sync.Mutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

func memoryKey(table, id string) string {
	return fmt.Sprintf("%s:%s", table, id)
}

func (m *MemoryStorage) rows(table string) [][]byte {
	prefix := table + ":"
	var rows [][]byte
	for key, item := range m.records.Items() {
		if strings.HasPrefix(key, prefix) {
			rows = append(rows, item.Object.([]byte))
		}
	}
	return rows
}

func (m *MemoryStorage) QueryOne(ctx context.Context, table string, filters Filters) (Record, error) {
	recs, err := m.QueryMany(ctx, table, filters, &Order{Field: "id"})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (m *MemoryStorage) QueryMany(ctx context.Context, table string, filters Filters, order *Order) ([]Record, error) {
	m.mu.Lock()
	rows := m.rows(table)
	m.mu.Unlock()
	return filterAndSort(rows, filters, order)
}

func (m *MemoryStorage) Update(ctx context.Context, table string, filters Filters, patch Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := filterAndSort(m.rows(table), filters, nil)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		data, err := json.Marshal(merge(rec, patch))
		if err != nil {
			return 0, fmt.Errorf("failed to encode record: %w", err)
		}
		m.records.Set(memoryKey(table, rec.ID()), data, cache.NoExpiration)
	}
	return len(recs), nil
}

func (m *MemoryStorage) Insert(ctx context.Context, table string, record Record) (Record, error) {
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

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.records.Add(memoryKey(table, rec.ID()), data, cache.NoExpiration); err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, table, rec.ID())
	}
	return rec, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStorage) Close() error {
	m.records.Flush()
	return nil
}
