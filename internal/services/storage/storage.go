package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/exam-tutor-go/internal/config"
	"github.com/sirupsen/logrus"
)

var (
	// ErrConflict is returned when a versioned write lost a race
	ErrConflict = errors.New("optimistic lock failed")
	// ErrDuplicate is returned when inserting a record whose id already exists
	ErrDuplicate = errors.New("record already exists")
	// ErrUnknownProcedure is returned by CallProcedure for unregistered names
	ErrUnknownProcedure = errors.New("unknown procedure")
)

// Tables used by the tutor
const (
	TableSubscriptions = "user_subscriptions"
	TableTiers         = "subscription_tiers"
	TablePapers        = "exam_papers"
	TableQuestions     = "exam_questions"
	TableConversations = "conversations"
	TableMessages      = "conversation_messages"
)

// Order sorts QueryMany results by one field
type Order struct {
	Field string
	Desc  bool
}

// Store is a table-oriented record store.
// QueryOne returns (nil, nil) when nothing matches.
type Store interface {
	QueryOne(ctx context.Context, table string, filters Filters) (Record, error)
	QueryMany(ctx context.Context, table string, filters Filters, order *Order) ([]Record, error)
	// Update merges patch into every record matching filters and returns how many changed
	Update(ctx context.Context, table string, filters Filters, patch Record) (int, error)
	Insert(ctx context.Context, table string, record Record) (Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// DataStore is a Store that can also run named server-side procedures
type DataStore interface {
	Store
	CallProcedure(ctx context.Context, name string, args Record) (interface{}, error)
}

// Procedure is a named authorization or lookup routine run against the store
type Procedure func(ctx context.Context, store Store, args Record) (interface{}, error)

// OperationRecorder receives timing for every store call
type OperationRecorder interface {
	RecordStorageOperation(operation, status string, duration time.Duration)
}

// Manager wraps a backend with a procedure registry and instrumentation
type Manager struct {
	storage    Store
	logger     *logrus.Logger
	recorder   OperationRecorder
	mu         sync.RWMutex
	procedures map[string]Procedure
}

// NewManager creates a new storage manager for the configured backend
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	var backend Store

	switch strings.ToLower(cfg.Storage.Type) {
	case "redis":
		redisStorage, err := NewRedisStorage(&cfg.Storage.Redis, logger)
		if err != nil {
			return nil, err
		}
		backend = redisStorage
	case "sqlite":
		sqliteStorage, err := NewSQLiteStorage(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		backend = sqliteStorage
	case "memory":
		backend = NewMemoryStorage()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	logger.WithField("type", cfg.Storage.Type).Info("Storage initialized")
	return NewManagerWithStore(backend, logger), nil
}

// NewManagerWithStore wraps an existing backend
func NewManagerWithStore(backend Store, logger *logrus.Logger) *Manager {
	return &Manager{
		storage:    backend,
		logger:     logger,
		procedures: make(map[string]Procedure),
	}
}

// SetRecorder attaches an operation recorder
func (m *Manager) SetRecorder(r OperationRecorder) {
	m.recorder = r
}

// RegisterProcedure makes fn callable through CallProcedure
func (m *Manager) RegisterProcedure(name string, fn Procedure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procedures[name] = fn
}

func (m *Manager) observe(operation string, start time.Time, err error) {
	if m.recorder == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.recorder.RecordStorageOperation(operation, status, time.Since(start))
}

func (m *Manager) QueryOne(ctx context.Context, table string, filters Filters) (rec Record, err error) {
	defer func(start time.Time) { m.observe("query_one", start, err) }(time.Now())
	return m.storage.QueryOne(ctx, table, filters)
}

func (m *Manager) QueryMany(ctx context.Context, table string, filters Filters, order *Order) (recs []Record, err error) {
	defer func(start time.Time) { m.observe("query_many", start, err) }(time.Now())
	return m.storage.QueryMany(ctx, table, filters, order)
}

func (m *Manager) Update(ctx context.Context, table string, filters Filters, patch Record) (n int, err error) {
	defer func(start time.Time) { m.observe("update", start, err) }(time.Now())
	return m.storage.Update(ctx, table, filters, patch)
}

func (m *Manager) Insert(ctx context.Context, table string, record Record) (rec Record, err error) {
	defer func(start time.Time) { m.observe("insert", start, err) }(time.Now())
	return m.storage.Insert(ctx, table, record)
}

// CallProcedure runs a registered procedure
func (m *Manager) CallProcedure(ctx context.Context, name string, args Record) (res interface{}, err error) {
	defer func(start time.Time) { m.observe("procedure", start, err) }(time.Now())

	m.mu.RLock()
	fn, ok := m.procedures[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, name)
	}
	return fn(ctx, m.storage, args)
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.storage.Ping(ctx)
}

func (m *Manager) Close() error {
	return m.storage.Close()
}
