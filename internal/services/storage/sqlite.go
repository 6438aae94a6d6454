package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Store on a single SQLite table of JSON documents
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (and creates if needed) the database at dbPath
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Update reads then writes inside one transaction; a single connection keeps that serial
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStorage{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		tbl TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (tbl, id)
	);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func loadRows(ctx context.Context, q rowQuerier, table string) ([][]byte, error) {
	rows, err := q.QueryContext(ctx, `SELECT data FROM records WHERE tbl = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, []byte(data))
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) QueryOne(ctx context.Context, table string, filters Filters) (Record, error) {
	recs, err := s.QueryMany(ctx, table, filters, &Order{Field: "id"})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (s *SQLiteStorage) QueryMany(ctx context.Context, table string, filters Filters, order *Order) ([]Record, error) {
	rows, err := loadRows(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	return filterAndSort(rows, filters, order)
}

func (s *SQLiteStorage) Update(ctx context.Context, table string, filters Filters, patch Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := loadRows(ctx, tx, table)
	if err != nil {
		return 0, err
	}
	recs, err := filterAndSort(rows, filters, nil)
	if err != nil {
		return 0, err
	}

	for _, rec := range recs {
		data, err := json.Marshal(merge(rec, patch))
		if err != nil {
			return 0, fmt.Errorf("failed to encode record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET data = ? WHERE tbl = ? AND id = ?`,
			string(data), table, rec.ID()); err != nil {
			return 0, fmt.Errorf("update record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(recs), nil
}

func (s *SQLiteStorage) Insert(ctx context.Context, table string, record Record) (Record, error) {
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (tbl, id, data) VALUES (?, ?, ?)`,
		table, rec.ID(), string(data))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, table, rec.ID())
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
