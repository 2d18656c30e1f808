//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"mycelial/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCycleRecord(ctx context.Context, record model.CycleRecord) error {
	if record.ID == "" {
		return errors.New("cycle record id is required")
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeCycleRecord(record)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO cycle_records (id, sequence, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sequence = excluded.sequence,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, record.ID, record.Sequence, record.SchemaVersion, record.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetCycleRecord(ctx context.Context, id string) (model.CycleRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.CycleRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM cycle_records WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CycleRecord{}, false, nil
		}
		return model.CycleRecord{}, false, err
	}

	record, err := DecodeCycleRecord(payload)
	if err != nil {
		return model.CycleRecord{}, false, fmt.Errorf("decode cycle record %s: %w", id, err)
	}
	return record, true, nil
}

func (s *SQLiteStore) ListCycleRecords(ctx context.Context) ([]model.CycleRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM cycle_records ORDER BY sequence, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]model.CycleRecord, 0)
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		record, err := DecodeCycleRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("decode cycle record %s: %w", id, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(records)
	return records, nil
}

func (s *SQLiteStore) SaveTopology(ctx context.Context, edges []model.TopologyEdge) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeTopology(edges)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO topology (id, payload)
		VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload
	`, payload)
	return err
}

func (s *SQLiteStore) GetTopology(ctx context.Context) ([]model.TopologyEdge, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM topology WHERE id = 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	edges, err := DecodeTopology(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode topology: %w", err)
	}
	return edges, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cycle_records (
			id TEXT PRIMARY KEY,
			sequence INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cycle_records_sequence ON cycle_records(sequence);
		CREATE TABLE IF NOT EXISTS topology (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			payload BLOB NOT NULL
		);
	`)
	return err
}
