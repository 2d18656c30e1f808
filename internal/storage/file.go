package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mycelial/internal/model"
)

const (
	recordIndexFile = "record_index.json"
	topologyFile    = "topology.json"
	recordsDir      = "records"
)

type recordIndexEntry struct {
	ID       string `json:"id"`
	Sequence int    `json:"sequence"`
}

// FileStore keeps one JSON document per cycle record under baseDir, plus an
// index and the topology snapshot.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (s *FileStore) Init(_ context.Context) error {
	if s.baseDir == "" {
		return errors.New("file store directory is required")
	}
	return os.MkdirAll(filepath.Join(s.baseDir, recordsDir), 0o755)
}

// SaveCycleRecord updates the index before the record file, and puts the
// previous index back when the record cannot be written, so the index never
// names a record it did not accept.
func (s *FileStore) SaveCycleRecord(_ context.Context, record model.CycleRecord) error {
	if err := checkRecordID(record.ID); err != nil {
		return err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return err
	}
	payload, err := EncodeCycleRecord(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("read record index: %w", err)
	}
	index := make([]recordIndexEntry, 0, len(previous)+1)
	found := false
	for _, entry := range previous {
		if entry.ID == record.ID {
			entry.Sequence = record.Sequence
			found = true
		}
		index = append(index, entry)
	}
	if !found {
		index = append(index, recordIndexEntry{ID: record.ID, Sequence: record.Sequence})
	}
	if err := s.writeIndex(index); err != nil {
		return fmt.Errorf("write record index: %w", err)
	}

	if err := writeFile(s.recordPath(record.ID), payload); err != nil {
		if restoreErr := s.writeIndex(previous); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("restore record index: %w", restoreErr))
		}
		return err
	}
	return nil
}

func (s *FileStore) GetCycleRecord(_ context.Context, id string) (model.CycleRecord, bool, error) {
	if err := checkRecordID(id); err != nil {
		return model.CycleRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readRecord(id)
}

func (s *FileStore) ListCycleRecords(_ context.Context) ([]model.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	records := make([]model.CycleRecord, 0, len(index))
	for _, entry := range index {
		record, ok, err := s.readRecord(entry.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		records = append(records, record)
	}
	sortRecords(records)
	return records, nil
}

func (s *FileStore) SaveTopology(_ context.Context, edges []model.TopologyEdge) error {
	payload, err := EncodeTopology(edges)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(filepath.Join(s.baseDir, topologyFile), payload)
}

func (s *FileStore) GetTopology(_ context.Context) ([]model.TopologyEdge, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, topologyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	edges, err := DecodeTopology(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode topology: %w", err)
	}
	return edges, true, nil
}

// checkRecordID rejects ids that would not name a single file directly
// under the records directory.
func checkRecordID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidRecordID)
	case id == "." || strings.Contains(id, ".."),
		strings.ContainsAny(id, "/\\\x00"),
		filepath.Base(id) != id:
		return fmt.Errorf("%w: %q", ErrInvalidRecordID, id)
	}
	return nil
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.baseDir, recordsDir, id+".json")
}

func (s *FileStore) readRecord(id string) (model.CycleRecord, bool, error) {
	if err := checkRecordID(id); err != nil {
		return model.CycleRecord{}, false, err
	}
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return model.CycleRecord{}, false, nil
		}
		return model.CycleRecord{}, false, err
	}
	record, err := DecodeCycleRecord(data)
	if err != nil {
		return model.CycleRecord{}, false, fmt.Errorf("decode cycle record %s: %w", id, err)
	}
	return record, true, nil
}

func (s *FileStore) readIndex() ([]recordIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, recordIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []recordIndexEntry{}, nil
		}
		return nil, err
	}
	var entries []recordIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *FileStore) writeIndex(entries []recordIndexEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.baseDir, recordIndexFile), append(data, '\n'))
}

// writeFile replaces path through a temp file and rename.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
