package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"mycelial/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	records     map[string]model.CycleRecord
	topology    []model.TopologyEdge
	hasTopology bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.records = make(map[string]model.CycleRecord)
	return nil
}

func (s *MemoryStore) SaveCycleRecord(_ context.Context, record model.CycleRecord) error {
	if record.ID == "" {
		return errors.New("cycle record id is required")
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *MemoryStore) GetCycleRecord(_ context.Context, id string) (model.CycleRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return model.CycleRecord{}, false, nil
	}
	return record.Clone(), true, nil
}

func (s *MemoryStore) ListCycleRecords(_ context.Context) ([]model.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CycleRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) SaveTopology(_ context.Context, edges []model.TopologyEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.topology = append([]model.TopologyEdge(nil), edges...)
	s.hasTopology = true
	return nil
}

func (s *MemoryStore) GetTopology(_ context.Context) ([]model.TopologyEdge, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasTopology {
		return nil, false, nil
	}
	return append([]model.TopologyEdge(nil), s.topology...), true, nil
}

func sortRecords(records []model.CycleRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Sequence != records[j].Sequence {
			return records[i].Sequence < records[j].Sequence
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
