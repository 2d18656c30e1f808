package storage

import (
	"context"
	"errors"
	"fmt"

	"mycelial/internal/model"
)

var (
	ErrRecordNotFound  = errors.New("cycle record not found")
	ErrInvalidRecordID = errors.New("invalid cycle record id")
)

// Store is the persistence sink for cycle records and the long-lived topology.
type Store interface {
	Init(ctx context.Context) error
	SaveCycleRecord(ctx context.Context, record model.CycleRecord) error
	GetCycleRecord(ctx context.Context, id string) (model.CycleRecord, bool, error)
	// ListCycleRecords returns every record ordered by sequence.
	ListCycleRecords(ctx context.Context) ([]model.CycleRecord, error)
	SaveTopology(ctx context.Context, edges []model.TopologyEdge) error
	GetTopology(ctx context.Context) ([]model.TopologyEdge, bool, error)
}

// LoadCycleRecord is GetCycleRecord with a missing record reported as
// ErrRecordNotFound.
func LoadCycleRecord(ctx context.Context, store Store, id string) (model.CycleRecord, error) {
	record, ok, err := store.GetCycleRecord(ctx, id)
	if err != nil {
		return model.CycleRecord{}, err
	}
	if !ok {
		return model.CycleRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return record, nil
}

// LatestCycleRecord returns the record with the highest sequence.
func LatestCycleRecord(ctx context.Context, store Store) (model.CycleRecord, bool, error) {
	records, err := store.ListCycleRecords(ctx)
	if err != nil {
		return model.CycleRecord{}, false, err
	}
	if len(records) == 0 {
		return model.CycleRecord{}, false, nil
	}
	return records[len(records)-1], true, nil
}
