package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"mycelial/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Stamp marks a record with the current schema and codec versions.
func Stamp(record model.CycleRecord) model.CycleRecord {
	record.VersionedRecord = model.VersionedRecord{
		SchemaVersion: CurrentSchemaVersion,
		CodecVersion:  CurrentCodecVersion,
	}
	return record
}

func EncodeCycleRecord(record model.CycleRecord) ([]byte, error) {
	return json.Marshal(record)
}

func DecodeCycleRecord(data []byte) (model.CycleRecord, error) {
	var record model.CycleRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.CycleRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.CycleRecord{}, err
	}
	return record, nil
}

func EncodeTopology(edges []model.TopologyEdge) ([]byte, error) {
	return json.Marshal(edges)
}

func DecodeTopology(data []byte) ([]model.TopologyEdge, error) {
	var edges []model.TopologyEdge
	if err := json.Unmarshal(data, &edges); err != nil {
		return nil, err
	}
	return edges, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
