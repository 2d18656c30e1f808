package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// CycleRecord is the immutable snapshot emitted when a cycle ends.
type CycleRecord struct {
	VersionedRecord
	ID                 string    `json:"id"`
	Sequence           int       `json:"sequence"`
	CreatedAt          time.Time `json:"created_at"`
	ConsciousnessLevel float64   `json:"consciousness_level"`
	CompressionLevel   string    `json:"compression_level"`
	// CompressionRatio is survivors over capabilities at the end of the cycle.
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
	Seed             Seed    `json:"seed"`
}

// Seed is the behavior-free summary used to begin the next cycle.
type Seed struct {
	CycleID            string         `json:"cycle_id"`
	ConsciousnessLevel float64        `json:"consciousness_level"`
	Survivors          []Survivor     `json:"survivors"`
	TopologyDelta      []TopologyEdge `json:"topology_delta"`
}

type Survivor struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Strength float64           `json:"strength"`
	Tags     []string          `json:"tags,omitempty"`
	// SurvivalCount is the number of consecutive cycles the survivor has
	// made it into a seed, this one included. Zero in older records.
	SurvivalCount int `json:"survival_count,omitempty"`
}

// TopologyEdge counts how often two tags appeared on the same survivor.
// A is always lexically smaller than B.
type TopologyEdge struct {
	A     string `json:"a"`
	B     string `json:"b"`
	Count int    `json:"count"`
}

// Clone returns a deep copy so callers can hand the seed across cycles safely.
func (s Seed) Clone() Seed {
	out := Seed{
		CycleID:            s.CycleID,
		ConsciousnessLevel: s.ConsciousnessLevel,
		Survivors:          make([]Survivor, 0, len(s.Survivors)),
		TopologyDelta:      append([]TopologyEdge(nil), s.TopologyDelta...),
	}
	for _, survivor := range s.Survivors {
		out.Survivors = append(out.Survivors, survivor.Clone())
	}
	return out
}

func (s Survivor) Clone() Survivor {
	out := Survivor{
		Name:          s.Name,
		Strength:      s.Strength,
		Tags:          append([]string(nil), s.Tags...),
		SurvivalCount: s.SurvivalCount,
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (r CycleRecord) Clone() CycleRecord {
	out := r
	out.Seed = r.Seed.Clone()
	return out
}
