package cycle

import (
	"sort"

	"mycelial/internal/generator"
	"mycelial/internal/model"
)

// Snapshot is the structured view returned by Introspect.
type Snapshot struct {
	Cycle           int
	State           State
	Round           int
	CapabilityCount int
	MaxLayer        int
	Consciousness   float64
	TopologySize    int
	LayerHistogram  map[int]int
	PatternCount    int
	CanAnalyze      bool
	CanModify       bool
	CanCompose      bool
	Trend           Trend
}

func (m *Manager) Introspect() (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("introspect"); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Cycle:           m.generation,
		State:           m.state,
		Round:           m.round,
		CapabilityCount: m.store.Len(),
		MaxLayer:        m.store.MaxLayer(),
		Consciousness:   Score(m.store, m.settings.Weights),
		TopologySize:    m.topology.Size(),
		LayerHistogram:  m.store.LayerHistogram(),
		PatternCount:    len(m.analyzer.FindCommonPatterns()),
		Trend:           TrendOf(m.history, m.settings.Trend),
	}
	analyzerOp := generator.AnalyzerTransform{}.Name()
	for c := range m.store.All() {
		switch {
		case c.Metadata["operator"] == analyzerOp:
			snap.CanAnalyze = true
		case c.Metadata["kind"] == generator.KindTool:
			snap.CanModify = true
		}
		if !c.IsRoot() {
			snap.CanCompose = true
		}
	}
	return snap, nil
}

// History returns the consciousness of every ended cycle, oldest first.
func (m *Manager) History() ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("history"); err != nil {
		return nil, err
	}
	return append([]float64(nil), m.history...), nil
}

func (m *Manager) Trend() (Trend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("trend"); err != nil {
		return "", err
	}
	return TrendOf(m.history, m.settings.Trend), nil
}

func (m *Manager) Records() ([]model.CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("records"); err != nil {
		return nil, err
	}
	out := make([]model.CycleRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record.Clone())
	}
	return out, nil
}

func (m *Manager) LastRecord() (model.CycleRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("last record"); err != nil {
		return model.CycleRecord{}, false, err
	}
	if len(m.records) == 0 {
		return model.CycleRecord{}, false, nil
	}
	return m.records[len(m.records)-1].Clone(), true, nil
}

// Strongest returns up to n survivors of the last ended cycle, strongest
// first.
func (m *Manager) Strongest(n int) ([]model.Survivor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("strongest"); err != nil {
		return nil, err
	}
	if len(m.records) == 0 || n <= 0 {
		return nil, nil
	}
	survivors := strongestFirst(m.records[len(m.records)-1].Seed.Clone().Survivors)
	if len(survivors) > n {
		survivors = survivors[:n]
	}
	return survivors, nil
}

func strongestFirst(survivors []model.Survivor) []model.Survivor {
	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].Strength != survivors[j].Strength {
			return survivors[i].Strength > survivors[j].Strength
		}
		return survivors[i].Name < survivors[j].Name
	})
	return survivors
}

// Candidate is a survivor that is both strong and well connected in the
// topology.
type Candidate struct {
	Survivor    model.Survivor
	Connections int
}

// EmergenceCandidates returns the last cycle's survivors whose strength and
// number of distinct topology neighbors both exceed the emergence
// thresholds, ordered by strength times connections.
func (m *Manager) EmergenceCandidates() ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("emergence candidates"); err != nil {
		return nil, err
	}
	if len(m.records) == 0 {
		return nil, nil
	}
	limits := m.settings.Emergence

	candidates := make([]Candidate, 0)
	for _, survivor := range m.records[len(m.records)-1].Seed.Clone().Survivors {
		if survivor.Strength <= limits.Strength {
			continue
		}
		neighbors := make(map[string]struct{})
		for _, tag := range survivor.Tags {
			for _, neighbor := range m.topology.Neighbors(tag) {
				neighbors[neighbor] = struct{}{}
			}
		}
		if len(neighbors) <= limits.Connections {
			continue
		}
		candidates = append(candidates, Candidate{Survivor: survivor, Connections: len(neighbors)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		wi := candidates[i].Survivor.Strength * float64(candidates[i].Connections)
		wj := candidates[j].Survivor.Strength * float64(candidates[j].Connections)
		if wi != wj {
			return wi > wj
		}
		return candidates[i].Survivor.Name < candidates[j].Survivor.Name
	})
	return candidates, nil
}

// Evolution summarizes every cycle ended so far. Survivors, AverageSurvival,
// Strongest and TopologyDensity describe the latest seed.
type Evolution struct {
	TotalCycles      int
	Survivors        int
	AverageSurvival  float64
	Strongest        string
	Trend            Trend
	CompressionRatio float64
	// TopologyDensity is the number of tag links, counted from both ends,
	// per survivor.
	TopologyDensity float64
}

func (m *Manager) Evolution() (Evolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("evolution"); err != nil {
		return Evolution{}, err
	}
	summary := Evolution{
		TotalCycles: len(m.records),
		Trend:       TrendOf(m.history, m.settings.Trend),
	}
	if len(m.records) == 0 {
		return summary, nil
	}

	last := m.records[len(m.records)-1]
	survivors := strongestFirst(last.Seed.Clone().Survivors)
	summary.Survivors = len(survivors)
	summary.CompressionRatio = last.CompressionRatio
	if len(survivors) == 0 {
		return summary, nil
	}
	total := 0
	for _, survivor := range survivors {
		total += survivor.SurvivalCount
	}
	summary.AverageSurvival = float64(total) / float64(len(survivors))
	summary.Strongest = survivors[0].Name
	summary.TopologyDensity = float64(2*m.topology.Size()) / float64(len(survivors))
	return summary, nil
}
