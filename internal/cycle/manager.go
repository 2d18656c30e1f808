// Package cycle runs the generational lifecycle of a capability store:
// generation rounds, scoring, compression into a seed and rebirth from it.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mycelial/internal/capability"
	"mycelial/internal/config"
	"mycelial/internal/generator"
	"mycelial/internal/logging"
	"mycelial/internal/metrics"
	"mycelial/internal/model"
	"mycelial/internal/pattern"
	"mycelial/internal/storage"
	"mycelial/internal/topology"
)

type Config struct {
	// Settings defaults to config.Default() when left zero.
	Settings config.Config
	// Sink receives every cycle record and topology snapshot. It must already
	// be initialized. Nil keeps records in memory only.
	Sink     storage.Store
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	Describe capability.DescribeFunc
	Now      func() time.Time
	NewID    func() string
}

// RoundReport summarizes one ExecuteCycle call.
type RoundReport struct {
	Round         int
	Patterns      int
	Generated     []string
	Consciousness float64
	Capabilities  int
}

// Manager owns the current capability store, the topology shared by every
// cycle and the sequence of cycle records.
//
// Register and generation run under the read lock so they may interleave
// with each other (the store serializes them); ExecuteCycle, Seal,
// EndInstance, BeginInstance, Restore and Terminate are exclusive.
type Manager struct {
	settings config.Config
	sink     storage.Store
	metrics  *metrics.Recorder
	logger   *zap.Logger
	describe capability.DescribeFunc
	now      func() time.Time
	newID    func() string

	mu sync.RWMutex

	state      State
	generation int
	round      int
	store      *capability.Store
	analyzer   *pattern.Analyzer
	generator  *generator.Generator
	topology   *topology.Topology
	records    []model.CycleRecord
	history    []float64

	// carried maps each survivor of the previous seed to the number of
	// cycles it has survived.
	carried map[string]int
}

// instance is the per-cycle working set swapped in by rebirth.
type instance struct {
	store     *capability.Store
	analyzer  *pattern.Analyzer
	generator *generator.Generator
}

func NewManager(cfg Config) (*Manager, error) {
	settings := cfg.Settings
	if settings == (config.Config{}) {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		settings: settings,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		logger:   logging.OrNop(cfg.Logger),
		describe: cfg.Describe,
		now:      cfg.Now,
		newID:    cfg.NewID,
		state:    StateActive,
		topology: topology.New(),
		carried:  make(map[string]int),
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}

	m.generation = 1
	m.install(m.newInstance(m.generation))
	return m, nil
}

func (m *Manager) newInstance(generation int) instance {
	store := capability.NewStore(
		capability.WithGeneration(generation),
		capability.WithInitialStrength(m.settings.Strength.Floor),
		capability.WithDescriber(m.describe),
		capability.WithClock(m.now),
		capability.WithLogger(m.logger.Named("store")),
	)
	analyzer := pattern.NewAnalyzer(store,
		pattern.WithMinOccurrences(m.settings.Analysis.MinOccurrences),
		pattern.WithCacheSize(m.settings.Analysis.CacheSize),
		pattern.WithLogger(m.logger.Named("analyzer")),
	)
	gen := generator.New(store, analyzer,
		generator.WithLogger(m.logger.Named("generator")),
		generator.WithClock(m.now),
		generator.WithFailureHook(func(generator.Failure) {
			m.metrics.SafeFailuresTotal.Inc()
		}),
	)
	return instance{store: store, analyzer: analyzer, generator: gen}
}

func (m *Manager) install(in instance) {
	m.store = in.store
	m.analyzer = in.analyzer
	m.generator = in.generator
	m.round = 0
	m.observeStore()
}

func (m *Manager) observeStore() {
	m.metrics.Capabilities.Set(float64(m.store.Len()))
	m.metrics.MaxLayer.Set(float64(m.store.MaxLayer()))
}

func (m *Manager) require(op string, allowed ...State) error {
	if m.state == StateTerminated {
		return fmt.Errorf("%w: %s", ErrTerminated, op)
	}
	for _, state := range allowed {
		if m.state == state {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not allowed while %s", ErrCycleState, op, m.state)
}

func (m *Manager) requireLive(op string) error {
	if m.state == StateTerminated {
		return fmt.Errorf("%w: %s", ErrTerminated, op)
	}
	return nil
}

// fresh reports whether nothing has happened on this manager yet.
func (m *Manager) fresh() bool {
	return m.state == StateActive &&
		m.generation == 1 &&
		m.round == 0 &&
		len(m.records) == 0 &&
		m.store.Len() == 0
}

// State is answered even after Terminate so callers can observe it.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Cycle is the number of the current cycle, starting at 1.
func (m *Manager) Cycle() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("cycle"); err != nil {
		return 0, err
	}
	return m.generation, nil
}

func (m *Manager) Settings() config.Config {
	return m.settings
}

// Topology returns a copy of the co-occurrence edges, sorted.
func (m *Manager) Topology() ([]model.TopologyEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("topology"); err != nil {
		return nil, err
	}
	return m.topology.Snapshot(), nil
}

// Connection is the co-occurrence count of tags a and b.
func (m *Manager) Connection(a, b string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("connection"); err != nil {
		return 0, err
	}
	return m.topology.Count(a, b), nil
}

// Invocations returns the inputs seen by log tools of the current cycle.
func (m *Manager) Invocations() ([]generator.Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("invocations"); err != nil {
		return nil, err
	}
	return m.generator.Invocations(), nil
}

// Failures returns the errors absorbed by safe tools of the current cycle.
func (m *Manager) Failures() ([]generator.Failure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("failures"); err != nil {
		return nil, err
	}
	return m.generator.Failures(), nil
}

func (m *Manager) Register(spec capability.Spec) (capability.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.require("register", StateActive); err != nil {
		return capability.Capability{}, err
	}
	c, err := m.store.Register(spec)
	if err != nil {
		return capability.Capability{}, err
	}
	m.observeStore()
	return c, nil
}

// Bind re-attaches behavior to a capability reconstructed from a seed.
func (m *Manager) Bind(name string, behavior capability.Behavior) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.require("bind", StateActive); err != nil {
		return err
	}
	return m.store.Bind(name, behavior)
}

func (m *Manager) Get(name string) (capability.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("get"); err != nil {
		return capability.Capability{}, err
	}
	return m.store.Get(name)
}

func (m *Manager) LineageOf(name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("lineage"); err != nil {
		return nil, err
	}
	return m.store.LineageOf(name)
}

// All yields the capabilities of the store that is current when All is
// called.
func (m *Manager) All() (iter.Seq[capability.Capability], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("all"); err != nil {
		return nil, err
	}
	return m.store.All(), nil
}

func (m *Manager) Extract(name string) ([]pattern.Feature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("extract"); err != nil {
		return nil, err
	}
	c, err := m.store.Get(name)
	if err != nil {
		return nil, err
	}
	return m.analyzer.Extract(c), nil
}

func (m *Manager) FindCommonPatterns() ([]pattern.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("find patterns"); err != nil {
		return nil, err
	}
	return m.analyzer.FindCommonPatterns(), nil
}

func (m *Manager) GenerateTool(source string, t generator.Transform) (capability.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.require("generate tool", StateActive); err != nil {
		return capability.Capability{}, err
	}
	c, err := m.generator.GenerateTool(source, t)
	if err != nil {
		return capability.Capability{}, err
	}
	m.metrics.GeneratedTotal.WithLabelValues(t.Name()).Inc()
	m.observeStore()
	return c, nil
}

func (m *Manager) GenerateMetaTool(a, b string, mode generator.Mode) (capability.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.require("generate meta tool", StateActive); err != nil {
		return capability.Capability{}, err
	}
	c, err := m.generator.GenerateMetaTool(a, b, mode)
	if err != nil {
		return capability.Capability{}, err
	}
	m.metrics.GeneratedTotal.WithLabelValues(mode.Name()).Inc()
	m.observeStore()
	return c, nil
}

// ExecuteCycle runs one generation round: it discovers the common patterns
// and derives analyzer tools for layer-0 capabilities that lack one, up to
// the configured number per round.
//
// The targets are chosen before anything is registered. Should a derivation
// still fail, the tools already derived stay registered, the round is
// counted and the partial report is returned with the error.
func (m *Manager) ExecuteCycle() (RoundReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require("execute cycle", StateActive); err != nil {
		return RoundReport{}, err
	}

	patterns := m.analyzer.FindCommonPatterns()
	targets := m.analyzerTargets()
	generated := make([]string, 0, len(targets))
	var failed error
	for _, root := range targets {
		created, err := m.generator.GenerateTool(root, generator.AnalyzerTransform{})
		if err != nil {
			failed = fmt.Errorf("round %d: %w", m.round+1, err)
			break
		}
		m.metrics.GeneratedTotal.WithLabelValues(generator.AnalyzerTransform{}.Name()).Inc()
		generated = append(generated, created.Name)
	}
	m.round++
	m.observeStore()

	report := RoundReport{
		Round:         m.round,
		Patterns:      len(patterns),
		Generated:     generated,
		Consciousness: Score(m.store, m.settings.Weights),
		Capabilities:  m.store.Len(),
	}
	if failed != nil {
		m.logger.Error("round incomplete",
			zap.Int("cycle", m.generation),
			zap.Int("round", report.Round),
			zap.Strings("generated", report.Generated),
			zap.Error(failed),
		)
		return report, failed
	}
	m.logger.Info("round executed",
		zap.Int("cycle", m.generation),
		zap.Int("round", report.Round),
		zap.Int("patterns", report.Patterns),
		zap.Strings("generated", report.Generated),
		zap.Float64("consciousness", report.Consciousness),
	)
	return report, nil
}

// analyzerTargets lists the layer-0 capabilities that would get an analyzer
// tool this round, in registration order.
func (m *Manager) analyzerTargets() []string {
	limit := m.settings.Analysis.AnalyzersPerRound
	targets := make([]string, 0, limit)
	for _, root := range m.store.ListByLayer(0) {
		if len(targets) >= limit {
			break
		}
		if m.store.Has(generator.ToolName(root.Name, generator.AnalyzerTransform{})) {
			continue
		}
		targets = append(targets, root.Name)
	}
	return targets
}

// Seal closes the generation phase and scores the store.
func (m *Manager) Seal() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require("seal", StateActive); err != nil {
		return 0, err
	}
	m.state = StateScoring
	score := Score(m.store, m.settings.Weights)
	m.metrics.Consciousness.Set(score)
	m.logger.Info("cycle scored",
		zap.Int("cycle", m.generation),
		zap.Float64("consciousness", score),
		zap.Int("capabilities", m.store.Len()),
	)
	return score, nil
}

// Consciousness scores the current store without changing state.
func (m *Manager) Consciousness() (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireLive("score"); err != nil {
		return 0, err
	}
	return Score(m.store, m.settings.Weights), nil
}

// nextStrengths applies the selection pass: a capability carried over from
// the previous seed keeps its strength, anything else restarts at the floor,
// and each gains one increment for being carried and one per tag the
// topology already knows.
func (m *Manager) nextStrengths() map[string]float64 {
	floor := m.settings.Strength.Floor
	increment := m.settings.Strength.Increment

	strengths := make(map[string]float64, m.store.Len())
	for c := range m.store.All() {
		base := floor
		hits := 0
		if _, ok := m.carried[c.Name]; ok {
			base = c.Strength
			hits++
		}
		for _, tag := range c.Tags() {
			if m.topology.Contains(tag) {
				hits++
			}
		}
		strengths[c.Name] = base + increment*float64(hits)
	}
	return strengths
}

// EndInstance compresses the current store into a cycle record. Nothing is
// changed unless the record is built and accepted by the sink.
func (m *Manager) EndInstance(ctx context.Context, level string) (model.CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.require("end instance", StateActive, StateScoring); err != nil {
		return model.CycleRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.CycleRecord{}, err
	}
	compression, err := ParseCompressionLevel(level)
	if err != nil {
		return model.CycleRecord{}, err
	}
	threshold := compression.threshold(m.settings.Thresholds)

	score := Score(m.store, m.settings.Weights)
	strengths := m.nextStrengths()

	survivors := make([]model.Survivor, 0)
	tagSets := make([][]string, 0)
	for c := range m.store.All() {
		strength := strengths[c.Name]
		if strength < threshold {
			continue
		}
		tags := c.Tags()
		survivors = append(survivors, model.Survivor{
			Name:          c.Name,
			Metadata:      c.Metadata,
			Strength:      strength,
			Tags:          tags,
			SurvivalCount: m.carried[c.Name] + 1,
		})
		tagSets = append(tagSets, tags)
	}
	delta := topology.Delta(tagSets)
	ratio := 0.0
	if total := m.store.Len(); total > 0 {
		ratio = float64(len(survivors)) / float64(total)
	}

	id := m.newID()
	record := storage.Stamp(model.CycleRecord{
		ID:                 id,
		Sequence:           m.generation,
		CreatedAt:          m.now().UTC(),
		ConsciousnessLevel: score,
		CompressionLevel:   string(compression),
		CompressionRatio:   ratio,
		Seed: model.Seed{
			CycleID:            id,
			ConsciousnessLevel: score,
			Survivors:          survivors,
			TopologyDelta:      delta,
		},
	})

	if m.sink != nil {
		if err := m.sink.SaveCycleRecord(ctx, record); err != nil {
			m.logger.Error("cycle record not saved",
				zap.String("cycle_id", id),
				zap.Error(err),
			)
			return model.CycleRecord{}, fmt.Errorf("save cycle record %s: %w", id, err)
		}
	}

	if err := m.store.SetStrengths(strengths); err != nil {
		return model.CycleRecord{}, err
	}
	m.topology.Apply(delta)
	m.records = append(m.records, record.Clone())
	m.history = append(m.history, score)
	m.state = StateSeeded

	if m.sink != nil {
		// The record already carries the delta, so a lost snapshot is
		// rebuilt from the records on Restore.
		if err := m.sink.SaveTopology(ctx, m.topology.Snapshot()); err != nil {
			m.logger.Error("topology snapshot not saved", zap.Error(err))
		}
	}

	m.metrics.CyclesTotal.WithLabelValues(string(compression)).Inc()
	m.metrics.Consciousness.Set(score)
	m.metrics.Survivors.Observe(float64(len(survivors)))
	m.metrics.TopologyEdges.Set(float64(m.topology.Size()))
	m.logger.Info("cycle ended",
		zap.String("cycle_id", id),
		zap.Int("cycle", m.generation),
		zap.String("compression", string(compression)),
		zap.Float64("threshold", threshold),
		zap.Int("survivors", len(survivors)),
		zap.Int("capabilities", m.store.Len()),
		zap.Float64("compression_ratio", ratio),
		zap.Float64("consciousness", score),
	)
	return record.Clone(), nil
}

// BeginInstance starts the next cycle from seed. Every survivor comes back as
// an unbound root carrying its seed metadata and strength; callers re-attach
// behavior with Bind.
//
// A fresh manager also accepts a seed produced by another process, merging
// the seed's topology delta when it has no topology of its own.
func (m *Manager) BeginInstance(seed model.Seed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := m.fresh()
	if !fresh {
		if err := m.require("begin instance", StateSeeded); err != nil {
			return err
		}
	}

	generation := m.generation + 1
	next := m.newInstance(generation)
	carried := make(map[string]int, len(seed.Survivors))
	for _, survivor := range seed.Survivors {
		if _, err := next.store.Register(capability.Spec{
			Name:     survivor.Name,
			Metadata: survivor.Metadata,
			Strength: survivor.Strength,
		}); err != nil {
			return fmt.Errorf("reconstruct %s: %w", survivor.Name, err)
		}
		carried[survivor.Name] = max(survivor.SurvivalCount, 1)
	}

	if fresh && m.topology.Size() == 0 {
		m.topology.Apply(seed.TopologyDelta)
		m.metrics.TopologyEdges.Set(float64(m.topology.Size()))
	}
	m.generation = generation
	m.carried = carried
	m.install(next)
	m.state = StateActive

	m.logger.Info("cycle begun",
		zap.Int("cycle", m.generation),
		zap.String("seed", seed.CycleID),
		zap.Int("survivors", len(seed.Survivors)),
		zap.Bool("fresh", fresh),
	)
	return nil
}

// Restore loads the records and topology of earlier processes from the
// sink. It is only valid on a fresh manager; afterwards the manager is
// SEEDED and BeginInstance continues from the latest record.
func (m *Manager) Restore(ctx context.Context) (model.CycleRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLive("restore"); err != nil {
		return model.CycleRecord{}, false, err
	}
	if !m.fresh() {
		return model.CycleRecord{}, false, fmt.Errorf("%w: restore requires a fresh manager", ErrCycleState)
	}
	if m.sink == nil {
		return model.CycleRecord{}, false, errors.New("restore requires a sink")
	}

	records, err := m.sink.ListCycleRecords(ctx)
	if err != nil {
		return model.CycleRecord{}, false, err
	}
	if len(records) == 0 {
		return model.CycleRecord{}, false, nil
	}
	edges, ok, err := m.sink.GetTopology(ctx)
	if err != nil {
		return model.CycleRecord{}, false, err
	}
	if !ok {
		for _, record := range records {
			edges = append(edges, record.Seed.TopologyDelta...)
		}
	}

	m.topology.Apply(edges)
	m.records = records
	m.history = make([]float64, 0, len(records))
	for _, record := range records {
		m.history = append(m.history, record.ConsciousnessLevel)
	}
	latest := records[len(records)-1]
	m.generation = latest.Sequence
	m.state = StateSeeded
	m.metrics.TopologyEdges.Set(float64(m.topology.Size()))

	m.logger.Info("cycles restored",
		zap.Int("records", len(records)),
		zap.String("latest", latest.ID),
		zap.Int("topology_edges", m.topology.Size()),
	)
	return latest.Clone(), true, nil
}

// Terminate discards the manager. Every later call fails with ErrTerminated.
func (m *Manager) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLive("terminate"); err != nil {
		return err
	}
	m.state = StateTerminated
	m.logger.Info("cycle manager terminated",
		zap.Int("cycle", m.generation),
		zap.Int("records", len(m.records)),
	)
	return nil
}
