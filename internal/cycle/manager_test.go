package cycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mycelial/internal/capability"
	"mycelial/internal/generator"
	"mycelial/internal/metrics"
	"mycelial/internal/model"
	"mycelial/internal/storage"
)

var errSinkDown = errors.New("sink down")

type failingSink struct {
	*storage.MemoryStore
}

func (failingSink) SaveCycleRecord(context.Context, model.CycleRecord) error {
	return errSinkDown
}

type harness struct {
	manager *Manager
	metrics *metrics.Recorder
	sink    storage.Store
}

func newHarness(t *testing.T, sink storage.Store) *harness {
	t.Helper()

	ids := 0
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := metrics.New(prometheus.NewRegistry())
	m, err := NewManager(Config{
		Sink:    sink,
		Metrics: rec,
		Now:     func() time.Time { return clock },
		NewID: func() string {
			ids++
			return fmt.Sprintf("cycle-%d", ids)
		},
	})
	require.NoError(t, err)
	return &harness{manager: m, metrics: rec, sink: sink}
}

func memorySink(t *testing.T) *storage.MemoryStore {
	t.Helper()
	sink := storage.NewMemoryStore()
	require.NoError(t, sink.Init(context.Background()))
	return sink
}

func arithmetic(op func(int) int) capability.Behavior {
	return capability.Func(func(input any) (any, error) {
		n, _ := input.(int)
		return op(n), nil
	})
}

func (h *harness) register(t *testing.T, name string, metadata map[string]string) {
	t.Helper()
	_, err := h.manager.Register(capability.Spec{
		Name:     name,
		Behavior: arithmetic(func(n int) int { return n }),
		Metadata: metadata,
	})
	require.NoError(t, err)
}

func (h *harness) connection(t *testing.T, a, b string) int {
	t.Helper()
	count, err := h.manager.Connection(a, b)
	require.NoError(t, err)
	return count
}

func (h *harness) history(t *testing.T) []float64 {
	t.Helper()
	history, err := h.manager.History()
	require.NoError(t, err)
	return history
}

func survivorNames(record model.CycleRecord) []string {
	names := make([]string, 0, len(record.Seed.Survivors))
	for _, s := range record.Seed.Survivors {
		names = append(names, s.Name)
	}
	return names
}

func TestIntrospectAfterToolAndMetaTool(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.manager.Register(capability.Spec{Name: "add", Behavior: arithmetic(func(n int) int { return n + 1 })})
	require.NoError(t, err)
	_, err = h.manager.Register(capability.Spec{Name: "mul", Behavior: arithmetic(func(n int) int { return n * 2 })})
	require.NoError(t, err)

	memo, err := h.manager.GenerateTool("add", generator.MemoizeTransform{})
	require.NoError(t, err)
	assert.Equal(t, "add_memoize", memo.Name)
	assert.Equal(t, []string{"add"}, memo.Parents)
	assert.Equal(t, 1, memo.Layer)

	seq, err := h.manager.GenerateMetaTool("add", "mul", generator.SequenceMode{})
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "mul"}, seq.Parents)
	assert.Equal(t, 1, seq.Layer)

	snap, err := h.manager.Introspect()
	require.NoError(t, err)
	assert.Equal(t, 4, snap.CapabilityCount)
	assert.Equal(t, 1, snap.MaxLayer)
	assert.Equal(t, 30.0, snap.Consciousness)
	assert.Equal(t, 0, snap.TopologySize)
	assert.Equal(t, map[int]int{0: 2, 1: 2}, snap.LayerHistogram)
	assert.True(t, snap.CanModify)
	assert.True(t, snap.CanCompose)
	assert.False(t, snap.CanAnalyze)
	assert.Equal(t, TrendInsufficientData, snap.Trend)

	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.Capabilities))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.GeneratedTotal.WithLabelValues("memoize")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.GeneratedTotal.WithLabelValues("sequence")))
}

func TestEndInstanceHighKeepsOnlyStrongCapabilities(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memorySink(t))
	shared := map[string]string{"category": "math", "kind": "tool"}

	// First cycle: everything survives a low compression and seeds the
	// topology with category:math <-> kind:tool.
	h.register(t, "a", shared)
	h.register(t, "b", shared)
	first, err := h.manager.EndInstance(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, survivorNames(first))
	assert.Equal(t, 2, h.connection(t, "category:math", "kind:tool"))
	assert.Equal(t, 1.0, first.CompressionRatio)

	require.NoError(t, h.manager.BeginInstance(first.Seed))
	require.NoError(t, h.manager.Bind("a", arithmetic(func(n int) int { return n })))
	h.register(t, "c", map[string]string{"category": "math"})
	h.register(t, "d", nil)
	h.register(t, "e", nil)

	_, err = h.manager.Seal()
	require.NoError(t, err)
	assert.Equal(t, StateScoring, h.manager.State())

	second, err := h.manager.EndInstance(ctx, "high")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, survivorNames(second))
	for _, s := range second.Seed.Survivors {
		// carried 1.0 + 0.5 * (carried + two known tags)
		assert.Equal(t, 2.5, s.Strength, s.Name)
		assert.Equal(t, []string{"category:math", "kind:tool"}, s.Tags)
	}
	assert.Equal(t, []model.TopologyEdge{{A: "category:math", B: "kind:tool", Count: 2}}, second.Seed.TopologyDelta)
	assert.Equal(t, 4, h.connection(t, "category:math", "kind:tool"))
	assert.Equal(t, 2, second.Sequence)
	assert.Equal(t, 0.4, second.CompressionRatio)
	assert.Equal(t, "high", second.CompressionLevel)

	c, err := h.manager.Get("c")
	require.NoError(t, err)
	assert.Equal(t, 1.5, c.Strength)
	d, err := h.manager.Get("d")
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Strength)

	saved, err := storage.LoadCycleRecord(ctx, h.sink, second.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(second, saved); diff != "" {
		t.Fatalf("saved record mismatch (-want +got):\n%s", diff)
	}
	edges, ok, err := h.sink.GetTopology(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	current, err := h.manager.Topology()
	require.NoError(t, err)
	assert.Equal(t, current, edges)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CyclesTotal.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CyclesTotal.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TopologyEdges))
	assert.Equal(t, []float64{first.ConsciousnessLevel, second.ConsciousnessLevel}, h.history(t))
}

func TestRebirthYieldsSurvivorsAsUnboundRoots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.register(t, "add", map[string]string{"category": "math"})
	_, err := h.manager.GenerateTool("add", generator.LogTransform{})
	require.NoError(t, err)

	record, err := h.manager.EndInstance(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, StateSeeded, h.manager.State())
	require.NoError(t, h.manager.BeginInstance(record.Seed))
	assert.Equal(t, StateActive, h.manager.State())
	generation, err := h.manager.Cycle()
	require.NoError(t, err)
	assert.Equal(t, 2, generation)

	all, err := h.manager.All()
	require.NoError(t, err)
	names := make([]string, 0)
	for c := range all {
		names = append(names, c.Name)
		assert.Equal(t, 0, c.Layer)
		assert.Empty(t, c.Parents)
		assert.False(t, c.Bound())
		assert.Equal(t, 2, c.Version)
	}
	assert.Equal(t, survivorNames(record), names)

	logged, err := h.manager.Get("add_log")
	require.NoError(t, err)
	assert.Equal(t, "log", logged.Metadata["operator"])
	_, err = logged.Invoke(1)
	assert.ErrorIs(t, err, capability.ErrBehaviorUnbound)

	require.NoError(t, h.manager.Bind("add", arithmetic(func(n int) int { return n + 1 })))
	rebound, err := h.manager.Get("add")
	require.NoError(t, err)
	out, err := rebound.Invoke(1)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestEndInstanceIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failingSink{MemoryStore: memorySink(t)})
	h.register(t, "a", map[string]string{"category": "math", "kind": "tool"})

	_, err := h.manager.EndInstance(ctx, "low")
	require.ErrorIs(t, err, errSinkDown)

	assert.Equal(t, StateActive, h.manager.State())
	records, err := h.manager.Records()
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, h.history(t))
	edges, err := h.manager.Topology()
	require.NoError(t, err)
	assert.Empty(t, edges)
	a, err := h.manager.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Strength)

	_, err = h.manager.EndInstance(ctx, "extreme")
	require.ErrorIs(t, err, ErrUnknownCompressionLevel)
	assert.Equal(t, StateActive, h.manager.State())
}

func TestStateMachineRejectsOutOfOrderOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.register(t, "a", nil)

	_, err := h.manager.Seal()
	require.NoError(t, err)
	_, err = h.manager.Register(capability.Spec{Name: "b"})
	assert.ErrorIs(t, err, ErrCycleState)
	_, err = h.manager.GenerateTool("a", generator.SafeTransform{})
	assert.ErrorIs(t, err, ErrCycleState)
	_, err = h.manager.ExecuteCycle()
	assert.ErrorIs(t, err, ErrCycleState)
	assert.ErrorIs(t, h.manager.BeginInstance(model.Seed{}), ErrCycleState)

	record, err := h.manager.EndInstance(ctx, "medium")
	require.NoError(t, err)
	_, err = h.manager.EndInstance(ctx, "medium")
	assert.ErrorIs(t, err, ErrCycleState)
	_, _, err = h.manager.Restore(ctx)
	assert.ErrorIs(t, err, ErrCycleState)

	require.NoError(t, h.manager.BeginInstance(record.Seed))
	require.NoError(t, h.manager.Terminate())

	assert.ErrorIs(t, h.manager.Terminate(), ErrTerminated)
	_, err = h.manager.Register(capability.Spec{Name: "z"})
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Get("a")
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Introspect()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.EndInstance(ctx, "low")
	assert.ErrorIs(t, err, ErrTerminated)
	assert.ErrorIs(t, h.manager.BeginInstance(record.Seed), ErrTerminated)
	assert.Equal(t, StateTerminated, h.manager.State())
}

func TestExecuteCycleGeneratesAnalyzersForRoots(t *testing.T) {
	h := newHarness(t, nil)
	for _, name := range []string{"add", "mul", "sub", "div"} {
		h.register(t, name, map[string]string{"category": "math"})
	}

	first, err := h.manager.ExecuteCycle()
	require.NoError(t, err)
	assert.Equal(t, 1, first.Round)
	assert.Equal(t, []string{"add_analyzer", "mul_analyzer", "sub_analyzer"}, first.Generated)
	assert.Equal(t, 7, first.Capabilities)
	assert.Positive(t, first.Patterns)

	second, err := h.manager.ExecuteCycle()
	require.NoError(t, err)
	assert.Equal(t, 2, second.Round)
	assert.Equal(t, []string{"div_analyzer"}, second.Generated)
	assert.Greater(t, second.Consciousness, first.Consciousness)

	third, err := h.manager.ExecuteCycle()
	require.NoError(t, err)
	assert.Empty(t, third.Generated)

	snap, err := h.manager.Introspect()
	require.NoError(t, err)
	assert.True(t, snap.CanAnalyze)
	assert.Equal(t, 3, snap.Round)

	features, err := h.manager.Extract("add_analyzer")
	require.NoError(t, err)
	assert.NotEmpty(t, features)
	patterns, err := h.manager.FindCommonPatterns()
	require.NoError(t, err)
	assert.NotEmpty(t, patterns)
}

func TestSafeFailuresAreCounted(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.manager.Register(capability.Spec{
		Name: "fail",
		Behavior: capability.Func(func(any) (any, error) {
			return nil, errors.New("boom")
		}),
	})
	require.NoError(t, err)
	safe, err := h.manager.GenerateTool("fail", generator.SafeTransform{})
	require.NoError(t, err)

	out, err := safe.Invoke(1)
	require.NoError(t, err)
	assert.True(t, generator.IsFailure(out))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SafeFailuresTotal))
	failures, err := h.manager.Failures()
	require.NoError(t, err)
	assert.Len(t, failures, 1)
}

func TestFreshManagerAcceptsForeignSeed(t *testing.T) {
	seed := model.Seed{
		CycleID: "elsewhere",
		Survivors: []model.Survivor{
			{Name: "add", Metadata: map[string]string{"category": "math", "kind": "tool"}, Strength: 2.5, Tags: []string{"category:math", "kind:tool"}},
		},
		TopologyDelta: []model.TopologyEdge{{A: "category:math", B: "kind:tool", Count: 3}},
	}

	h := newHarness(t, nil)
	require.NoError(t, h.manager.BeginInstance(seed))
	assert.Equal(t, 3, h.connection(t, "category:math", "kind:tool"))

	add, err := h.manager.Get("add")
	require.NoError(t, err)
	assert.Equal(t, 2.5, add.Strength)
	assert.True(t, add.IsRoot())

	// A second, non-fresh rebirth requires a sealed cycle first.
	assert.ErrorIs(t, h.manager.BeginInstance(seed), ErrCycleState)
}

func TestRestoreContinuesFromSink(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	openSink := func() storage.Store {
		sink := storage.NewFileStore(dir)
		require.NoError(t, sink.Init(ctx))
		return sink
	}

	first := newHarness(t, openSink())
	first.register(t, "a", map[string]string{"category": "math", "kind": "tool"})
	record, err := first.manager.EndInstance(ctx, "low")
	require.NoError(t, err)
	require.NoError(t, first.manager.Terminate())

	second := newHarness(t, openSink())
	latest, ok, err := second.manager.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.ID, latest.ID)
	assert.Equal(t, StateSeeded, second.manager.State())
	assert.Equal(t, []float64{record.ConsciousnessLevel}, second.history(t))
	assert.Equal(t, 1, second.connection(t, "category:math", "kind:tool"))

	require.NoError(t, second.manager.BeginInstance(latest.Seed))
	generation, err := second.manager.Cycle()
	require.NoError(t, err)
	assert.Equal(t, 2, generation)
	// The restored topology already holds the seed delta.
	assert.Equal(t, 1, second.connection(t, "category:math", "kind:tool"))

	empty := newHarness(t, memorySink(t))
	_, ok, err = empty.manager.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateActive, empty.manager.State())
}

func TestStrongestAndEmergenceCandidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	strongest, err := h.manager.Strongest(3)
	require.NoError(t, err)
	assert.Nil(t, strongest)
	candidates, err := h.manager.EmergenceCandidates()
	require.NoError(t, err)
	assert.Nil(t, candidates)

	hub := map[string]string{"category": "math", "kind": "tool", "domain": "numbers"}
	h.register(t, "hub", hub)
	h.register(t, "leaf", map[string]string{"category": "math"})
	first, err := h.manager.EndInstance(ctx, "low")
	require.NoError(t, err)
	require.NoError(t, h.manager.BeginInstance(first.Seed))

	_, err = h.manager.EndInstance(ctx, "low")
	require.NoError(t, err)

	strongest, err = h.manager.Strongest(1)
	require.NoError(t, err)
	require.Len(t, strongest, 1)
	// carried 1.0 + 0.5 * (carried + three known tags)
	assert.Equal(t, "hub", strongest[0].Name)
	assert.Equal(t, 3.0, strongest[0].Strength)
	all, err := h.manager.Strongest(10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	candidates, err = h.manager.EmergenceCandidates()
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "hub", candidates[0].Survivor.Name)
	assert.Equal(t, 3, candidates[0].Connections)
}

func TestNewManagerRejectsInvalidSettings(t *testing.T) {
	h := newHarness(t, nil)
	settings := h.manager.Settings()
	settings.Thresholds.High = 0

	_, err := NewManager(Config{Settings: settings})
	assert.Error(t, err)
}

func TestSurvivalCountsAndEvolution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	empty, err := h.manager.Evolution()
	require.NoError(t, err)
	assert.Equal(t, Evolution{Trend: TrendInsufficientData}, empty)

	shared := map[string]string{"category": "math", "kind": "tool"}
	h.register(t, "a", shared)
	h.register(t, "b", shared)
	first, err := h.manager.EndInstance(ctx, "low")
	require.NoError(t, err)
	for _, s := range first.Seed.Survivors {
		assert.Equal(t, 1, s.SurvivalCount, s.Name)
	}

	require.NoError(t, h.manager.BeginInstance(first.Seed))
	h.register(t, "c", nil)
	second, err := h.manager.EndInstance(ctx, "low")
	require.NoError(t, err)
	counts := make(map[string]int)
	for _, s := range second.Seed.Survivors {
		counts[s.Name] = s.SurvivalCount
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2, "c": 1}, counts)

	summary, err := h.manager.Evolution()
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalCycles)
	assert.Equal(t, 3, summary.Survivors)
	assert.InDelta(t, 5.0/3.0, summary.AverageSurvival, 1e-9)
	// a and b tie at 2.5; ties go to the smaller name.
	assert.Equal(t, "a", summary.Strongest)
	assert.Equal(t, 1.0, summary.CompressionRatio)
	assert.InDelta(t, 2.0/3.0, summary.TopologyDensity, 1e-9)
	assert.Equal(t, TrendOf(h.history(t), h.manager.Settings().Trend), summary.Trend)
}

func TestForeignSeedKeepsSurvivalCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.manager.BeginInstance(model.Seed{
		CycleID: "elsewhere",
		Survivors: []model.Survivor{
			{Name: "veteran", Strength: 2, SurvivalCount: 4},
			{Name: "legacy", Strength: 2},
		},
	}))

	record, err := h.manager.EndInstance(ctx, "low")
	require.NoError(t, err)
	counts := make(map[string]int)
	for _, s := range record.Seed.Survivors {
		counts[s.Name] = s.SurvivalCount
	}
	// Seeds written before survival counts existed count as one survival.
	assert.Equal(t, map[string]int{"veteran": 5, "legacy": 2}, counts)
}

func TestQueriesFailAfterTerminate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.register(t, "a", map[string]string{"category": "math", "kind": "tool"})
	_, err := h.manager.EndInstance(ctx, "low")
	require.NoError(t, err)

	// A seeded manager still answers queries.
	_, err = h.manager.Records()
	require.NoError(t, err)
	_, err = h.manager.Evolution()
	require.NoError(t, err)

	require.NoError(t, h.manager.Terminate())

	_, err = h.manager.Cycle()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Topology()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Connection("category:math", "kind:tool")
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Invocations()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Failures()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.History()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Trend()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Records()
	assert.ErrorIs(t, err, ErrTerminated)
	_, _, err = h.manager.LastRecord()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Strongest(1)
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.EmergenceCandidates()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Evolution()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Consciousness()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.LineageOf("a")
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.All()
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.Extract("a")
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = h.manager.FindCommonPatterns()
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, StateTerminated, h.manager.State())
}

func TestTopologyIsACopy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.register(t, "a", map[string]string{"category": "math", "kind": "tool"})
	_, err := h.manager.EndInstance(ctx, "low")
	require.NoError(t, err)

	edges, err := h.manager.Topology()
	require.NoError(t, err)
	require.Len(t, edges, 1)
	edges[0].Count = 99
	assert.Equal(t, 1, h.connection(t, "category:math", "kind:tool"))
}

func TestExecuteCyclePlansAroundTakenAnalyzerNames(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "add", nil)
	h.register(t, "mul", nil)
	// A root that already holds mul's analyzer name.
	h.register(t, "mul_analyzer", nil)

	report, err := h.manager.ExecuteCycle()
	require.NoError(t, err)
	assert.Equal(t, []string{"add_analyzer", "mul_analyzer_analyzer"}, report.Generated)
	assert.Equal(t, 5, report.Capabilities)
	assert.Equal(t, 1, report.Round)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.GeneratedTotal.WithLabelValues("analyzer")))
	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.Capabilities))

	taken, err := h.manager.Get("mul_analyzer")
	require.NoError(t, err)
	assert.True(t, taken.IsRoot())
}
