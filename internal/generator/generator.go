// Package generator derives new capabilities from registered ones through a
// closed set of unary transforms and binary composition modes.
package generator

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mycelial/internal/capability"
	"mycelial/internal/pattern"
)

const (
	KindTool     = "tool"
	KindMetaTool = "meta_tool"
)

// inheritedKeys are copied from a source's metadata onto its derivatives.
var inheritedKeys = []string{"category", "domain"}

type Generator struct {
	store    *capability.Store
	analyzer *pattern.Analyzer
	logger   *zap.Logger
	now      func() time.Time

	onFailure func(Failure)

	mu          sync.Mutex
	invocations []Invocation
	failures    []Failure
}

type Option func(*Generator)

func WithLogger(logger *zap.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithFailureHook is called for every failure a safe wrapper converts.
func WithFailureHook(fn func(Failure)) Option {
	return func(g *Generator) {
		g.onFailure = fn
	}
}

func New(store *capability.Store, analyzer *pattern.Analyzer, opts ...Option) *Generator {
	g := &Generator{
		store:    store,
		analyzer: analyzer,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.analyzer == nil {
		g.analyzer = pattern.NewAnalyzer(store)
	}
	return g
}

func ToolName(source string, t Transform) string {
	return source + "_" + t.Name()
}

func MetaToolName(a, b string, mode Mode) string {
	return a + "_" + mode.Name() + "_" + b
}

// GenerateTool registers "{source}_{transform}" wrapping the source.
func (g *Generator) GenerateTool(source string, t Transform) (capability.Capability, error) {
	if t == nil {
		return capability.Capability{}, fmt.Errorf("%w: <nil>", ErrUnknownOperator)
	}
	src, err := g.store.Get(source)
	if err != nil {
		return capability.Capability{}, err
	}

	name := ToolName(source, t)
	metadata := inherit(src.Metadata)
	metadata["kind"] = KindTool
	metadata["operator"] = t.Name()
	metadata["source"] = source

	created, err := g.store.Register(capability.Spec{
		Name:        name,
		Behavior:    t.wrap(g, name, source),
		Description: fmt.Sprintf("%s(%s)", t.Name(), source),
		Metadata:    metadata,
		Parents:     []string{source},
	})
	if err != nil {
		return capability.Capability{}, err
	}

	g.logger.Info("tool generated",
		zap.String("name", created.Name),
		zap.String("operator", t.Name()),
		zap.Int("layer", created.Layer),
	)
	return created, nil
}

// GenerateToolNamed parses op and delegates to GenerateTool.
func (g *Generator) GenerateToolNamed(source, op string) (capability.Capability, error) {
	t, err := TransformFromName(op)
	if err != nil {
		return capability.Capability{}, err
	}
	return g.GenerateTool(source, t)
}

// GenerateMetaTool registers "{a}_{mode}_{b}" composing both sources.
func (g *Generator) GenerateMetaTool(a, b string, mode Mode) (capability.Capability, error) {
	if mode == nil {
		return capability.Capability{}, fmt.Errorf("%w: <nil>", ErrUnknownMode)
	}
	left, err := g.store.Get(a)
	if err != nil {
		return capability.Capability{}, err
	}
	if _, err := g.store.Get(b); err != nil {
		return capability.Capability{}, err
	}

	name := MetaToolName(a, b, mode)
	metadata := inherit(left.Metadata)
	metadata["kind"] = KindMetaTool
	metadata["operator"] = mode.Name()
	metadata["left"] = a
	metadata["right"] = b

	created, err := g.store.Register(capability.Spec{
		Name:        name,
		Behavior:    mode.compose(g, name, a, b),
		Description: fmt.Sprintf("Composed from %s %s %s", a, mode.Name(), b),
		Metadata:    metadata,
		Parents:     []string{a, b},
	})
	if err != nil {
		return capability.Capability{}, err
	}

	g.logger.Info("meta tool generated",
		zap.String("name", created.Name),
		zap.String("mode", mode.Name()),
		zap.Int("layer", created.Layer),
	)
	return created, nil
}

func (g *Generator) GenerateMetaToolNamed(a, b, mode string) (capability.Capability, error) {
	m, err := ModeFromName(mode)
	if err != nil {
		return capability.Capability{}, err
	}
	return g.GenerateMetaTool(a, b, m)
}

// Invocations returns a copy of the audit journal written by log wrappers.
func (g *Generator) Invocations() []Invocation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Invocation(nil), g.invocations...)
}

// Failures returns a copy of the failures converted by safe wrappers.
func (g *Generator) Failures() []Failure {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Failure(nil), g.failures...)
}

// invoke resolves name at call time so a rebound behavior is picked up.
func (g *Generator) invoke(name string, input any) (any, error) {
	c, err := g.store.Get(name)
	if err != nil {
		return nil, err
	}
	return c.Invoke(input)
}

func (g *Generator) recordInvocation(entry Invocation) {
	g.mu.Lock()
	g.invocations = append(g.invocations, entry)
	g.mu.Unlock()
}

func (g *Generator) recordFailure(f Failure) {
	g.mu.Lock()
	g.failures = append(g.failures, f)
	g.mu.Unlock()

	g.logger.Warn("failure converted to sentinel",
		zap.String("capability", f.Capability),
		zap.String("error", f.Message),
	)
	if g.onFailure != nil {
		g.onFailure(f)
	}
}

func inherit(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(inheritedKeys)+4)
	for _, key := range inheritedKeys {
		if v, ok := metadata[key]; ok {
			out[key] = v
		}
	}
	return out
}
