package generator

import (
	"errors"
	"fmt"
	"sync"

	"mycelial/internal/capability"
)

var ErrUnknownOperator = errors.New("unknown operator")

// Transform is one unary operator. The set is closed: each variant owns its
// wrapping logic.
type Transform interface {
	Name() string
	wrap(g *Generator, name, source string) capability.Behavior
}

// AnalyzerTransform returns the source's feature tags instead of running it.
type AnalyzerTransform struct{}

func (AnalyzerTransform) Name() string {
	return "analyzer"
}

func (AnalyzerTransform) wrap(g *Generator, _ string, source string) capability.Behavior {
	return capability.Func(func(any) (any, error) {
		src, err := g.store.Get(source)
		if err != nil {
			return nil, err
		}
		return g.analyzer.ExtractTags(src), nil
	})
}

// MemoizeTransform caches the source's successful results by input for the
// lifetime of the generated capability.
type MemoizeTransform struct{}

func (MemoizeTransform) Name() string {
	return "memoize"
}

func (MemoizeTransform) wrap(g *Generator, _ string, source string) capability.Behavior {
	var mu sync.Mutex
	cache := make(map[string]any)
	return capability.Func(func(input any) (any, error) {
		key := memoKey(input)
		mu.Lock()
		cached, ok := cache[key]
		mu.Unlock()
		if ok {
			return cached, nil
		}

		out, err := g.invoke(source, input)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		cache[key] = out
		mu.Unlock()
		return out, nil
	})
}

// LogTransform records every invocation in the generator's audit journal and
// passes the source's result through unchanged.
type LogTransform struct{}

func (LogTransform) Name() string {
	return "log"
}

func (LogTransform) wrap(g *Generator, name, source string) capability.Behavior {
	return capability.Func(func(input any) (any, error) {
		out, err := g.invoke(source, input)
		entry := Invocation{Capability: name, Input: input, Output: out, At: g.now()}
		if err != nil {
			entry.Err = err.Error()
		}
		g.recordInvocation(entry)
		return out, err
	})
}

// SafeTransform runs the source inside a failure boundary. Errors and panics
// become a Failure value which is recorded and logged.
type SafeTransform struct{}

func (SafeTransform) Name() string {
	return "safe"
}

func (SafeTransform) wrap(g *Generator, name, source string) capability.Behavior {
	return capability.Func(func(input any) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				f := Failure{Capability: name, Message: fmt.Sprintf("panic: %v", r), At: g.now()}
				g.recordFailure(f)
				result, err = f, nil
			}
		}()

		out, invokeErr := g.invoke(source, input)
		if invokeErr != nil {
			f := Failure{Capability: name, Message: invokeErr.Error(), At: g.now()}
			g.recordFailure(f)
			return f, nil
		}
		return out, nil
	})
}

func Transforms() []Transform {
	return []Transform{AnalyzerTransform{}, MemoizeTransform{}, LogTransform{}, SafeTransform{}}
}

func TransformFromName(name string) (Transform, error) {
	for _, t := range Transforms() {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, name)
}
