package generator

import (
	"errors"
	"fmt"

	"mycelial/internal/capability"
)

var ErrUnknownMode = errors.New("unknown composition mode")

// Mode is one binary composition. Like Transform, the set is closed.
type Mode interface {
	Name() string
	compose(g *Generator, name, a, b string) capability.Behavior
}

// SequenceMode feeds a's result into b.
type SequenceMode struct{}

func (SequenceMode) Name() string {
	return "sequence"
}

func (SequenceMode) compose(g *Generator, _ string, a, b string) capability.Behavior {
	return capability.Func(func(input any) (any, error) {
		intermediate, err := g.invoke(a, input)
		if err != nil {
			return nil, err
		}
		return g.invoke(b, intermediate)
	})
}

// ParallelMode runs a and b on the same input and returns both results.
type ParallelMode struct{}

func (ParallelMode) Name() string {
	return "parallel"
}

func (ParallelMode) compose(g *Generator, _ string, a, b string) capability.Behavior {
	return capability.Func(func(input any) (any, error) {
		first, errA := g.invoke(a, input)
		second, errB := g.invoke(b, input)
		if err := errors.Join(errA, errB); err != nil {
			return nil, err
		}
		return Pair{First: first, Second: second}, nil
	})
}

// ConditionalMode treats a's result as a predicate and only then runs b on
// the original input.
type ConditionalMode struct{}

func (ConditionalMode) Name() string {
	return "conditional"
}

func (ConditionalMode) compose(g *Generator, _ string, a, b string) capability.Behavior {
	return capability.Func(func(input any) (any, error) {
		predicate, err := g.invoke(a, input)
		if err != nil {
			return nil, err
		}
		if !Truthy(predicate) {
			return SkippedResult{Predicate: predicate}, nil
		}
		return g.invoke(b, input)
	})
}

func Modes() []Mode {
	return []Mode{SequenceMode{}, ParallelMode{}, ConditionalMode{}}
}

func ModeFromName(name string) (Mode, error) {
	for _, m := range Modes() {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMode, name)
}
