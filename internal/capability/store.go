package capability

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDuplicateName = errors.New("capability already registered")
	ErrNotFound      = errors.New("capability not found")
	ErrUnknownParent = errors.New("unknown parent capability")
)

const DefaultInitialStrength = 1.0

// Spec describes a capability to register.
type Spec struct {
	Name        string
	Behavior    Behavior
	Description string
	Metadata    map[string]string
	Parents     []string
	// Strength overrides the store's initial strength when positive.
	Strength float64
}

// Store holds the capabilities of a single cycle together with their lineage
// edges. Register and the strength/bind mutations are exclusive; reads share
// the lock.
type Store struct {
	mu sync.RWMutex

	generation      int
	initialStrength float64
	describe        DescribeFunc
	now             func() time.Time
	logger          *zap.Logger

	byName   map[string]*Capability
	order    []string
	children map[string][]string
}

type Option func(*Store)

// WithGeneration stamps every registered capability with the given version.
func WithGeneration(generation int) Option {
	return func(s *Store) {
		s.generation = generation
	}
}

func WithInitialStrength(strength float64) Option {
	return func(s *Store) {
		s.initialStrength = strength
	}
}

func WithDescriber(fn DescribeFunc) Option {
	return func(s *Store) {
		if fn != nil {
			s.describe = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		initialStrength: DefaultInitialStrength,
		describe:        DefaultDescribe,
		now:             time.Now,
		logger:          zap.NewNop(),
		byName:          make(map[string]*Capability),
		children:        make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Generation() int {
	return s.generation
}

// Register creates a capability whose layer is derived from its parents.
func (s *Store) Register(spec Spec) (Capability, error) {
	if spec.Name == "" {
		return Capability{}, errors.New("capability name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[spec.Name]; exists {
		return Capability{}, fmt.Errorf("%w: %s", ErrDuplicateName, spec.Name)
	}

	parents := make([]string, 0, len(spec.Parents))
	seen := make(map[string]struct{}, len(spec.Parents))
	layer := 0
	for _, parentName := range spec.Parents {
		parent, ok := s.byName[parentName]
		if !ok {
			return Capability{}, fmt.Errorf("%w: %s (parent of %s)", ErrUnknownParent, parentName, spec.Name)
		}
		if _, dup := seen[parentName]; dup {
			continue
		}
		seen[parentName] = struct{}{}
		parents = append(parents, parentName)
		if parent.Layer+1 > layer {
			layer = parent.Layer + 1
		}
	}

	description := spec.Description
	if description == "" && spec.Behavior != nil {
		description = s.describe(spec.Name, spec.Behavior)
	}
	strength := spec.Strength
	if strength <= 0 {
		strength = s.initialStrength
	}

	c := &Capability{
		Name:        spec.Name,
		Version:     s.generation,
		Behavior:    spec.Behavior,
		Description: description,
		Metadata:    cloneMetadata(spec.Metadata),
		Parents:     parents,
		Layer:       layer,
		Strength:    strength,
		CreatedAt:   s.now(),
	}
	s.byName[c.Name] = c
	s.order = append(s.order, c.Name)
	for _, parentName := range parents {
		s.children[parentName] = append(s.children[parentName], c.Name)
	}

	s.logger.Debug("capability registered",
		zap.String("name", c.Name),
		zap.Int("layer", c.Layer),
		zap.Strings("parents", c.Parents),
	)
	return c.clone(), nil
}

func (s *Store) Get(name string) (Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byName[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c.clone(), nil
}

func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byName[name]
	return ok
}

// LineageOf returns every ancestor of name ordered so that each capability
// appears after all of its parents, ending with name itself. For a single
// parent chain this is the root-to-name path.
func (s *Store) LineageOf(name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byName[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	lineage := make([]string, 0, 4)
	visited := make(map[string]struct{})
	var walk func(current string)
	walk = func(current string) {
		if _, ok := visited[current]; ok {
			return
		}
		visited[current] = struct{}{}
		for _, parent := range s.byName[current].Parents {
			walk(parent)
		}
		lineage = append(lineage, current)
	}
	walk(name)
	return lineage, nil
}

// Ancestors returns the set of names reachable through parent edges,
// excluding name itself.
func (s *Store) Ancestors(name string) ([]string, error) {
	lineage, err := s.LineageOf(name)
	if err != nil {
		return nil, err
	}
	return lineage[:len(lineage)-1], nil
}

// All yields the current capabilities in insertion order. The sequence is
// evaluated lazily and can be ranged over any number of times.
func (s *Store) All() iter.Seq[Capability] {
	return func(yield func(Capability) bool) {
		for i := 0; ; i++ {
			s.mu.RLock()
			if i >= len(s.order) {
				s.mu.RUnlock()
				return
			}
			c := s.byName[s.order[i]].clone()
			s.mu.RUnlock()

			if !yield(c) {
				return
			}
		}
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Children returns the capabilities derived directly from name, in
// registration order.
func (s *Store) Children(name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byName[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return append([]string(nil), s.children[name]...), nil
}

func (s *Store) ListByLayer(layer int) []Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Capability, 0)
	for _, name := range s.order {
		c := s.byName[name]
		if c.Layer == layer {
			out = append(out, c.clone())
		}
	}
	return out
}

// LayerHistogram counts capabilities per layer.
func (s *Store) LayerHistogram() map[int]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := make(map[int]int)
	for _, c := range s.byName {
		hist[c.Layer]++
	}
	return hist
}

func (s *Store) MaxLayer() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxLayer := 0
	for _, c := range s.byName {
		if c.Layer > maxLayer {
			maxLayer = c.Layer
		}
	}
	return maxLayer
}

// Bind attaches a behavior to a capability that was reconstructed without
// one.
func (s *Store) Bind(name string, behavior Behavior) error {
	if behavior == nil {
		return errors.New("behavior is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if c.Behavior != nil {
		return fmt.Errorf("capability %s is already bound", name)
	}
	c.Behavior = behavior
	if c.Description == "" {
		c.Description = s.describe(name, behavior)
	}
	return nil
}

// SetStrengths applies a selection pass. Either every name is updated or,
// when one is unknown, none is.
func (s *Store) SetStrengths(strengths map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range strengths {
		if _, ok := s.byName[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
	}
	for name, strength := range strengths {
		s.byName[name].Strength = strength
	}
	return nil
}
