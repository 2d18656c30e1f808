// Package mycelial is the programmatic surface of the capability registry:
// register capabilities, derive new ones, close cycles into seeds and grow
// the next cycle from them.
package mycelial

import (
	"context"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mycelial/internal/capability"
	"mycelial/internal/config"
	"mycelial/internal/cycle"
	"mycelial/internal/generator"
	"mycelial/internal/logging"
	"mycelial/internal/metrics"
	"mycelial/internal/model"
	"mycelial/internal/pattern"
	"mycelial/internal/storage"
)

type (
	Behavior     = capability.Behavior
	Func         = capability.Func
	Capability   = capability.Capability
	Feature      = pattern.Feature
	Pattern      = pattern.Pattern
	Seed         = model.Seed
	Survivor     = model.Survivor
	CycleRecord  = model.CycleRecord
	Snapshot     = cycle.Snapshot
	RoundReport  = cycle.RoundReport
	Candidate    = cycle.Candidate
	Evolution    = cycle.Evolution
	TopologyEdge = model.TopologyEdge
	Invocation   = generator.Invocation
	Failure      = generator.Failure
	Config       = config.Config
)

var (
	ErrDuplicateName           = capability.ErrDuplicateName
	ErrNotFound                = capability.ErrNotFound
	ErrUnknownParent           = capability.ErrUnknownParent
	ErrBehaviorUnbound         = capability.ErrBehaviorUnbound
	ErrUnknownOperator         = generator.ErrUnknownOperator
	ErrUnknownMode             = generator.ErrUnknownMode
	ErrTerminated              = cycle.ErrTerminated
	ErrCycleState              = cycle.ErrCycleState
	ErrUnknownCompressionLevel = cycle.ErrUnknownCompressionLevel
	ErrRecordNotFound          = storage.ErrRecordNotFound
	ErrInvalidRecordID         = storage.ErrInvalidRecordID
)

type Options struct {
	// ConfigPath names a YAML file overlaid on the defaults. Empty means
	// defaults plus MYCELIAL_* environment overrides.
	ConfigPath string
	StoreKind  string
	StorePath  string
	Logger     *zap.Logger
	// Registerer receives the metric collectors. Nil keeps them on a
	// private registry.
	Registerer prometheus.Registerer
}

type RegisterRequest struct {
	Name        string
	Behavior    Behavior
	Description string
	Metadata    map[string]string
	Parents     []string
}

type Client struct {
	settings config.Config
	sink     storage.Store
	manager  *cycle.Manager
	logger   *zap.Logger
}

func New(opts Options) (*Client, error) {
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.StoreKind != "" {
		settings.Storage.Kind = opts.StoreKind
	}
	if opts.StorePath != "" {
		settings.Storage.Path = opts.StorePath
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(settings.Log)
		if err != nil {
			return nil, err
		}
	}

	sink, err := storage.NewStore(settings.Storage.Kind, settings.Storage.Path)
	if err != nil {
		return nil, err
	}

	recorder := metrics.Nop()
	if opts.Registerer != nil {
		recorder = metrics.New(opts.Registerer)
	}

	manager, err := cycle.NewManager(cycle.Config{
		Settings: settings,
		Sink:     sink,
		Metrics:  recorder,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		settings: settings,
		sink:     sink,
		manager:  manager,
		logger:   logger,
	}, nil
}

// Init prepares the record sink. It must be called before the first
// EndInstance, Restore or LoadSeed.
func (c *Client) Init(ctx context.Context) error {
	return c.sink.Init(ctx)
}

func (c *Client) Close() error {
	_ = c.logger.Sync()
	return storage.CloseIfSupported(c.sink)
}

func (c *Client) Settings() Config {
	return c.settings
}

func (c *Client) Register(req RegisterRequest) (Capability, error) {
	return c.manager.Register(capability.Spec{
		Name:        req.Name,
		Behavior:    req.Behavior,
		Description: req.Description,
		Metadata:    req.Metadata,
		Parents:     req.Parents,
	})
}

func (c *Client) Bind(name string, behavior Behavior) error {
	return c.manager.Bind(name, behavior)
}

func (c *Client) Get(name string) (Capability, error) {
	return c.manager.Get(name)
}

func (c *Client) LineageOf(name string) ([]string, error) {
	return c.manager.LineageOf(name)
}

func (c *Client) All() (iter.Seq[Capability], error) {
	return c.manager.All()
}

// Invoke runs the named capability's behavior with input.
func (c *Client) Invoke(name string, input any) (any, error) {
	target, err := c.manager.Get(name)
	if err != nil {
		return nil, err
	}
	return target.Invoke(input)
}

func (c *Client) Extract(name string) ([]Feature, error) {
	return c.manager.Extract(name)
}

func (c *Client) FindCommonPatterns() ([]Pattern, error) {
	return c.manager.FindCommonPatterns()
}

// GenerateTool derives "{source}_{operator}" with operator one of analyzer,
// memoize, log or safe.
func (c *Client) GenerateTool(source, operator string) (Capability, error) {
	t, err := generator.TransformFromName(operator)
	if err != nil {
		return Capability{}, err
	}
	return c.manager.GenerateTool(source, t)
}

// GenerateMetaTool derives "{a}_{mode}_{b}" with mode one of sequence,
// parallel or conditional.
func (c *Client) GenerateMetaTool(a, b, mode string) (Capability, error) {
	m, err := generator.ModeFromName(mode)
	if err != nil {
		return Capability{}, err
	}
	return c.manager.GenerateMetaTool(a, b, m)
}

func (c *Client) ExecuteCycle() (RoundReport, error) {
	return c.manager.ExecuteCycle()
}

func (c *Client) Seal() (float64, error) {
	return c.manager.Seal()
}

func (c *Client) Introspect() (Snapshot, error) {
	return c.manager.Introspect()
}

func (c *Client) EndInstance(ctx context.Context, compressionLevel string) (CycleRecord, error) {
	return c.manager.EndInstance(ctx, compressionLevel)
}

func (c *Client) BeginInstance(seed Seed) error {
	return c.manager.BeginInstance(seed)
}

// LoadSeed reads the seed of a stored cycle record.
func (c *Client) LoadSeed(ctx context.Context, id string) (Seed, error) {
	record, err := storage.LoadCycleRecord(ctx, c.sink, id)
	if err != nil {
		return Seed{}, err
	}
	return record.Seed, nil
}

func (c *Client) Restore(ctx context.Context) (CycleRecord, bool, error) {
	return c.manager.Restore(ctx)
}

func (c *Client) Records() ([]CycleRecord, error) {
	return c.manager.Records()
}

func (c *Client) History() ([]float64, error) {
	return c.manager.History()
}

func (c *Client) Trend() (string, error) {
	trend, err := c.manager.Trend()
	return string(trend), err
}

func (c *Client) Strongest(n int) ([]Survivor, error) {
	return c.manager.Strongest(n)
}

func (c *Client) EmergenceCandidates() ([]Candidate, error) {
	return c.manager.EmergenceCandidates()
}

// Evolution summarizes the cycles ended so far.
func (c *Client) Evolution() (Evolution, error) {
	return c.manager.Evolution()
}

func (c *Client) Topology() ([]TopologyEdge, error) {
	return c.manager.Topology()
}

func (c *Client) Invocations() ([]Invocation, error) {
	return c.manager.Invocations()
}

func (c *Client) Failures() ([]Failure, error) {
	return c.manager.Failures()
}

func (c *Client) Terminate() error {
	return c.manager.Terminate()
}
