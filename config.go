package albatross

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/edgedlt/albatross/timer"
)

// Config defaults.
const (
	DefaultSlotDuration     = time.Second
	DefaultMaxBodySize      = 1 << 20
	DefaultMaxClockDrift    = 500 * time.Millisecond
	DefaultWorkers          = 4
	DefaultMaxStateFailures = 8
)

// Config holds the configuration of a consensus Engine.
type Config struct {
	// Policy fixes the epoch length.
	Policy Policy

	// SlotDuration is the length of a micro block slot.
	SlotDuration time.Duration

	// MaxBodySize bounds the transaction bytes of a micro block.
	MaxBodySize int

	// MaxClockDrift is how far ahead of the local clock a block timestamp may be.
	MaxClockDrift time.Duration

	// Genesis is the height-0 macro block. Required.
	Genesis *MacroBlock

	// Keystore signs for the local validator. Nil runs a non-voting observer.
	Keystore Keystore

	// Mempool supplies transactions. Required.
	Mempool Mempool

	// StateStore applies transactions. Required.
	StateStore StateStore

	// Transport gossips messages. Required.
	Transport Transport

	// Elector decides the next validator set.
	// If nil, the genesis validator set is carried forward.
	Elector Elector

	// Timers schedules finality timeouts. If nil, a timer.Service is used.
	Timers timer.Scheduler

	// Pacemaker configures finality timing.
	Pacemaker PacemakerConfig

	// Workers is the size of the verification worker pool.
	Workers int

	// MaxStateFailures is how many consecutive state store failures are
	// tolerated before the engine stops.
	MaxStateFailures int

	// KeepEpochs is how many epochs the registry retains.
	KeepEpochs int

	// OrphanCacheSize bounds the orphan pool.
	OrphanCacheSize int

	// Registerer receives the engine's metrics. If nil, a private registry
	// is used.
	Registerer prometheus.Registerer

	// Clock provides wall-clock time.
	Clock Clock

	// Logger for structured logging.
	Logger *zap.Logger

	// Hooks receive consensus events.
	Hooks Hooks
}

// ConfigOption is a functional option for configuring an Engine.
type ConfigOption func(*Config) error

// NewConfig creates a new Config with the given options.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		Policy:           DefaultPolicy(),
		SlotDuration:     DefaultSlotDuration,
		MaxBodySize:      DefaultMaxBodySize,
		MaxClockDrift:    DefaultMaxClockDrift,
		Pacemaker:        DefaultPacemakerConfig(),
		Workers:          DefaultWorkers,
		MaxStateFailures: DefaultMaxStateFailures,
		KeepEpochs:       DefaultKeepEpochs,
		OrphanCacheSize:  DefaultOrphanCacheSize,
		Clock:            SystemClock{},
		Logger:           zap.NewNop(), // Default: no-op logger
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Elector == nil {
		cfg.Elector = StaticElector{Validators: cfg.Genesis.Header.NextValidators}
	}
	if cfg.Timers == nil {
		cfg.Timers = timer.NewService(64)
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	return cfg, nil
}

// validate checks that all required configuration fields are set.
func (c *Config) validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.SlotDuration < time.Millisecond {
		return wrapConfigf("slot duration %s below 1ms", c.SlotDuration)
	}
	if c.MaxBodySize <= 0 || c.MaxBodySize > MaxMessageSize/2 {
		return wrapConfigf("max body size %d out of range", c.MaxBodySize)
	}
	if c.MaxClockDrift < 0 {
		return wrapConfig("max clock drift must be non-negative")
	}

	if c.Genesis == nil {
		return wrapConfig("genesis is required")
	}
	if c.Genesis.Header.Height != 0 {
		return wrapConfigf("genesis at height %d", c.Genesis.Header.Height)
	}
	if _, err := NewValidatorSet(c.Genesis.Header.NextValidators); err != nil {
		return err
	}

	if c.Mempool == nil {
		return wrapConfig("mempool is required")
	}
	if c.StateStore == nil {
		return wrapConfig("state store is required")
	}
	if c.Transport == nil {
		return wrapConfig("transport is required")
	}

	if err := c.Pacemaker.Validate(); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return wrapConfigf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxStateFailures <= 0 {
		return wrapConfigf("max state failures must be positive, got %d", c.MaxStateFailures)
	}
	if c.Clock == nil {
		return wrapConfig("clock is required")
	}
	return nil
}

// WithPolicy sets the chain layout.
func WithPolicy(p Policy) ConfigOption {
	return func(c *Config) error {
		if err := p.Validate(); err != nil {
			return err
		}
		c.Policy = p
		return nil
	}
}

// WithBlocksPerEpoch is a convenience for WithPolicy.
func WithBlocksPerEpoch(n uint32) ConfigOption {
	return WithPolicy(Policy{BlocksPerEpoch: n})
}

// WithSlotDuration sets the slot length.
func WithSlotDuration(d time.Duration) ConfigOption {
	return func(c *Config) error {
		c.SlotDuration = d
		return nil
	}
}

// WithMaxBodySize sets the micro block body limit.
func WithMaxBodySize(n int) ConfigOption {
	return func(c *Config) error {
		c.MaxBodySize = n
		return nil
	}
}

// WithMaxClockDrift sets the tolerated timestamp drift.
func WithMaxClockDrift(d time.Duration) ConfigOption {
	return func(c *Config) error {
		c.MaxClockDrift = d
		return nil
	}
}

// WithGenesis sets the genesis block.
func WithGenesis(g *MacroBlock) ConfigOption {
	return func(c *Config) error {
		if g == nil {
			return fmt.Errorf("genesis cannot be nil")
		}
		c.Genesis = g
		return nil
	}
}

// WithKeystore sets the local validator keys.
func WithKeystore(k Keystore) ConfigOption {
	return func(c *Config) error {
		if k == nil {
			return fmt.Errorf("keystore cannot be nil")
		}
		c.Keystore = k
		return nil
	}
}

// WithMempool sets the mempool.
func WithMempool(m Mempool) ConfigOption {
	return func(c *Config) error {
		if m == nil {
			return fmt.Errorf("mempool cannot be nil")
		}
		c.Mempool = m
		return nil
	}
}

// WithStateStore sets the state store.
func WithStateStore(s StateStore) ConfigOption {
	return func(c *Config) error {
		if s == nil {
			return fmt.Errorf("state store cannot be nil")
		}
		c.StateStore = s
		return nil
	}
}

// WithTransport sets the network layer.
func WithTransport(t Transport) ConfigOption {
	return func(c *Config) error {
		if t == nil {
			return fmt.Errorf("transport cannot be nil")
		}
		c.Transport = t
		return nil
	}
}

// WithElector sets the validator elector.
func WithElector(e Elector) ConfigOption {
	return func(c *Config) error {
		if e == nil {
			return fmt.Errorf("elector cannot be nil")
		}
		c.Elector = e
		return nil
	}
}

// WithTimers sets the timeout scheduler.
func WithTimers(t timer.Scheduler) ConfigOption {
	return func(c *Config) error {
		if t == nil {
			return fmt.Errorf("timers cannot be nil")
		}
		c.Timers = t
		return nil
	}
}

// WithPacemaker sets the pacemaker configuration.
func WithPacemaker(config PacemakerConfig) ConfigOption {
	return func(c *Config) error {
		if err := config.Validate(); err != nil {
			return err
		}
		c.Pacemaker = config
		return nil
	}
}

// WithWorkers sets the verification pool size.
func WithWorkers(n int) ConfigOption {
	return func(c *Config) error {
		c.Workers = n
		return nil
	}
}

// WithMaxStateFailures sets the tolerated consecutive state store failures.
func WithMaxStateFailures(n int) ConfigOption {
	return func(c *Config) error {
		c.MaxStateFailures = n
		return nil
	}
}

// WithKeepEpochs sets how many epochs the registry retains.
func WithKeepEpochs(n int) ConfigOption {
	return func(c *Config) error {
		c.KeepEpochs = n
		return nil
	}
}

// WithRegisterer sets the Prometheus registerer for engine metrics.
func WithRegisterer(r prometheus.Registerer) ConfigOption {
	return func(c *Config) error {
		if r == nil {
			return fmt.Errorf("registerer cannot be nil")
		}
		c.Registerer = r
		return nil
	}
}

// WithClock sets the wall clock.
func WithClock(clock Clock) ConfigOption {
	return func(c *Config) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		c.Clock = clock
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithHooks sets the event callbacks.
func WithHooks(h Hooks) ConfigOption {
	return func(c *Config) error {
		c.Hooks = h
		return nil
	}
}
