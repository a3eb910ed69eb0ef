package albatross

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/albatross/timer"
)

// PacemakerConfig configures finality round timing.
//
// This follows the standard BFT timing model used by production systems like
// CometBFT (Tendermint). Each step of a round has its own base timeout:
//
//   - TimeoutPropose: How long to wait for the round's proposal before prevoting nil
//   - TimeoutPrevote: How long to wait for a prevote quorum before precommitting nil
//   - TimeoutPrecommit: How long to wait for a precommit quorum before a view change
//
// Timeouts grow linearly with the round by TimeoutDelta and exponentially
// with consecutive view changes by BackoffMultiplier, capped at MaxTimeout.
// A commit resets the backoff.
type PacemakerConfig struct {
	// TimeoutPropose is the base wait for a proposal.
	// Default: 1000ms
	TimeoutPropose time.Duration

	// TimeoutPrevote is the base wait for prevotes after prevoting.
	// Default: 500ms
	TimeoutPrevote time.Duration

	// TimeoutPrecommit is the base wait for precommits after precommitting.
	// Default: 500ms
	TimeoutPrecommit time.Duration

	// TimeoutDelta is added to every step timeout per round number.
	// Default: 250ms
	TimeoutDelta time.Duration

	// BackoffMultiplier is the factor by which timeouts increase after each
	// view change without a commit.
	// Default: 1.5 (50% increase per failed round)
	BackoffMultiplier float64

	// MaxTimeout is the maximum timeout duration. Timeouts will not grow beyond
	// this value regardless of backoff.
	// Default: 30s
	MaxTimeout time.Duration
}

// DefaultPacemakerConfig returns the default pacemaker configuration.
// This is tuned for low-latency networks.
func DefaultPacemakerConfig() PacemakerConfig {
	return PacemakerConfig{
		TimeoutPropose:    1000 * time.Millisecond,
		TimeoutPrevote:    500 * time.Millisecond,
		TimeoutPrecommit:  500 * time.Millisecond,
		TimeoutDelta:      250 * time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxTimeout:        30 * time.Second,
	}
}

// ProductionPacemakerConfig returns a configuration for a public network
// whose slots last slotDuration. A round's propose phase gets several slots,
// since building a proposal replays the epoch's state and runs the election.
func ProductionPacemakerConfig(slotDuration time.Duration) PacemakerConfig {
	return PacemakerConfig{
		TimeoutPropose:    4 * slotDuration,
		TimeoutPrevote:    2 * slotDuration,
		TimeoutPrecommit:  2 * slotDuration,
		TimeoutDelta:      slotDuration,
		BackoffMultiplier: 1.5,
		MaxTimeout:        60 * time.Second,
	}
}

// DemoPacemakerConfig returns a configuration suitable for demos and the
// in-memory simulator.
func DemoPacemakerConfig() PacemakerConfig {
	return PacemakerConfig{
		TimeoutPropose:    300 * time.Millisecond,
		TimeoutPrevote:    200 * time.Millisecond,
		TimeoutPrecommit:  200 * time.Millisecond,
		TimeoutDelta:      100 * time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxTimeout:        5 * time.Second,
	}
}

// Validate checks that the configuration values are sensible.
func (c PacemakerConfig) Validate() error {
	if c.TimeoutPropose <= 0 {
		return &ConfigError{Field: "TimeoutPropose", Message: "must be positive"}
	}
	if c.TimeoutPrevote <= 0 {
		return &ConfigError{Field: "TimeoutPrevote", Message: "must be positive"}
	}
	if c.TimeoutPrecommit <= 0 {
		return &ConfigError{Field: "TimeoutPrecommit", Message: "must be positive"}
	}
	if c.TimeoutDelta < 0 {
		return &ConfigError{Field: "TimeoutDelta", Message: "must be non-negative"}
	}
	if c.BackoffMultiplier < 1.0 {
		return &ConfigError{Field: "BackoffMultiplier", Message: "must be >= 1.0"}
	}
	if c.MaxTimeout <= 0 {
		return &ConfigError{Field: "MaxTimeout", Message: "must be positive"}
	}
	if c.MaxTimeout < c.TimeoutPropose {
		return &ConfigError{Field: "MaxTimeout", Message: "must be >= TimeoutPropose"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "pacemaker config: " + e.Field + " " + e.Message
}

// Unwrap classifies pacemaker errors as configuration errors.
func (e *ConfigError) Unwrap() error { return ErrConfig }

// Pacemaker turns finality steps into scheduled timeouts.
//
// Fired timeouts arrive on the scheduler's channel and are handed to
// Finality.OnTimeout by the engine. A view change cancels only the timed
// out round; a commit cancels every timeout of the height.
type Pacemaker struct {
	mu     sync.Mutex
	timers timer.Scheduler
	logger *zap.Logger
	config PacemakerConfig

	// Track consecutive view changes for backoff
	consecutiveFailures int
}

// NewPacemaker creates a Pacemaker with the default configuration.
func NewPacemaker(timers timer.Scheduler, logger *zap.Logger) *Pacemaker {
	return NewPacemakerWithConfig(timers, logger, DefaultPacemakerConfig())
}

// NewPacemakerWithConfig creates a Pacemaker with explicit configuration.
func NewPacemakerWithConfig(timers timer.Scheduler, logger *zap.Logger, config PacemakerConfig) *Pacemaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pacemaker{
		timers: timers,
		logger: logger,
		config: config,
	}
}

// Timeout returns the timeout of step in round under the current backoff.
func (pm *Pacemaker) Timeout(step Step, round uint32) time.Duration {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.timeoutLocked(step, round)
}

func (pm *Pacemaker) timeoutLocked(step Step, round uint32) time.Duration {
	var base time.Duration
	switch step {
	case StepPropose:
		base = pm.config.TimeoutPropose
	case StepPrevote:
		base = pm.config.TimeoutPrevote
	default:
		base = pm.config.TimeoutPrecommit
	}

	d := float64(base) + float64(pm.config.TimeoutDelta)*float64(round)
	d *= math.Pow(pm.config.BackoffMultiplier, float64(pm.consecutiveFailures))
	if d > float64(pm.config.MaxTimeout) {
		return pm.config.MaxTimeout
	}
	return time.Duration(d)
}

// Schedule arms the timeout of (height, round, step).
func (pm *Pacemaker) Schedule(height, round uint32, step Step) {
	pm.mu.Lock()
	d := pm.timeoutLocked(step, round)
	pm.mu.Unlock()

	pm.logger.Debug("timeout scheduled",
		zap.Uint32("height", height),
		zap.Uint32("round", round),
		zap.Stringer("step", step),
		zap.Duration("timeout", d))

	pm.timers.Schedule(timer.Timeout{Height: height, Round: round, Step: uint8(step)}, d)
}

// OnViewChange cancels the timeouts of the abandoned round and increases
// the backoff.
func (pm *Pacemaker) OnViewChange(height, round uint32) {
	pm.timers.CancelRound(height, round)

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.consecutiveFailures++

	pm.logger.Info("view change",
		zap.Uint32("height", height),
		zap.Uint32("round", round),
		zap.Int("consecutive_failures", pm.consecutiveFailures))
}

// OnCommit cancels every timeout of height and resets the backoff.
func (pm *Pacemaker) OnCommit(height uint32) {
	pm.timers.CancelHeight(height)

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.consecutiveFailures = 0
}

// ConsecutiveFailures returns the number of view changes since the last commit.
func (pm *Pacemaker) ConsecutiveFailures() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.consecutiveFailures
}

// Config returns the pacemaker configuration.
func (pm *Pacemaker) Config() PacemakerConfig {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.config
}

// Stop cancels all timeouts.
func (pm *Pacemaker) Stop() {
	pm.timers.Stop()
}
