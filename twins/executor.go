package twins

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/albatross"
	"github.com/edgedlt/albatross/simulator"
)

const (
	blocksPerEpoch = 8
	slotDuration   = 50 * time.Millisecond
)

// Executor executes a twins scenario and detects safety violations.
type Executor struct {
	scenario Scenario
	logger   *zap.Logger
	detector *ViolationDetector
}

// NewExecutor creates a new twins scenario executor.
func NewExecutor(scenario Scenario, logger *zap.Logger) (*Executor, error) {
	if err := ValidateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		scenario: scenario,
		logger:   logger,
		detector: NewViolationDetector(scenario.Byzantine()),
	}, nil
}

// Detector returns the executor's violation detector.
func (e *Executor) Detector() *ViolationDetector { return e.detector }

// Execute runs the scenario until every honest node finalized the target
// epochs or ctx ends.
func (e *Executor) Execute(ctx context.Context) (Result, error) {
	s := e.scenario
	cfg := simulator.DefaultConfig()
	cfg.Validators = s.Validators
	cfg.BlocksPerEpoch = blocksPerEpoch
	cfg.SlotDuration = slotDuration
	cfg.Seed = s.Seed
	cfg.Logger = e.logger
	if s.Behavior.runsTwins() {
		cfg.Twins = s.Twins
	}

	sim, err := simulator.New(cfg)
	if err != nil {
		return Result{}, fmt.Errorf("create simulator: %w", err)
	}
	sim.SetOnEvent(e.observe)

	if err := sim.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("start simulator: %w", err)
	}
	started := time.Now()

	honest := make(map[int]bool)
	for _, n := range sim.Nodes() {
		honest[n.ID] = n.TwinOf < 0
	}
	if s.Behavior == BehaviorSilent {
		for _, idx := range s.Byzantine() {
			honest[int(idx)] = false
			if err := sim.CrashNode(int(idx)); err != nil {
				sim.Stop()
				return Result{}, err
			}
		}
	}
	if s.Behavior == BehaviorDoubleSign || s.Behavior == BehaviorSplit {
		for _, idx := range s.Byzantine() {
			honest[int(idx)] = false
		}
	}

	partitions := s.Partitions
	if len(partitions) == 0 && s.Behavior == BehaviorSplit {
		partitions = defaultSplit(s)
	}
	var heal <-chan time.Time
	if len(partitions) > 0 {
		groups := make([][]int, len(partitions))
		for i, p := range partitions {
			groups[i] = p.Nodes
		}
		sim.SetPartitions(groups)
		t := time.NewTimer(time.Duration(s.Epochs*blocksPerEpoch/2) * slotDuration)
		defer t.Stop()
		heal = t.C
	}

	target := s.Epochs * blocksPerEpoch
	feed := time.NewTicker(slotDuration)
	defer feed.Stop()

	var finalized uint32
	var reached bool
	var txs int
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-heal:
			sim.ClearPartitions()
		case <-feed.C:
			txs++
			sim.SubmitTransactions(albatross.Transaction(fmt.Sprintf("twins-tx-%d", txs)))
			finalized = lowestFinalized(sim.GetState(), honest)
			if finalized >= target {
				reached = true
				break loop
			}
		}
	}
	sim.Stop()

	res := Result{
		Scenario:          s,
		Reached:           reached,
		Finalized:         finalized,
		Caught:            e.detector.Caught(),
		MessagesExchanged: sim.GetState().Network.MessagesSent,
		Elapsed:           time.Since(started),
	}
	res.Violations = e.detector.Violations()
	if err := sim.Agreement(); err != nil {
		res.Violations = append(res.Violations, Violation{Type: ViolationFork, Description: err.Error()})
	}
	res.Success = reached && len(res.Violations) == 0

	e.logger.Info("scenario finished",
		zap.Stringer("behavior", s.Behavior),
		zap.Bool("success", res.Success),
		zap.Uint32("finalized", res.Finalized),
		zap.Int("violations", len(res.Violations)),
		zap.Any("caught", res.Caught),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (e *Executor) observe(ev simulator.Event) {
	switch ev.Type {
	case simulator.EventCommit:
		e.detector.RecordCommit(ev.NodeID, ev.Height, ev.BlockHash)
	case simulator.EventEvidence:
		e.detector.RecordEvidence(ev.NodeID, uint16(ev.TargetID), ev.Height)
	case simulator.EventSafety:
		e.detector.RecordSafetyHalt(ev.NodeID, ev.Description)
	}
}

func lowestFinalized(state simulator.State, honest map[int]bool) uint32 {
	var low uint32
	first := true
	for _, n := range state.Nodes {
		if !honest[n.ID] {
			continue
		}
		if first || n.FinalizedHeight < low {
			low = n.FinalizedHeight
			first = false
		}
	}
	return low
}
