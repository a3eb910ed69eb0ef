// Package twins runs Byzantine scenarios against Albatross clusters.
//
// A twin is a second node running with the keys of an existing validator.
// The pair signs independently, so every slot or round the validator leads
// can produce two conflicting messages. Honest nodes must keep agreeing on
// finalized macro blocks and must only ever accuse the twinned validators.
//
// Based on "Twins: BFT Systems Made Robust" by Bano et al.
package twins

import (
	"fmt"
	"time"
)

// Scenario defines a Byzantine testing scenario.
type Scenario struct {
	// Validators is the number of distinct validator keys.
	Validators int

	// Twins is the number of validators running on two nodes. Validator i
	// is twinned for i < Twins.
	Twins int

	// Partitions groups node IDs while the first half of the run lasts.
	// Validators are nodes 0..Validators-1 and the twin of validator i is
	// node Validators+i. Empty means the behavior's default.
	Partitions []Partition

	// Epochs is the number of epochs every honest node must finalize.
	Epochs uint32

	Behavior ByzantineBehavior

	// Seed drives key derivation and network randomness.
	Seed int64
}

// Partition represents a network partition.
type Partition struct {
	Nodes []int
}

// ByzantineBehavior defines the type of Byzantine behavior to test.
type ByzantineBehavior int

const (
	// BehaviorHonest - twins stay offline, every validator is honest
	BehaviorHonest ByzantineBehavior = iota

	// BehaviorDoubleSign - twins run next to their siblings on one network
	BehaviorDoubleSign

	// BehaviorSilent - twinned validators crash at start
	BehaviorSilent

	// BehaviorSplit - twins and siblings sit on opposite sides of a
	// partition that heals halfway through
	BehaviorSplit
)

func (b ByzantineBehavior) String() string {
	switch b {
	case BehaviorHonest:
		return "Honest"
	case BehaviorDoubleSign:
		return "DoubleSign"
	case BehaviorSilent:
		return "Silent"
	case BehaviorSplit:
		return "Split"
	default:
		return "Unknown"
	}
}

// runsTwins reports whether the behavior starts twin nodes.
func (b ByzantineBehavior) runsTwins() bool {
	return b == BehaviorDoubleSign || b == BehaviorSplit
}

// Result represents the result of executing a scenario.
type Result struct {
	Scenario Scenario

	// Success is true when the target was reached without violations.
	Success bool

	// Reached is true when every honest node finalized the target height.
	Reached bool

	// Finalized is the lowest finalized height among honest nodes.
	Finalized uint32

	Violations []Violation

	// Caught counts evidence reports per offending validator index.
	Caught map[uint16]int

	MessagesExchanged int
	Elapsed           time.Duration
}

// Violation represents a detected safety violation.
type Violation struct {
	Type        ViolationType
	Description string

	// NodeID of the node that observed the violation.
	NodeID int

	Height uint32
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at height %d (node %d): %s", v.Type, v.Height, v.NodeID, v.Description)
}

// ViolationType categorizes safety violations.
type ViolationType int

const (
	// ViolationNone - no violation (shouldn't happen in Violation slice)
	ViolationNone ViolationType = iota

	// ViolationFork - two macro blocks finalized at the same height
	ViolationFork

	// ViolationFalseAccusation - evidence against an honest validator
	ViolationFalseAccusation

	// ViolationSafetyHalt - an engine stopped on a safety violation
	ViolationSafetyHalt
)

func (v ViolationType) String() string {
	switch v {
	case ViolationNone:
		return "None"
	case ViolationFork:
		return "Fork"
	case ViolationFalseAccusation:
		return "FalseAccusation"
	case ViolationSafetyHalt:
		return "SafetyHalt"
	default:
		return "Unknown"
	}
}

// ValidateScenario checks if a scenario is valid.
func ValidateScenario(s Scenario) error {
	if s.Validators < 1 {
		return fmt.Errorf("validators must be >= 1, got %d", s.Validators)
	}
	if s.Twins < 0 {
		return fmt.Errorf("twins must be >= 0, got %d", s.Twins)
	}

	// Finality needs more than two thirds of the weight to stay honest.
	if 3*s.Twins >= s.Validators && s.Twins > 0 {
		return fmt.Errorf("scenario violates BFT assumptions: %d twinned of %d validators", s.Twins, s.Validators)
	}
	if s.Epochs < 1 {
		return fmt.Errorf("epochs must be >= 1, got %d", s.Epochs)
	}

	nodes := s.Validators
	if s.Behavior.runsTwins() {
		nodes += s.Twins
	}
	for i, partition := range s.Partitions {
		for _, nodeID := range partition.Nodes {
			if nodeID < 0 || nodeID >= nodes {
				return fmt.Errorf("partition %d references invalid node ID %d (total nodes: %d)",
					i, nodeID, nodes)
			}
		}
	}
	return nil
}

// Byzantine returns the validator indices the scenario makes faulty.
func (s Scenario) Byzantine() []uint16 {
	if s.Behavior == BehaviorHonest {
		return nil
	}
	out := make([]uint16, s.Twins)
	for i := range out {
		out[i] = uint16(i)
	}
	return out
}

// TwinID returns the node ID of validator i's twin.
func TwinID(validators, i int) int {
	return validators + i
}

// IsTwin returns true if the given node ID is a twin.
func IsTwin(nodeID, validators int) bool {
	return nodeID >= validators
}

// GetValidatorIndex returns the validator index a node signs with.
func GetValidatorIndex(nodeID, validators int) int {
	if !IsTwin(nodeID, validators) {
		return nodeID
	}
	return nodeID - validators
}

// defaultSplit puts every twin's sibling with the first half of the honest
// validators and every twin with the rest.
func defaultSplit(s Scenario) []Partition {
	var a, b Partition
	for i := 0; i < s.Twins; i++ {
		a.Nodes = append(a.Nodes, i)
		b.Nodes = append(b.Nodes, TwinID(s.Validators, i))
	}
	honest := s.Validators - s.Twins
	for i := s.Twins; i < s.Validators; i++ {
		if i-s.Twins < honest/2 {
			a.Nodes = append(a.Nodes, i)
		} else {
			b.Nodes = append(b.Nodes, i)
		}
	}
	return []Partition{a, b}
}

// GenerateBasicScenarios generates a set of basic test scenarios.
func GenerateBasicScenarios() []Scenario {
	return []Scenario{
		// Baseline: 4 honest validators
		{Validators: 4, Epochs: 2, Behavior: BehaviorHonest},

		// One validator offline
		{Validators: 4, Twins: 1, Epochs: 2, Behavior: BehaviorSilent},

		// One validator signing twice
		{Validators: 4, Twins: 1, Epochs: 3, Behavior: BehaviorDoubleSign},

		// Twin on the majority side of a partition
		{Validators: 4, Twins: 1, Epochs: 2, Behavior: BehaviorSplit},

		// 7 validators with 2 twins
		{Validators: 7, Twins: 2, Epochs: 2, Behavior: BehaviorDoubleSign},
	}
}
