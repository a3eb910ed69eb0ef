package twins

import (
	"fmt"
	"sync"
)

// ViolationDetector monitors consensus execution for safety violations.
type ViolationDetector struct {
	mu sync.RWMutex

	byzantine map[uint16]bool

	// First finalized block seen at each height
	committed map[uint32]commitRecord

	caught     map[uint16]int
	violations []Violation
}

// commitRecord tracks a committed block.
type commitRecord struct {
	Hash   string
	NodeID int
}

// NewViolationDetector creates a detector that treats the given validator
// indices as faulty.
func NewViolationDetector(byzantine []uint16) *ViolationDetector {
	vd := &ViolationDetector{
		byzantine: make(map[uint16]bool, len(byzantine)),
		committed: make(map[uint32]commitRecord),
		caught:    make(map[uint16]int),
	}
	for _, idx := range byzantine {
		vd.byzantine[idx] = true
	}
	return vd
}

// RecordCommit records a finalized macro block.
func (vd *ViolationDetector) RecordCommit(nodeID int, height uint32, hash string) {
	vd.mu.Lock()
	defer vd.mu.Unlock()

	first, ok := vd.committed[height]
	if !ok {
		vd.committed[height] = commitRecord{Hash: hash, NodeID: nodeID}
		return
	}
	if first.Hash != hash {
		vd.violations = append(vd.violations, Violation{
			Type:        ViolationFork,
			Description: fmt.Sprintf("node %d finalized %s, node %d finalized %s", first.NodeID, first.Hash, nodeID, hash),
			NodeID:      nodeID,
			Height:      height,
		})
	}
}

// RecordEvidence records an equivocation report.
func (vd *ViolationDetector) RecordEvidence(nodeID int, offender uint16, height uint32) {
	vd.mu.Lock()
	defer vd.mu.Unlock()

	vd.caught[offender]++
	if !vd.byzantine[offender] {
		vd.violations = append(vd.violations, Violation{
			Type:        ViolationFalseAccusation,
			Description: fmt.Sprintf("honest validator %d accused", offender),
			NodeID:      nodeID,
			Height:      height,
		})
	}
}

// RecordSafetyHalt records an engine that detected conflicting commits.
func (vd *ViolationDetector) RecordSafetyHalt(nodeID int, description string) {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	vd.violations = append(vd.violations, Violation{
		Type:        ViolationSafetyHalt,
		Description: description,
		NodeID:      nodeID,
	})
}

// Violations returns a copy of all detected violations.
func (vd *ViolationDetector) Violations() []Violation {
	vd.mu.RLock()
	defer vd.mu.RUnlock()
	return append([]Violation(nil), vd.violations...)
}

// Caught returns evidence counts per offender.
func (vd *ViolationDetector) Caught() map[uint16]int {
	vd.mu.RLock()
	defer vd.mu.RUnlock()
	out := make(map[uint16]int, len(vd.caught))
	for k, v := range vd.caught {
		out[k] = v
	}
	return out
}

// Commits returns the number of distinct finalized heights seen.
func (vd *ViolationDetector) Commits() int {
	vd.mu.RLock()
	defer vd.mu.RUnlock()
	return len(vd.committed)
}
