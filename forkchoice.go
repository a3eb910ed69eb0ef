package albatross

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// DefaultOrphanCacheSize bounds how many parent hashes the orphan pool tracks.
const DefaultOrphanCacheSize = 256

// maxOrphansPerParent bounds the orphans waiting on one parent.
const maxOrphansPerParent = 8

// forkNode is an arena entry. Nodes refer to their parent by hash only.
type forkNode struct {
	block    Block
	hash     Hash
	seq      uint64
	observed time.Time
	children int
}

// tipKey orders tips best first: greatest height, then earliest observed,
// then first inserted.
type tipKey struct {
	height   uint32
	observed int64
	seq      uint64
	hash     Hash
}

func tipLess(a, b tipKey) bool {
	if a.height != b.height {
		return a.height > b.height
	}
	if a.observed != b.observed {
		return a.observed < b.observed
	}
	return a.seq < b.seq
}

func (n *forkNode) key() tipKey {
	return tipKey{height: n.block.Height(), observed: n.observed.UnixNano(), seq: n.seq, hash: n.hash}
}

// orphan is a parked micro block and the time it arrived.
type orphan struct {
	block    *MicroBlock
	observed time.Time
}

// slotKey identifies the slot a producer may fill once.
type slotKey struct {
	epoch    uint32
	slot     uint32
	producer uint16
}

// ForkChoice tracks the micro block tree above the last finalized macro
// block and picks the head.
//
// Blocks live in an arena keyed by hash. The head is the highest tip, ties
// broken by first observation. Finalize re-roots the tree at a committed
// macro block and prunes every branch not descending from it, so no
// reorganization ever crosses finality.
type ForkChoice struct {
	mu        sync.RWMutex
	nodes     map[Hash]*forkNode
	tips      *btree.BTreeG[tipKey]
	slots     map[slotKey]Hash
	finalized *MacroBlock
	seq       uint64
	orphans   *lru.Cache
	logger    *zap.Logger
}

// NewForkChoice creates a fork set rooted at root, normally genesis.
func NewForkChoice(root *MacroBlock, orphanCacheSize int, logger *zap.Logger) (*ForkChoice, error) {
	if orphanCacheSize <= 0 {
		orphanCacheSize = DefaultOrphanCacheSize
	}
	orphans, err := lru.New(orphanCacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fc := &ForkChoice{orphans: orphans, logger: logger}
	fc.reset(root)
	return fc, nil
}

// reset makes root the only block. Must hold mu or be unshared.
func (fc *ForkChoice) reset(root *MacroBlock) {
	fc.nodes = make(map[Hash]*forkNode)
	fc.tips = btree.NewG[tipKey](8, tipLess)
	fc.slots = make(map[slotKey]Hash)
	fc.finalized = root
	fc.addNode(root, time.Time{})
}

// addNode inserts b as a new tip. Must hold mu.
func (fc *ForkChoice) addNode(b Block, observed time.Time) *forkNode {
	fc.seq++
	n := &forkNode{block: b, hash: b.Hash(), seq: fc.seq, observed: observed}
	fc.nodes[n.hash] = n
	if parent, ok := fc.nodes[b.ParentHash()]; ok && parent != n {
		if parent.children == 0 {
			fc.tips.Delete(parent.key())
		}
		parent.children++
	}
	fc.tips.ReplaceOrInsert(n.key())
	return n
}

// removeSubtree drops n and every block built on it, returning how many
// blocks were removed. Must hold mu.
func (fc *ForkChoice) removeSubtree(n *forkNode) int {
	doomed := map[Hash]*forkNode{n.hash: n}
	for grew := true; grew; {
		grew = false
		for h, c := range fc.nodes {
			if _, ok := doomed[h]; ok {
				continue
			}
			if _, ok := doomed[c.block.ParentHash()]; ok {
				doomed[h] = c
				grew = true
			}
		}
	}
	for h, c := range doomed {
		if c.children == 0 {
			fc.tips.Delete(c.key())
		}
		delete(fc.nodes, h)
		if mb, ok := c.block.(*MicroBlock); ok {
			key := slotKey{epoch: mb.Header.Epoch, slot: mb.Header.Slot, producer: mb.Header.Producer}
			if fc.slots[key] == h {
				delete(fc.slots, key)
			}
		}
	}
	if parent, ok := fc.nodes[n.block.ParentHash()]; ok {
		parent.children--
		if parent.children == 0 {
			fc.tips.ReplaceOrInsert(parent.key())
		}
	}
	return len(doomed)
}

// Insert adds a validated micro block observed at observedAt.
//
// The parent must be known (ErrUnknownParent) and the block must sit above
// the finalized height (ErrFinalizedConflict). A second block by the same
// producer for the same slot is equivocation and yields a ForkProof. The
// block observed first stays. If that is the block already in the set, the
// newcomer is not inserted and the error wraps ErrEquivocation. If the
// newcomer was observed earlier, the other block and everything built on
// it are pruned, the newcomer is inserted and the error is nil.
// Inserting a known block is a no-op.
func (fc *ForkChoice) Insert(b *MicroBlock, observedAt time.Time) (*ForkProof, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	hash := b.Hash()
	if _, ok := fc.nodes[hash]; ok {
		return nil, nil
	}
	if b.Header.Height <= fc.finalized.Header.Height {
		return nil, wrapf(ErrFinalizedConflict, "block %d at or below finalized %d", b.Header.Height, fc.finalized.Header.Height)
	}
	if _, ok := fc.nodes[b.Header.ParentHash]; !ok {
		return nil, wrapf(ErrUnknownParent, "parent %s of block %d", b.Header.ParentHash.Short(), b.Header.Height)
	}

	key := slotKey{epoch: b.Header.Epoch, slot: b.Header.Slot, producer: b.Header.Producer}
	if first, ok := fc.slots[key]; ok {
		if prev, live := fc.nodes[first]; live {
			if !observedAt.Before(prev.observed) {
				fc.logger.Warn("equivocating micro block pruned",
					zap.Uint16("producer", b.Header.Producer),
					zap.Uint32("epoch", b.Header.Epoch),
					zap.Uint32("slot", b.Header.Slot),
					zap.Stringer("kept", first),
					zap.Stringer("pruned", hash))
				return newForkProof(prev.block.(*MicroBlock), b),
					wrapf(ErrEquivocation, "producer %d signed two blocks for slot %d/%d",
						b.Header.Producer, b.Header.Epoch, b.Header.Slot)
			}
			pruned := fc.removeSubtree(prev)
			fc.logger.Warn("equivocating micro block pruned",
				zap.Uint16("producer", b.Header.Producer),
				zap.Uint32("epoch", b.Header.Epoch),
				zap.Uint32("slot", b.Header.Slot),
				zap.Stringer("kept", hash),
				zap.Stringer("pruned", first),
				zap.Int("descendants", pruned-1))
			fc.slots[key] = hash
			fc.addNode(b, observedAt)
			return newForkProof(b, prev.block.(*MicroBlock)), nil
		}
	}
	fc.slots[key] = hash
	fc.addNode(b, observedAt)
	return nil, nil
}

// Head returns the best tip.
func (fc *ForkChoice) Head() Block {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	best, ok := fc.tips.Min()
	if !ok {
		return fc.finalized
	}
	return fc.nodes[best.hash].block
}

// Get returns a block of the fork set.
func (fc *ForkChoice) Get(hash Hash) (Block, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	n, ok := fc.nodes[hash]
	if !ok {
		return nil, false
	}
	return n.block, true
}

// Contains reports whether hash is in the fork set.
func (fc *ForkChoice) Contains(hash Hash) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	_, ok := fc.nodes[hash]
	return ok
}

// Finalized returns the macro block the tree is rooted at.
func (fc *ForkChoice) Finalized() *MacroBlock {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.finalized
}

// Len returns the number of blocks in the fork set, root included.
func (fc *ForkChoice) Len() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.nodes)
}

// TipCount returns the number of competing tips.
func (fc *ForkChoice) TipCount() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.tips.Len()
}

// Finalize re-roots the fork set at a committed macro block. Every block
// that is neither an ancestor nor a descendant of it is pruned, and the
// number of pruned blocks is returned. The macro block's parent need not be
// known, which lets a node that fell behind catch up from a peer's
// justified macro block.
//
// Finalizing a different block at an already finalized height returns
// ErrSafetyViolation. Finalizing an older or identical block is a no-op.
func (fc *ForkChoice) Finalize(macro *MacroBlock) (int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cur := fc.finalized
	switch {
	case macro.Header.Height < cur.Header.Height:
		return 0, nil
	case macro.Header.Height == cur.Header.Height:
		if macro.Hash() != cur.Hash() {
			return 0, wrapf(ErrSafetyViolation, "macro %s and %s both committed at height %d",
				cur.Hash().Short(), macro.Hash().Short(), macro.Header.Height)
		}
		return 0, nil
	}

	ancestors := make(map[Hash]struct{})
	for h := macro.Header.ParentHash; ; {
		n, ok := fc.nodes[h]
		if !ok {
			break
		}
		ancestors[h] = struct{}{}
		if n.block == cur {
			break
		}
		h = n.block.ParentHash()
	}

	macroHash := macro.Hash()
	keep := make([]*forkNode, 0, len(fc.nodes))
	pruned := 0
	for h, n := range fc.nodes {
		if n.block == cur {
			continue
		}
		if _, ok := ancestors[h]; ok {
			continue
		}
		if n.block.Height() > macro.Header.Height && fc.descends(n, macro.Header.Height, macroHash) {
			keep = append(keep, n)
		} else {
			pruned++
		}
	}

	fc.reset(macro)
	// Re-insert in insertion order so parents precede children and ties
	// between equally observed tips are preserved.
	slices.SortFunc(keep, func(a, b *forkNode) int { return cmp.Compare(a.seq, b.seq) })
	for _, n := range keep {
		added := fc.addNode(n.block, n.observed)
		if mb, ok := n.block.(*MicroBlock); ok {
			fc.slots[slotKey{epoch: mb.Header.Epoch, slot: mb.Header.Slot, producer: mb.Header.Producer}] = added.hash
		}
	}

	fc.logger.Debug("fork set finalized",
		zap.Uint32("height", macro.Header.Height),
		zap.Stringer("hash", macroHash),
		zap.Int("pruned", pruned),
		zap.Int("kept", len(keep)))
	return pruned, nil
}

// descends reports whether n's ancestor at height is hash. Must hold mu.
func (fc *ForkChoice) descends(n *forkNode, height uint32, hash Hash) bool {
	for n.block.Height() > height+1 {
		parent, ok := fc.nodes[n.block.ParentHash()]
		if !ok {
			return false
		}
		n = parent
	}
	return n.block.ParentHash() == hash
}

// AddOrphan parks a micro block whose parent is unknown, remembering when
// it arrived.
func (fc *ForkChoice) AddOrphan(b *MicroBlock, observedAt time.Time) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	parent := b.Header.ParentHash
	var waiting []orphan
	if v, ok := fc.orphans.Get(parent); ok {
		waiting = v.([]orphan)
	}
	hash := b.Hash()
	for _, w := range waiting {
		if w.block.Hash() == hash {
			return
		}
	}
	if len(waiting) >= maxOrphansPerParent {
		return
	}
	fc.orphans.Add(parent, append(waiting, orphan{block: b, observed: observedAt}))
}

// TakeOrphans removes the blocks waiting on parent and hands each one to
// fn with its arrival time.
func (fc *ForkChoice) TakeOrphans(parent Hash, fn func(b *MicroBlock, observedAt time.Time)) {
	fc.mu.Lock()
	v, ok := fc.orphans.Get(parent)
	if ok {
		fc.orphans.Remove(parent)
	}
	fc.mu.Unlock()

	if !ok {
		return
	}
	for _, o := range v.([]orphan) {
		fn(o.block, o.observed)
	}
}

// OrphanCount returns the number of parents orphans are waiting on.
func (fc *ForkChoice) OrphanCount() int {
	return fc.orphans.Len()
}
