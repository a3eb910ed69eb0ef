package albatross

import (
	"encoding/binary"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2b"

	"github.com/edgedlt/albatross/internal/crypto"
)

// Seed is the randomness carried by every block: the VRF output of its
// producer over the parent's seed. The seed of the macro block closing
// epoch e drives leader selection for epoch e+1.
type Seed [32]byte

// Slot identifies a micro block slot: an epoch and a slot index counted
// from the epoch's start time.
type Slot struct {
	Epoch uint32
	Index uint32
}

var (
	vrfInputTag   = []byte("albatross-seed")
	leaderDrawTag = []byte("albatross-leader")
	macroDrawTag  = []byte("albatross-macro")
)

// VRFInput returns the message a producer evaluates its VRF on.
func VRFInput(parent Seed, slot Slot) []byte {
	w := newWriter(len(vrfInputTag) + 32 + 8)
	w.fixed(vrfInputTag)
	w.fixed(parent[:])
	w.u32(slot.Epoch)
	w.u32(slot.Index)
	return w.bytes()
}

// SelectLeader returns the validator leading slot. It is a pure function of
// its arguments: a 256-bit digest of (seed, epoch, slot) is reduced into
// [0, total weight) and mapped onto the cumulative weights in canonical
// order. Zero-weight validators own an empty interval and never lead.
func SelectLeader(seed Seed, set *ValidatorSet, slot Slot) uint16 {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], slot.Epoch)
	binary.BigEndian.PutUint32(buf[4:8], slot.Index)
	return pickWeighted(set, draw(leaderDrawTag, seed[:], buf[:]))
}

// MacroProposer returns the proposer of a macro block round. Round 0 is a
// weighted draw. Every later round draws again from a reseeded input, and a
// draw that repeats the previous round's proposer advances round-robin to
// the next validator with weight, so each view change changes proposer
// whenever more than one validator has weight.
func MacroProposer(seed Seed, set *ValidatorSet, height, round uint32) uint16 {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], height)
	proposer := pickWeighted(set, draw(macroDrawTag, seed[:], buf[:]))
	for r := uint32(1); r <= round; r++ {
		binary.BigEndian.PutUint32(buf[4:8], r)
		next := pickWeighted(set, draw(macroDrawTag, seed[:], buf[:]))
		if next == proposer {
			next = nextWeighted(set, proposer)
		}
		proposer = next
	}
	return proposer
}

// VerifyLeader checks that producer leads slot and that proof is its VRF
// proof over the parent seed. It returns the block seed the proof yields.
func VerifyLeader(epochSeed Seed, set *ValidatorSet, slot Slot, producer uint16, parentSeed Seed, proof []byte) (Seed, error) {
	if !set.Contains(producer) {
		return Seed{}, wrapf(ErrInvalidLeader, "producer index %d out of range", producer)
	}
	if leader := SelectLeader(epochSeed, set, slot); leader != producer {
		return Seed{}, wrapf(ErrInvalidLeader, "slot %d/%d belongs to validator %d, not %d", slot.Epoch, slot.Index, leader, producer)
	}
	return verifySeed(set, producer, parentSeed, slot, proof)
}

// verifySeed checks a VRF seed proof by validator idx.
func verifySeed(set *ValidatorSet, idx uint16, parentSeed Seed, slot Slot, proof []byte) (Seed, error) {
	key := set.VotingKey(idx)
	if key == nil {
		return Seed{}, wrapf(ErrInvalidLeader, "validator index %d out of range", idx)
	}
	out, err := crypto.VerifyVRF(key, VRFInput(parentSeed, slot), proof)
	if err != nil {
		return Seed{}, wrapf(ErrInvalidLeader, "seed proof: %v", err)
	}
	return Seed(out), nil
}

// draw hashes its inputs and reads the digest as a 256-bit integer.
func draw(tag []byte, parts ...[]byte) *uint256.Int {
	h, _ := blake2b.New256(nil)
	h.Write(tag)
	for _, p := range parts {
		h.Write(p)
	}
	return new(uint256.Int).SetBytes32(h.Sum(nil))
}

// pickWeighted maps r onto the cumulative weight intervals of set.
func pickWeighted(set *ValidatorSet, r *uint256.Int) uint16 {
	target := new(uint256.Int).Mod(r, uint256.NewInt(set.TotalWeight())).Uint64()
	var acc uint64
	var last uint16
	for i := 0; i < set.Len(); i++ {
		w := set.Weight(uint16(i))
		if w == 0 {
			continue
		}
		last = uint16(i)
		acc += w
		if target < acc {
			return uint16(i)
		}
	}
	// Unreachable while target < total.
	return last
}

// nextWeighted returns the next validator after i, wrapping, that has weight.
func nextWeighted(set *ValidatorSet, i uint16) uint16 {
	n := set.Len()
	for step := 1; step <= n; step++ {
		j := uint16((int(i) + step) % n)
		if set.Weight(j) > 0 {
			return j
		}
	}
	return i
}
