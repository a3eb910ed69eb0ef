package albatross

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resign signs b's header again with its producer's key.
func resign(t *testing.T, f *fixture, b *MicroBlock) {
	t.Helper()
	hash := b.Header.Hash()
	sig, err := f.keys[b.Header.Producer].SignProducer(hash[:])
	require.NoError(t, err)
	b.Signature = sig
}

func cloneMicro(b *MicroBlock) *MicroBlock {
	c := *b
	c.Body = append([]Transaction(nil), b.Body...)
	c.Signature = append([]byte(nil), b.Signature...)
	c.Header.SeedProof = append([]byte(nil), b.Header.SeedProof...)
	return &c
}

func TestProduceAndValidate(t *testing.T) {
	f := newFixture(t, 4)
	blocks := f.chain(t, NewTestStateStore(), 4)

	observer := f.producer(t, -1, NewTestMempool(), NewTestStateStore())
	var parent Block = f.genesis
	for _, b := range blocks {
		now := f.slotTime(b.Header.Slot)
		require.False(t, observer.BeginSlot(f.epoch, b.Header.SlotRef()))
		require.NoError(t, observer.Validate(context.Background(), b, parent, f.epoch, now), "block %s", b)
		assert.Equal(t, ProducerAccepted, observer.State())
		assert.Equal(t, parent.Height()+1, b.Header.Height)
		parent = b
	}
}

func TestProduceTakesMempoolTransactions(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)

	mempool := NewTestMempool()
	mempool.Add(Transaction("a"), Transaction("bb"), Transaction("ccc"))
	store := NewTestStateStore()
	p := f.producer(t, leader, mempool, store)
	require.True(t, p.BeginSlot(f.epoch, Slot{Index: 0}))

	b, err := p.Produce(context.Background(), f.genesis, f.epoch, Slot{Index: 0}, f.slotTime(0))
	require.NoError(t, err)
	assert.Len(t, b.Body, 3)
	assert.Equal(t, BodyRoot(b.Body), b.Header.BodyRoot)
	assert.Equal(t, TestStateRoot(f.genesis.Header.StateRoot, b.Body), b.Header.StateRoot)
	assert.Equal(t, uint16(leader), b.Header.Producer)
	assert.Equal(t, ProducerProduced, p.State())
	assert.Zero(t, mempool.Len())
}

func TestProduceNotLeader(t *testing.T) {
	f := newFixture(t, 4)
	other := (f.leader(0) + 1) % 4

	p := f.producer(t, other, NewTestMempool(), NewTestStateStore())
	assert.False(t, p.BeginSlot(f.epoch, Slot{Index: 0}))
	assert.Equal(t, ProducerObserving, p.State())

	_, err := p.Produce(context.Background(), f.genesis, f.epoch, Slot{Index: 0}, f.slotTime(0))
	assert.ErrorIs(t, err, ErrNotLeader)
}

// TestProducerPhaseTracksCurrentSlot tests that only the block awaited for
// the current slot settles the phase, and that the phase returns to idle
// when the slot ends.
func TestProducerPhaseTracksCurrentSlot(t *testing.T) {
	f := newFixture(t, 4)
	blocks := f.chain(t, NewTestStateStore(), 2)
	ctx := context.Background()

	v := f.producer(t, -1, NewTestMempool(), NewTestStateStore())
	assert.Equal(t, ProducerIdle, v.State())

	cur := blocks[1].Header.SlotRef()
	require.False(t, v.BeginSlot(f.epoch, cur))
	assert.Equal(t, ProducerObserving, v.State())

	// A block of an earlier slot, valid or not, leaves the phase alone.
	require.NoError(t, v.Validate(ctx, blocks[0], f.genesis, f.epoch, f.slotTime(blocks[0].Header.Slot)))
	assert.Equal(t, ProducerObserving, v.State())
	bad := cloneMicro(blocks[0])
	bad.Signature[0] ^= 0xff
	require.Error(t, v.Validate(ctx, bad, f.genesis, f.epoch, f.slotTime(blocks[0].Header.Slot)))
	assert.Equal(t, ProducerObserving, v.State())

	require.NoError(t, v.Validate(ctx, blocks[1], blocks[0], f.epoch, f.slotTime(blocks[1].Header.Slot)))
	assert.Equal(t, ProducerAccepted, v.State())

	// Later results and a repeated BeginSlot keep the settled phase.
	require.Error(t, v.Validate(ctx, bad, f.genesis, f.epoch, f.slotTime(blocks[0].Header.Slot)))
	v.BeginSlot(f.epoch, cur)
	assert.Equal(t, ProducerAccepted, v.State())

	v.EndSlot(cur)
	assert.Equal(t, ProducerAccepted, v.State(), "slot still current")
	v.EndSlot(Slot{Epoch: cur.Epoch, Index: cur.Index + 1})
	assert.Equal(t, ProducerIdle, v.State())
	_, begun := v.Slot()
	assert.False(t, begun)
}

// TestProducerValidateDoesNotOverwriteProduced tests that validating a
// peer block while producing leaves the local slot's result intact.
func TestProducerValidateDoesNotOverwriteProduced(t *testing.T) {
	f := newFixture(t, 4)
	peer := f.chain(t, NewTestStateStore(), 1)[0]
	slot := Slot{Index: peer.Header.Slot + 1}
	leader := f.leader(slot.Index)

	p := f.producer(t, leader, NewTestMempool(), NewTestStateStore())
	require.True(t, p.BeginSlot(f.epoch, slot))
	_, err := p.Produce(context.Background(), peer, f.epoch, slot, f.slotTime(slot.Index))
	require.NoError(t, err)
	assert.Equal(t, ProducerProduced, p.State())

	require.NoError(t, p.Validate(context.Background(), peer, f.genesis, f.epoch, f.slotTime(peer.Header.Slot)))
	assert.Equal(t, ProducerProduced, p.State())
}

func TestProduceRejectsMacroHeight(t *testing.T) {
	f := newFixture(t, 1)
	p := f.producer(t, 0, NewTestMempool(), NewTestStateStore())
	blocks := f.chain(t, NewTestStateStore(), testBlocksPerEpoch-1)
	last := blocks[len(blocks)-1]

	slot := last.Header.Slot + 1
	_, err := p.Produce(context.Background(), last, f.epoch, Slot{Index: slot}, f.slotTime(slot))
	assert.Error(t, err)
}

func TestProduceStateFailureAbandonsSlot(t *testing.T) {
	f := newFixture(t, 4)
	store := NewTestStateStore()
	store.SetFailing(true)
	p := f.producer(t, f.leader(0), NewTestMempool(), store)
	require.True(t, p.BeginSlot(f.epoch, Slot{Index: 0}))
	assert.Equal(t, ProducerProducing, p.State())

	_, err := p.Produce(context.Background(), f.genesis, f.epoch, Slot{Index: 0}, f.slotTime(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTestStoreDown)
	assert.Equal(t, ProducerIdle, p.State())
}

func TestValidateWrongLeaderWithValidSignature(t *testing.T) {
	f := newFixture(t, 4)
	b := f.chain(t, NewTestStateStore(), 1)[0]

	// A validator that does not lead the slot signs a well-formed block
	// with its own keys and a correct VRF proof.
	other := (int(b.Header.Producer) + 1) % 4
	forged := cloneMicro(b)
	forged.Header.Producer = uint16(other)
	seed, proof, err := f.keys[other].ProveVRF(VRFInput(f.genesis.Header.Seed, forged.Header.SlotRef()))
	require.NoError(t, err)
	forged.Header.Seed, forged.Header.SeedProof = seed, proof
	resign(t, f, forged)

	hash := forged.Header.Hash()
	require.True(t, f.set.ProducerKey(uint16(other)).Verify(hash[:], forged.Signature))

	v := f.producer(t, -1, NewTestMempool(), NewTestStateStore())
	v.BeginSlot(f.epoch, b.Header.SlotRef())
	err = v.Validate(context.Background(), forged, f.genesis, f.epoch, f.slotTime(b.Header.Slot))
	assert.ErrorIs(t, err, ErrInvalidLeader)
	assert.Equal(t, ProducerRejected, v.State())
}

func TestValidateChecks(t *testing.T) {
	f := newFixture(t, 4)
	b := f.chain(t, NewTestStateStore(), 1)[0]
	now := f.slotTime(b.Header.Slot)

	tests := []struct {
		name   string
		mutate func(b *MicroBlock)
		store  func(s *TestStateStore)
		now    time.Time
		want   error
	}{
		{
			name:   "short signature",
			mutate: func(b *MicroBlock) { b.Signature = b.Signature[:10] },
			want:   ErrMalformedMessage,
		},
		{
			name:   "body root mismatch",
			mutate: func(b *MicroBlock) { b.Body = append(b.Body, Transaction("extra")) },
			want:   ErrMalformedMessage,
		},
		{
			name: "unknown parent",
			mutate: func(b *MicroBlock) {
				b.Header.ParentHash = HashOf([]byte("elsewhere"))
				resign(t, f, b)
			},
			want: ErrInvalidBlock,
		},
		{
			name: "wrong height",
			mutate: func(b *MicroBlock) {
				b.Header.Height = 2
				resign(t, f, b)
			},
			want: ErrInvalidBlock,
		},
		{
			name: "timestamp beyond drift",
			now:  now.Add(-time.Hour),
			want: ErrInvalidBlock,
		},
		{
			name: "slot does not match timestamp",
			mutate: func(b *MicroBlock) {
				b.Header.Timestamp += uint64(DefaultSlotDuration.Milliseconds()) * 3
				resign(t, f, b)
			},
			now:  now.Add(time.Hour),
			want: ErrInvalidBlock,
		},
		{
			name: "seed differs from proof",
			mutate: func(b *MicroBlock) {
				b.Header.Seed[0] ^= 1
				resign(t, f, b)
			},
			want: ErrInvalidLeader,
		},
		{
			name:   "tampered signature",
			mutate: func(b *MicroBlock) { b.Signature[0] ^= 1 },
			want:   ErrInvalidSignature,
		},
		{
			name: "state root mismatch",
			mutate: func(b *MicroBlock) {
				b.Header.StateRoot = HashOf([]byte("wrong"))
				resign(t, f, b)
			},
			want: ErrStateMismatch,
		},
		{
			name: "invalid transition",
			mutate: func(b *MicroBlock) {
				b.Body = []Transaction{InvalidTestTransaction}
				b.Header.BodyRoot = BodyRoot(b.Body)
				resign(t, f, b)
			},
			want: ErrInvalidTransition,
		},
		{
			name:  "store failure",
			store: func(s *TestStateStore) { s.SetFailing(true) },
			want:  ErrStateUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blk := cloneMicro(b)
			if tt.mutate != nil {
				tt.mutate(blk)
			}
			store := NewTestStateStore()
			if tt.store != nil {
				tt.store(store)
			}
			at := now
			if !tt.now.IsZero() {
				at = tt.now
			}
			v := f.producer(t, -1, NewTestMempool(), store)
			err := v.Validate(context.Background(), blk, f.genesis, f.epoch, at)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateRequiresIncreasingSlot(t *testing.T) {
	f := newFixture(t, 1)
	blocks := f.chain(t, NewTestStateStore(), 2)

	// Re-slot the second block onto the first block's slot.
	b := cloneMicro(blocks[1])
	b.Header.Slot = blocks[0].Header.Slot
	resign(t, f, b)

	v := f.producer(t, -1, NewTestMempool(), NewTestStateStore())
	err := v.Validate(context.Background(), b, blocks[0], f.epoch, f.slotTime(b.Header.Slot))
	assert.ErrorIs(t, err, ErrInvalidBlock)
}

func TestSlotClock(t *testing.T) {
	f := newFixture(t, 1)
	p := f.producer(t, 0, NewTestMempool(), NewTestStateStore())

	assert.Equal(t, Slot{Index: 0}, p.SlotAt(f.epoch, testStart.Add(-time.Minute)))
	assert.Equal(t, Slot{Index: 0}, p.SlotAt(f.epoch, testStart))
	assert.Equal(t, Slot{Index: 0}, p.SlotAt(f.epoch, testStart.Add(999*time.Millisecond)))
	assert.Equal(t, Slot{Index: 1}, p.SlotAt(f.epoch, testStart.Add(time.Second)))
	assert.Equal(t, Slot{Index: 42}, p.SlotAt(f.epoch, testStart.Add(42500*time.Millisecond)))

	assert.True(t, p.SlotStart(f.epoch, 3).Equal(testStart.Add(3*time.Second)))
}

func TestTrimBody(t *testing.T) {
	txs := []Transaction{Transaction("aaaa"), Transaction("bbbb"), Transaction("cc")}
	assert.Len(t, trimBody(txs, 100), 3)
	assert.Len(t, trimBody(txs, 8), 2)
	assert.Len(t, trimBody(txs, 7), 1)
	assert.Empty(t, trimBody(txs, 3))
}

func TestProducerStateString(t *testing.T) {
	assert.Equal(t, "idle", ProducerIdle.String())
	assert.Equal(t, "observing", ProducerObserving.String())
	assert.Equal(t, "state(99)", ProducerState(99).String())
}
