package albatross

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testBlocksPerEpoch = 8

var testStart = time.UnixMilli(1_700_000_000_000)

// fixture is a validator set with keys ordered by validator index, its
// genesis block and the epoch it opens.
type fixture struct {
	keys    []*LocalKeystore
	genesis *MacroBlock
	set     *ValidatorSet
	epoch   *Epoch
	policy  Policy
}

func newFixture(t testing.TB, n int) *fixture {
	t.Helper()
	raw, err := TestKeystores("fixture", n)
	require.NoError(t, err)
	genesis := TestGenesis(raw, testStart)
	set, err := NewValidatorSet(genesis.Header.NextValidators)
	require.NoError(t, err)
	policy := Policy{BlocksPerEpoch: testBlocksPerEpoch}
	reg, err := NewRegistry(policy, genesis, 0, nil)
	require.NoError(t, err)
	return &fixture{
		keys:    SortedKeystores(raw, genesis),
		genesis: genesis,
		set:     set,
		epoch:   reg.Current(),
		policy:  policy,
	}
}

func (f *fixture) signer(i int) *SafeSigner {
	return NewSafeSigner(f.keys[i], zap.NewNop())
}

// vote signs a vote with validator i's keys directly, bypassing the
// double-sign guard.
func (f *fixture) vote(t testing.TB, i int, height, round uint32, step Step, hash Hash) *Vote {
	t.Helper()
	v := &Vote{Height: height, Round: round, Step: step, BlockHash: hash, Signer: uint16(i)}
	sig, err := f.keys[i].SignVoting(v.SignBytes())
	require.NoError(t, err)
	v.Signature = sig
	return v
}

// leader returns the validator leading slot of the fixture epoch.
func (f *fixture) leader(slot uint32) int {
	return int(SelectLeader(f.epoch.Seed, f.set, Slot{Epoch: f.epoch.Number, Index: slot}))
}

// slotTime returns a time inside slot of the fixture epoch.
func (f *fixture) slotTime(slot uint32) time.Time {
	return testStart.Add(time.Duration(slot)*DefaultSlotDuration + DefaultSlotDuration/2)
}

// config builds a Config for validator i. i < 0 builds an observer.
func (f *fixture) config(t testing.TB, i int, transport Transport, opts ...ConfigOption) *Config {
	t.Helper()
	if transport == nil {
		transport = NewTestNetwork().Join("solo", 16)
	}
	base := []ConfigOption{
		WithPolicy(f.policy),
		WithGenesis(f.genesis),
		WithMempool(NewTestMempool()),
		WithStateStore(NewTestStateStore()),
		WithTransport(transport),
		WithLogger(zaptest.NewLogger(t).WithOptions(zap.IncreaseLevel(zap.InfoLevel))),
	}
	if i >= 0 {
		base = append(base, WithKeystore(f.keys[i]))
	}
	cfg, err := NewConfig(append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}

// producer returns a Producer for validator i over the given collaborators.
func (f *fixture) producer(t testing.TB, i int, mempool Mempool, store StateStore) *Producer {
	t.Helper()
	cfg := f.config(t, i, nil, WithMempool(mempool), WithStateStore(store))
	var signer *SafeSigner
	if i >= 0 {
		signer = f.signer(i)
	}
	return NewProducer(cfg, signer)
}

// chain produces micro blocks for the first count slots that have a
// leader, starting on genesis, and returns them in order.
func (f *fixture) chain(t testing.TB, store StateStore, count int) []*MicroBlock {
	t.Helper()
	var out []*MicroBlock
	var parent Block = f.genesis
	producers := make(map[int]*Producer)
	for slot := uint32(0); len(out) < count; slot++ {
		l := f.leader(slot)
		p, ok := producers[l]
		if !ok {
			p = f.producer(t, l, NewTestMempool(), store)
			producers[l] = p
		}
		b, err := p.Produce(context.Background(), parent, f.epoch, Slot{Epoch: 0, Index: slot}, f.slotTime(slot))
		require.NoError(t, err)
		out = append(out, b)
		parent = b
	}
	return out
}
