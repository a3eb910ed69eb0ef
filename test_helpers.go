package albatross

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// In-memory collaborators for tests and simulations.

// Compile-time interface verification.
var (
	_ Mempool    = (*TestMempool)(nil)
	_ StateStore = (*TestStateStore)(nil)
	_ Transport  = (*TestTransport)(nil)
	_ Clock      = (*TestClock)(nil)
)

// TestMempool is a FIFO mempool.
type TestMempool struct {
	mu  sync.Mutex
	txs []Transaction
}

func NewTestMempool() *TestMempool {
	return &TestMempool{}
}

// Add queues transactions.
func (m *TestMempool) Add(txs ...Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, txs...)
}

// Len returns the number of queued transactions.
func (m *TestMempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// TakeTransactions pops transactions while they fit in maxBytes.
func (m *TestMempool) TakeTransactions(_ context.Context, maxBytes int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transaction
	size := 0
	for len(m.txs) > 0 && size+len(m.txs[0]) <= maxBytes {
		size += len(m.txs[0])
		out = append(out, m.txs[0])
		m.txs = m.txs[1:]
	}
	return out, nil
}

// ErrTestStoreDown is returned by a TestStateStore set to fail.
var ErrTestStoreDown = errors.New("test state store down")

// InvalidTestTransaction is rejected by TestStateStore as an invalid
// transition.
var InvalidTestTransaction = Transaction("invalid")

// TestStateStore chains state roots by hashing: the root after a batch is
// the SHA-256 of the parent root and every transaction.
type TestStateStore struct {
	mu      sync.Mutex
	failing bool
	applied int
}

func NewTestStateStore() *TestStateStore {
	return &TestStateStore{}
}

// SetFailing makes Apply fail with ErrTestStoreDown.
func (s *TestStateStore) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = fail
}

// Applied returns how many batches were applied.
func (s *TestStateStore) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func (s *TestStateStore) Apply(ctx context.Context, parentRoot Hash, txs []Transaction) (Hash, error) {
	if err := ctx.Err(); err != nil {
		return Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return Hash{}, ErrTestStoreDown
	}
	for i, tx := range txs {
		if string(tx) == string(InvalidTestTransaction) {
			return Hash{}, fmt.Errorf("%w: transaction %d rejected", ErrInvalidTransition, i)
		}
	}
	s.applied++
	return TestStateRoot(parentRoot, txs), nil
}

// TestStateRoot computes the root TestStateStore returns for a valid batch.
func TestStateRoot(parentRoot Hash, txs []Transaction) Hash {
	h := sha256.New()
	h.Write(parentRoot[:])
	for _, tx := range txs {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(tx)))
		h.Write(n[:])
		h.Write(tx)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// TestNetwork connects TestTransports in memory. Messages are delivered to
// every other endpoint unless a filter drops them.
type TestNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*TestTransport
	order     []string
	filter    func(from, to string, payload []byte) bool
	sent      int
}

func NewTestNetwork() *TestNetwork {
	return &TestNetwork{endpoints: make(map[string]*TestTransport)}
}

// Join creates the endpoint for name.
func (n *TestNetwork) Join(name string, buffer int) *TestTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &TestTransport{name: name, net: n, in: make(chan Envelope, buffer)}
	n.endpoints[name] = t
	n.order = append(n.order, name)
	return t
}

// SetFilter installs a delivery filter. Returning false drops the message
// for that receiver. A nil filter delivers everything.
func (n *TestNetwork) SetFilter(f func(from, to string, payload []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Partition delivers only between endpoints of the same group. Endpoints
// in no group are isolated.
func (n *TestNetwork) Partition(groups ...[]string) {
	side := make(map[string]int)
	for i, g := range groups {
		for _, name := range g {
			side[name] = i + 1
		}
	}
	n.SetFilter(func(from, to string, _ []byte) bool {
		return side[from] != 0 && side[from] == side[to]
	})
}

// Heal removes any filter.
func (n *TestNetwork) Heal() { n.SetFilter(nil) }

// Sent returns the number of broadcasts.
func (n *TestNetwork) Sent() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sent
}

func (n *TestNetwork) deliver(from string, payload []byte) {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, name := range n.order {
		if name == from {
			continue
		}
		if n.filter != nil && !n.filter(from, name, payload) {
			continue
		}
		n.endpoints[name].push(Envelope{From: from, Payload: payload})
	}
}

// TestTransport is one endpoint of a TestNetwork.
type TestTransport struct {
	name    string
	net     *TestNetwork
	in      chan Envelope
	mu      sync.Mutex
	dropped int
}

// Broadcast delivers payload to the other endpoints.
func (t *TestTransport) Broadcast(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.net.deliver(t.name, payload)
	return nil
}

// Receive returns the inbound channel.
func (t *TestTransport) Receive() <-chan Envelope { return t.in }

// Inject delivers a raw payload to this endpoint only.
func (t *TestTransport) Inject(from string, payload []byte) {
	t.push(Envelope{From: from, Payload: payload})
}

// Dropped returns how many inbound messages overflowed the buffer.
func (t *TestTransport) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func (t *TestTransport) push(env Envelope) {
	select {
	case t.in <- env:
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
	}
}

// TestClock is a settable clock.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewTestClock(now time.Time) *TestClock {
	return &TestClock{now: now}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *TestClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestKeystores derives n deterministic keystores from name.
func TestKeystores(name string, n int) ([]*LocalKeystore, error) {
	out := make([]*LocalKeystore, n)
	for i := range out {
		seed := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", name, i)))
		ks, err := LocalKeystoreFromSeed(seed[:])
		if err != nil {
			return nil, err
		}
		out[i] = ks
	}
	return out, nil
}

// TestGenesis builds a genesis block with every keystore at weight 1,
// starting at start.
func TestGenesis(keys []*LocalKeystore, start time.Time) *MacroBlock {
	vals := make([]Validator, len(keys))
	for i, k := range keys {
		vals[i] = k.Validator(1)
	}
	return NewGenesis(Genesis{
		Validators: vals,
		Seed:       Seed(sha256.Sum256([]byte("albatross-test-genesis"))),
		StateRoot:  HashOf([]byte("albatross-test-state")),
		Timestamp:  millis(start),
	})
}

// SortedKeystores returns keys reordered to match the validator indices of
// genesis.
func SortedKeystores(keys []*LocalKeystore, genesis *MacroBlock) []*LocalKeystore {
	set, err := NewValidatorSet(genesis.Header.NextValidators)
	if err != nil {
		return nil
	}
	out := make([]*LocalKeystore, set.Len())
	for _, k := range keys {
		if idx, ok := set.IndexOf(k.Validator(0).Address); ok {
			out[idx] = k
		}
	}
	return out
}
