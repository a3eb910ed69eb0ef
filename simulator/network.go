package simulator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/edgedlt/albatross"
)

// Network delivers encoded consensus messages between simulated nodes with
// fault injection: packet loss, latency, replay, partitions and crashes.
type Network struct {
	mu sync.Mutex

	inboxes []chan albatross.Envelope
	names   []string
	config  NetworkConfig

	partitions [][]int // Groups of nodes that can communicate
	crashed    map[int]bool
	rng        *rand.Rand
	timers     map[*time.Timer]struct{}
	closed     bool

	stats NetworkStats

	onSent func(from, to int, kind albatross.MessageKind)
	onDrop func(from, to int, kind albatross.MessageKind)
}

// NetworkConfig configures network fault injection.
type NetworkConfig struct {
	// PacketLoss is the probability of dropping a message (0.0 - 1.0)
	PacketLoss float64

	// MinLatency is the minimum message delay
	MinLatency time.Duration

	// MaxLatency is the maximum message delay
	MaxLatency time.Duration

	// ReplayProbability is the chance of delivering a message twice (0.0 - 1.0)
	ReplayProbability float64

	// InboxSize is the per-node receive buffer. Overflow is dropped.
	InboxSize int
}

// DefaultNetworkConfig returns a default (no faults) network configuration.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		MinLatency: time.Millisecond,
		MaxLatency: 10 * time.Millisecond,
		InboxSize:  1024,
	}
}

// NetworkStats contains network statistics.
type NetworkStats struct {
	MessagesSent    int `json:"messagesSent"`
	MessagesDropped int `json:"messagesDropped"`
	MessagesDelayed int `json:"messagesDelayed"`
}

// NewNetwork creates a network for the named nodes. Node IDs are indices
// into names.
func NewNetwork(names []string, config NetworkConfig, seed int64) *Network {
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultNetworkConfig().InboxSize
	}
	inboxes := make([]chan albatross.Envelope, len(names))
	for i := range inboxes {
		inboxes[i] = make(chan albatross.Envelope, config.InboxSize)
	}
	return &Network{
		inboxes: inboxes,
		names:   append([]string(nil), names...),
		config:  config,
		crashed: make(map[int]bool),
		rng:     rand.New(rand.NewSource(seed)),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Transport returns the albatross.Transport of node id.
func (n *Network) Transport(id int) albatross.Transport {
	return &nodeTransport{id: id, net: n}
}

// SetHooks installs delivery observers. Either may be nil. They are called
// without the network lock held.
func (n *Network) SetHooks(onSent, onDrop func(from, to int, kind albatross.MessageKind)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSent, n.onDrop = onSent, onDrop
}

// SetPartitions configures network partitions. Each partition is a group
// of node IDs that can communicate with each other. Nodes in no group are
// isolated.
func (n *Network) SetPartitions(partitions [][]int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions = partitions
}

// ClearPartitions removes all network partitions.
func (n *Network) ClearPartitions() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions = nil
}

// Partitions returns a copy of the current partitions.
func (n *Network) Partitions() [][]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.partitions == nil {
		return nil
	}
	result := make([][]int, len(n.partitions))
	for i, p := range n.partitions {
		result[i] = append([]int{}, p...)
	}
	return result
}

// Crash stops all traffic to and from node id.
func (n *Network) Crash(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.crashed[id] = true
}

// Stats returns network statistics.
func (n *Network) Stats() NetworkStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Close cancels pending delayed deliveries. Later broadcasts are dropped.
func (n *Network) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for t := range n.timers {
		t.Stop()
	}
	n.timers = nil
}

type delivery struct {
	to      int
	dropped bool
}

func (n *Network) broadcast(from int, payload []byte) {
	kind := albatross.MessageKind(0)
	if len(payload) > 0 {
		kind = albatross.MessageKind(payload[0])
	}

	n.mu.Lock()
	if n.closed || n.crashed[from] {
		n.mu.Unlock()
		return
	}
	var out []delivery
	for to := range n.inboxes {
		if to == from || n.crashed[to] {
			continue
		}
		out = append(out, delivery{to: to, dropped: !n.sendLocked(from, to, payload)})
	}
	onSent, onDrop := n.onSent, n.onDrop
	n.mu.Unlock()

	for _, d := range out {
		if d.dropped && onDrop != nil {
			onDrop(from, d.to, kind)
		} else if !d.dropped && onSent != nil {
			onSent(from, d.to, kind)
		}
	}
}

// sendLocked queues payload for one receiver and reports whether it was
// accepted. Must hold mu.
func (n *Network) sendLocked(from, to int, payload []byte) bool {
	if n.isPartitioned(from, to) {
		n.stats.MessagesDropped++
		return false
	}
	if n.config.PacketLoss > 0 && n.rng.Float64() < n.config.PacketLoss {
		n.stats.MessagesDropped++
		return false
	}
	n.stats.MessagesSent++

	env := albatross.Envelope{From: n.names[from], Payload: payload}
	copies := 1
	if n.config.ReplayProbability > 0 && n.rng.Float64() < n.config.ReplayProbability {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		delay := n.delayLocked()
		if delay <= 0 {
			n.pushLocked(to, env)
			continue
		}
		n.stats.MessagesDelayed++
		var t *time.Timer
		t = time.AfterFunc(delay, func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if n.closed {
				return
			}
			delete(n.timers, t)
			if !n.crashed[to] {
				n.pushLocked(to, env)
			}
		})
		n.timers[t] = struct{}{}
	}
	return true
}

func (n *Network) delayLocked() time.Duration {
	lo, hi := n.config.MinLatency, n.config.MaxLatency
	if hi > lo {
		return lo + time.Duration(n.rng.Int63n(int64(hi-lo)))
	}
	return lo
}

func (n *Network) pushLocked(to int, env albatross.Envelope) {
	select {
	case n.inboxes[to] <- env:
	default:
		n.stats.MessagesDropped++
	}
}

// isPartitioned checks if two nodes are separated. Must hold mu.
func (n *Network) isPartitioned(from, to int) bool {
	if len(n.partitions) == 0 {
		return false
	}
	side := func(id int) int {
		for i, p := range n.partitions {
			for _, node := range p {
				if node == id {
					return i
				}
			}
		}
		return -1
	}
	a, b := side(from), side(to)
	return a == -1 || a != b
}

// nodeTransport adapts the network for one node.
type nodeTransport struct {
	id  int
	net *Network
}

func (t *nodeTransport) Broadcast(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.net.broadcast(t.id, payload)
	return nil
}

func (t *nodeTransport) Receive() <-chan albatross.Envelope {
	return t.net.inboxes[t.id]
}
