// Package simulator runs an in-memory Albatross cluster: every node is a
// full albatross.Engine, connected through a simulated network with fault
// injection.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/edgedlt/albatross"
)

// Level represents a simulation difficulty level.
type Level int

const (
	// LevelHappyPath - Perfect network, no faults
	LevelHappyPath Level = iota

	// LevelByzantine - Packet loss, latency and replays
	LevelByzantine

	// LevelChaos - High fault rate
	LevelChaos
)

func (l Level) String() string {
	switch l {
	case LevelHappyPath:
		return "Happy Path"
	case LevelByzantine:
		return "Byzantine Weather"
	case LevelChaos:
		return "Chaos Mode"
	default:
		return "Unknown"
	}
}

// ParseLevel accepts a level number or its short name.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "0", "happy":
		return LevelHappyPath, nil
	case "1", "byzantine":
		return LevelByzantine, nil
	case "2", "chaos":
		return LevelChaos, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}

// NodeStatus represents the status of a node.
type NodeStatus string

const (
	NodeStatusActive      NodeStatus = "active"
	NodeStatusCrashed     NodeStatus = "crashed"
	NodeStatusPartitioned NodeStatus = "partitioned"
	NodeStatusFailed      NodeStatus = "failed"
)

// EventType categorizes events.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventBlock       EventType = "block"
	EventRejected    EventType = "rejected"
	EventCommit      EventType = "commit"
	EventViewChange  EventType = "view_change"
	EventEvidence    EventType = "evidence"
	EventMessageDrop EventType = "message_drop"
	EventNodeCrash   EventType = "node_crash"
	EventPartition   EventType = "partition"
	EventSafety      EventType = "safety_violation"
)

// Event is one entry of the simulation log.
type Event struct {
	Time        time.Duration `json:"time"`
	Type        EventType     `json:"type"`
	NodeID      int           `json:"nodeId"`
	TargetID    int           `json:"targetId,omitempty"`
	Height      uint32        `json:"height,omitempty"`
	Round       uint32        `json:"round,omitempty"`
	BlockHash   string        `json:"blockHash,omitempty"`
	Description string        `json:"description"`
}

// Config holds simulator configuration.
type Config struct {
	Level          Level
	Validators     int
	Observers      int
	BlocksPerEpoch uint32

	// Twins adds a second node for each of the first Twins validators,
	// running with the same keys. Twins sign independently and so
	// equivocate.
	Twins int

	SlotDuration time.Duration
	Seed         int64

	// Network overrides the level's network when set.
	Network *NetworkConfig

	// Registerer receives every node's metrics, labelled by node name.
	// If nil, each node gets a private registry.
	Registerer prometheus.Registerer

	Logger *zap.Logger

	// MaxEvents bounds the event log.
	MaxEvents int
}

// MaxValidators bounds the cluster size.
const MaxValidators = 64

// DefaultConfig returns the default simulator configuration.
func DefaultConfig() Config {
	return Config{
		Level:          LevelHappyPath,
		Validators:     4,
		BlocksPerEpoch: 8,
		SlotDuration:   200 * time.Millisecond,
		Seed:           42,
		MaxEvents:      1000,
	}
}

// Node is one simulated consensus node.
type Node struct {
	ID        int
	Name      string
	Validator bool
	Address   albatross.Address
	// TwinOf is the node whose keys this node shares, or -1.
	TwinOf int

	engine  *albatross.Engine
	mempool *albatross.TestMempool
	store   *albatross.TestStateStore

	mu      sync.RWMutex
	status  NodeStatus
	commits []albatross.Hash
}

// Engine returns the node's consensus engine.
func (n *Node) Engine() *albatross.Engine { return n.engine }

// Status returns the node's status.
func (n *Node) Status() NodeStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *Node) setStatus(s NodeStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = s
}

// NodeState is the observable state of a node.
type NodeState struct {
	ID              int        `json:"id"`
	Name            string     `json:"name"`
	Address         string     `json:"address"`
	Validator       bool       `json:"validator"`
	TwinOf          int        `json:"twinOf"`
	Status          NodeStatus `json:"status"`
	HeadHeight      uint32     `json:"headHeight"`
	FinalizedHeight uint32     `json:"finalizedHeight"`
	FinalizedHash   string     `json:"finalizedHash"`
	Epoch           uint32     `json:"epoch"`
	Round           uint32     `json:"round"`
	ForkTips        int        `json:"forkTips"`
	Commits         int        `json:"commits"`
}

// State is the full simulation state.
type State struct {
	Elapsed    time.Duration `json:"elapsed"`
	Level      string        `json:"level"`
	Running    bool          `json:"running"`
	Nodes      []NodeState   `json:"nodes"`
	Partitions [][]int       `json:"partitions"`
	Network    NetworkStats  `json:"network"`
	Events     []Event       `json:"events"`
}

// Simulator is the main simulation engine.
type Simulator struct {
	mu sync.RWMutex

	cfg     Config
	genesis *albatross.MacroBlock
	network *Network
	nodes   []*Node
	logger  *zap.Logger

	running bool
	started time.Time
	events  []Event
	onEvent func(Event)
}

// New creates a simulator. The genesis block starts at the current time so
// the slot clocks run in real time.
func New(cfg Config) (*Simulator, error) {
	if cfg.Validators < 1 || cfg.Validators > MaxValidators {
		return nil, fmt.Errorf("validators must be in [1, %d], got %d", MaxValidators, cfg.Validators)
	}
	if cfg.Observers < 0 {
		return nil, fmt.Errorf("observers must be non-negative, got %d", cfg.Observers)
	}
	if cfg.Twins < 0 || cfg.Twins > cfg.Validators {
		return nil, fmt.Errorf("twins must be in [0, %d], got %d", cfg.Validators, cfg.Twins)
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultConfig().MaxEvents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	keys, err := albatross.TestKeystores(fmt.Sprintf("albasim-%d", cfg.Seed), cfg.Validators)
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}
	genesis := albatross.TestGenesis(keys, time.Now())
	keys = albatross.SortedKeystores(keys, genesis)

	total := cfg.Validators + cfg.Observers + cfg.Twins
	names := make([]string, total)
	for i := range names {
		names[i] = fmt.Sprintf("node-%d", i)
		if i >= cfg.Validators+cfg.Observers {
			names[i] = fmt.Sprintf("twin-%d", i-cfg.Validators-cfg.Observers)
		}
	}
	netConfig := networkConfigForLevel(cfg.Level)
	if cfg.Network != nil {
		netConfig = *cfg.Network
	}

	s := &Simulator{
		cfg:     cfg,
		genesis: genesis,
		network: NewNetwork(names, netConfig, cfg.Seed),
		logger:  logger,
	}
	s.network.SetHooks(nil, func(from, to int, kind albatross.MessageKind) {
		s.addEvent(Event{
			Type:        EventMessageDrop,
			NodeID:      from,
			TargetID:    to,
			Description: fmt.Sprintf("%s from node %d to node %d dropped", kind, from, to),
		})
	})

	for i := 0; i < total; i++ {
		var ks *albatross.LocalKeystore
		twinOf := -1
		switch {
		case i < cfg.Validators:
			ks = keys[i]
		case i >= cfg.Validators+cfg.Observers:
			twinOf = i - cfg.Validators - cfg.Observers
			ks = keys[twinOf]
		}
		node, err := s.createNode(i, names[i], ks)
		if err != nil {
			return nil, fmt.Errorf("create node %d: %w", i, err)
		}
		node.TwinOf = twinOf
		s.nodes = append(s.nodes, node)
	}
	return s, nil
}

func (s *Simulator) createNode(id int, name string, ks *albatross.LocalKeystore) (*Node, error) {
	node := &Node{
		ID:        id,
		Name:      name,
		Validator: ks != nil,
		mempool:   albatross.NewTestMempool(),
		store:     albatross.NewTestStateStore(),
		status:    NodeStatusActive,
	}

	var reg prometheus.Registerer = prometheus.NewRegistry()
	if s.cfg.Registerer != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"node": name}, s.cfg.Registerer)
	}

	hooks := albatross.Hooks{
		OnBlock: func(b *albatross.MicroBlock) {
			s.addEvent(Event{
				Type:        EventBlock,
				NodeID:      id,
				Height:      b.Header.Height,
				BlockHash:   b.Hash().Short(),
				Description: fmt.Sprintf("node %d accepted micro block %d (slot %d)", id, b.Header.Height, b.Header.Slot),
			})
		},
		OnRejected: func(hash albatross.Hash, err error) {
			s.addEvent(Event{
				Type:        EventRejected,
				NodeID:      id,
				BlockHash:   hash.Short(),
				Description: fmt.Sprintf("node %d rejected %s: %v", id, hash.Short(), err),
			})
		},
		OnCommit: func(b *albatross.MacroBlock) {
			node.mu.Lock()
			node.commits = append(node.commits, b.Hash())
			node.mu.Unlock()
			s.addEvent(Event{
				Type:        EventCommit,
				NodeID:      id,
				Height:      b.Header.Height,
				BlockHash:   b.Hash().Short(),
				Description: fmt.Sprintf("node %d finalized epoch %d at height %d", id, b.Header.Epoch, b.Header.Height),
			})
		},
		OnViewChange: func(height, oldRound, newRound uint32) {
			s.addEvent(Event{
				Type:        EventViewChange,
				NodeID:      id,
				Height:      height,
				Round:       newRound,
				Description: fmt.Sprintf("node %d moved from round %d to %d at height %d", id, oldRound, newRound, height),
			})
		},
		OnEvidence: func(ev albatross.Evidence) {
			s.addEvent(Event{
				Type:        EventEvidence,
				NodeID:      id,
				TargetID:    int(ev.Offender()),
				Height:      ev.Height(),
				Description: fmt.Sprintf("node %d caught validator %d equivocating", id, ev.Offender()),
			})
		},
		OnSafetyViolation: func(err error) {
			s.addEvent(Event{Type: EventSafety, NodeID: id, Description: err.Error()})
		},
	}

	opts := []albatross.ConfigOption{
		albatross.WithBlocksPerEpoch(s.cfg.BlocksPerEpoch),
		albatross.WithSlotDuration(s.cfg.SlotDuration),
		albatross.WithGenesis(s.genesis),
		albatross.WithMempool(node.mempool),
		albatross.WithStateStore(node.store),
		albatross.WithTransport(s.network.Transport(id)),
		albatross.WithPacemaker(albatross.DemoPacemakerConfig()),
		albatross.WithRegisterer(reg),
		albatross.WithHooks(hooks),
		albatross.WithLogger(s.logger.Named(name)),
	}
	if ks != nil {
		opts = append(opts, albatross.WithKeystore(ks))
		node.Address = ks.Validator(0).Address
	}
	cfg, err := albatross.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	node.engine, err = albatross.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// networkConfigForLevel returns network configuration for a level.
func networkConfigForLevel(level Level) NetworkConfig {
	switch level {
	case LevelByzantine:
		return NetworkConfig{
			PacketLoss:        0.05,
			MinLatency:        10 * time.Millisecond,
			MaxLatency:        80 * time.Millisecond,
			ReplayProbability: 0.03,
			InboxSize:         1024,
		}
	case LevelChaos:
		return NetworkConfig{
			PacketLoss:        0.2,
			MinLatency:        50 * time.Millisecond,
			MaxLatency:        300 * time.Millisecond,
			ReplayProbability: 0.08,
			InboxSize:         1024,
		}
	default:
		return DefaultNetworkConfig()
	}
}

// Start starts every node.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("simulation already running")
	}
	s.running = true
	s.started = time.Now()
	s.mu.Unlock()

	for _, node := range s.nodes {
		if err := node.engine.Start(ctx); err != nil {
			return fmt.Errorf("start node %d: %w", node.ID, err)
		}
		go s.watch(node)
	}

	s.addEvent(Event{
		Type: EventStart,
		Description: fmt.Sprintf("simulation started with %d validators and %d observers at level %s",
			s.cfg.Validators, s.cfg.Observers, s.cfg.Level),
	})
	return nil
}

// watch marks a node failed when its engine stops with an error.
func (s *Simulator) watch(node *Node) {
	<-node.engine.Done()
	if err := node.engine.Err(); err != nil {
		node.setStatus(NodeStatusFailed)
		s.logger.Error("node failed", zap.Int("node", node.ID), zap.Error(err))
	}
}

// Stop stops every node and the network.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, node := range s.nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			n.engine.Stop()
		}(node)
	}
	wg.Wait()
	s.network.Close()

	s.addEvent(Event{Type: EventStop, Description: "simulation stopped"})
}

// IsRunning returns true if the simulation is running.
func (s *Simulator) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Nodes returns the simulated nodes.
func (s *Simulator) Nodes() []*Node { return s.nodes }

// Genesis returns the cluster's genesis block.
func (s *Simulator) Genesis() *albatross.MacroBlock { return s.genesis }

// SubmitTransactions queues txs in every validator's mempool. Twins also
// get a transaction of their own, so their blocks differ from their
// sibling's.
func (s *Simulator) SubmitTransactions(txs ...albatross.Transaction) {
	for _, node := range s.nodes {
		if !node.Validator {
			continue
		}
		node.mempool.Add(txs...)
		if node.TwinOf >= 0 {
			node.mempool.Add(albatross.Transaction(fmt.Sprintf("%s-%d", node.Name, node.mempool.Len())))
		}
	}
}

// CrashNode stops a node for good. Albatross engines do not restart; a
// crashed node leaves the simulation.
func (s *Simulator) CrashNode(id int) error {
	if id < 0 || id >= len(s.nodes) {
		return fmt.Errorf("invalid node ID: %d", id)
	}
	node := s.nodes[id]
	if node.Status() == NodeStatusCrashed {
		return nil
	}
	node.setStatus(NodeStatusCrashed)
	s.network.Crash(id)
	node.engine.Stop()

	s.addEvent(Event{
		Type:        EventNodeCrash,
		NodeID:      id,
		Description: fmt.Sprintf("node %d crashed", id),
	})
	return nil
}

// SetPartitions splits the network. Nodes in no group are isolated.
func (s *Simulator) SetPartitions(partitions [][]int) {
	s.network.SetPartitions(partitions)

	in := make(map[int]bool)
	for _, p := range partitions {
		for _, id := range p {
			in[id] = true
		}
	}
	for _, node := range s.nodes {
		node.mu.Lock()
		switch {
		case node.status == NodeStatusActive && !in[node.ID]:
			node.status = NodeStatusPartitioned
		case node.status == NodeStatusPartitioned && in[node.ID]:
			node.status = NodeStatusActive
		}
		node.mu.Unlock()
	}
	s.addEvent(Event{
		Type:        EventPartition,
		Description: fmt.Sprintf("network partitions set: %v", partitions),
	})
}

// ClearPartitions removes all network partitions.
func (s *Simulator) ClearPartitions() {
	s.network.ClearPartitions()
	for _, node := range s.nodes {
		node.mu.Lock()
		if node.status == NodeStatusPartitioned {
			node.status = NodeStatusActive
		}
		node.mu.Unlock()
	}
	s.addEvent(Event{Type: EventPartition, Description: "network partitions cleared"})
}

// SetOnEvent sets the callback for simulation events. It runs on engine
// goroutines and must not block.
func (s *Simulator) SetOnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

// GetState returns the current simulation state.
func (s *Simulator) GetState() State {
	nodes := make([]NodeState, len(s.nodes))
	for i, node := range s.nodes {
		cs := node.engine.State()
		node.mu.RLock()
		nodes[i] = NodeState{
			ID:              node.ID,
			Name:            node.Name,
			Validator:       node.Validator,
			TwinOf:          node.TwinOf,
			Status:          node.status,
			HeadHeight:      cs.HeadHeight,
			FinalizedHeight: cs.FinalizedHeight,
			FinalizedHash:   cs.FinalizedHash.Short(),
			Epoch:           cs.Epoch,
			Round:           cs.Round,
			ForkTips:        cs.ForkTips,
			Commits:         len(node.commits),
		}
		if node.Validator {
			nodes[i].Address = node.Address.String()
		}
		node.mu.RUnlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Elapsed:    s.elapsedLocked(),
		Level:      s.cfg.Level.String(),
		Running:    s.running,
		Nodes:      nodes,
		Partitions: s.network.Partitions(),
		Network:    s.network.Stats(),
		Events:     s.recentLocked(50),
	}
}

// Agreement reports whether every pair of nodes that finalized a height
// finalized the same block there.
func (s *Simulator) Agreement() error {
	for _, a := range s.nodes {
		for _, b := range s.nodes {
			if a.ID >= b.ID {
				continue
			}
			a.mu.RLock()
			b.mu.RLock()
			n := min(len(a.commits), len(b.commits))
			var err error
			for i := 0; i < n && err == nil; i++ {
				if a.commits[i] != b.commits[i] {
					err = fmt.Errorf("node %d and node %d disagree on commit %d: %s vs %s",
						a.ID, b.ID, i, a.commits[i].Short(), b.commits[i].Short())
				}
			}
			b.mu.RUnlock()
			a.mu.RUnlock()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Simulator) elapsedLocked() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

func (s *Simulator) addEvent(e Event) {
	s.mu.Lock()
	e.Time = s.elapsedLocked()
	s.events = append(s.events, e)
	if len(s.events) > s.cfg.MaxEvents {
		s.events = s.events[len(s.events)-s.cfg.MaxEvents:]
	}
	callback := s.onEvent
	s.mu.Unlock()

	if callback != nil {
		callback(e)
	}
}

func (s *Simulator) recentLocked(n int) []Event {
	if len(s.events) <= n {
		return append([]Event{}, s.events...)
	}
	return append([]Event{}, s.events[len(s.events)-n:]...)
}
