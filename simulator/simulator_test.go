package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/edgedlt/albatross"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.SlotDuration = 50 * time.Millisecond
	cfg.Logger = zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	return cfg
}

// waitFinalized polls until every listed node finalized height.
func waitFinalized(t *testing.T, sim *Simulator, height uint32, nodes ...int) {
	t.Helper()
	require.Eventually(t, func() bool {
		state := sim.GetState()
		for _, id := range nodes {
			if state.Nodes[id].FinalizedHeight < height {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond)
}

func TestSimulatorHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig(t)
	cfg.Observers = 1
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg

	sim, err := New(cfg)
	require.NoError(t, err)
	sim.SubmitTransactions(albatross.Transaction("hello"), albatross.Transaction("world"))

	var commits int
	events := make(chan Event, 4096)
	sim.SetOnEvent(func(e Event) {
		select {
		case events <- e:
		default:
		}
	})

	require.NoError(t, sim.Start(context.Background()))
	assert.Error(t, sim.Start(context.Background()))
	waitFinalized(t, sim, 16, 0, 1, 2, 3, 4)
	sim.Stop()
	assert.False(t, sim.IsRunning())

	close(events)
	for e := range events {
		if e.Type == EventCommit {
			commits++
		}
	}
	assert.GreaterOrEqual(t, commits, 10, "5 nodes should each report two commits")
	require.NoError(t, sim.Agreement())

	state := sim.GetState()
	assert.Equal(t, "Happy Path", state.Level)
	for _, n := range state.Nodes {
		assert.Equal(t, NodeStatusActive, n.Status, n.Name)
		assert.GreaterOrEqual(t, n.Commits, 2, n.Name)
	}
	assert.False(t, state.Nodes[4].Validator)
	assert.Empty(t, state.Nodes[4].Address)
	assert.NotEmpty(t, state.Nodes[0].Address)

	// Every node registered its metrics under its own label.
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestSimulatorSurvivesCrash(t *testing.T) {
	defer goleak.VerifyNone(t)

	sim, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, sim.Start(context.Background()))
	defer sim.Stop()

	// One of four holds less than a third: the rest finalize alone.
	require.NoError(t, sim.CrashNode(3))
	require.NoError(t, sim.CrashNode(3))
	assert.Error(t, sim.CrashNode(9))

	waitFinalized(t, sim, 16, 0, 1, 2)
	assert.Equal(t, NodeStatusCrashed, sim.GetState().Nodes[3].Status)
	require.NoError(t, sim.Agreement())
}

func TestSimulatorMinorityPartitionStalls(t *testing.T) {
	defer goleak.VerifyNone(t)

	sim, err := New(testConfig(t))
	require.NoError(t, err)

	// Two against two: neither side reaches 3 of 4.
	sim.SetPartitions([][]int{{0, 1}, {2, 3}})
	require.NoError(t, sim.Start(context.Background()))
	defer sim.Stop()

	time.Sleep(1500 * time.Millisecond)
	for _, n := range sim.GetState().Nodes {
		assert.Equal(t, uint32(0), n.FinalizedHeight, n.Name)
	}
	assert.NotEmpty(t, sim.GetState().Partitions)

	sim.ClearPartitions()
	assert.Empty(t, sim.GetState().Partitions)
	for _, n := range sim.GetState().Nodes {
		assert.Equal(t, NodeStatusActive, n.Status)
	}
}

func TestSimulatorIsolatedNodeStatus(t *testing.T) {
	sim, err := New(testConfig(t))
	require.NoError(t, err)

	sim.SetPartitions([][]int{{0, 1, 2}})
	state := sim.GetState()
	assert.Equal(t, NodeStatusPartitioned, state.Nodes[3].Status)
	assert.Equal(t, NodeStatusActive, state.Nodes[0].Status)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Validators = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.BlocksPerEpoch = 1
	_, err = New(cfg)
	assert.ErrorIs(t, err, albatross.ErrConfig)

	cfg = testConfig(t)
	cfg.Twins = cfg.Validators + 1
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestTwinNodesShareKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observers = 1
	cfg.Twins = 1
	sim, err := New(cfg)
	require.NoError(t, err)

	nodes := sim.Nodes()
	require.Len(t, nodes, cfg.Validators+2)
	twin := nodes[len(nodes)-1]
	assert.Equal(t, "twin-0", twin.Name)
	assert.Equal(t, 0, twin.TwinOf)
	assert.True(t, twin.Validator)
	assert.Equal(t, nodes[0].Address, twin.Address)
	assert.Equal(t, -1, nodes[0].TwinOf)
	assert.False(t, nodes[cfg.Validators].Validator)

	sim.SubmitTransactions(albatross.Transaction("tx"))
	assert.Equal(t, 1, nodes[0].mempool.Len())
	assert.Equal(t, 2, twin.mempool.Len())
	assert.Equal(t, 0, nodes[cfg.Validators].mempool.Len())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"0": LevelHappyPath, "happy": LevelHappyPath,
		"1": LevelByzantine, "byzantine": LevelByzantine,
		"2": LevelChaos, "chaos": LevelChaos,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("calm")
	assert.Error(t, err)
	assert.Equal(t, "Unknown", Level(7).String())
}
