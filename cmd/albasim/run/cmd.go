package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgedlt/albatross"
	"github.com/edgedlt/albatross/simulator"
)

func Command(logger *zap.Logger) *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs an in-memory Albatross cluster",
		RunE: func(c *cobra.Command, args []string) error {
			return runFunc(c, args, logger)
		},
	}
	AddFlags(c.Flags())
	return c
}

func runFunc(c *cobra.Command, args []string, logger *zap.Logger) error {
	config, err := ParseFlags(c.Flags(), args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if config.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Duration)
		defer cancel()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	config.Sim.Registerer = reg
	config.Sim.Logger = logger.Named("engine").WithOptions(zap.IncreaseLevel(config.LogLevel))

	sim, err := simulator.New(config.Sim)
	if err != nil {
		return err
	}
	sim.SetOnEvent(func(e simulator.Event) {
		switch e.Type {
		case simulator.EventCommit, simulator.EventViewChange, simulator.EventNodeCrash, simulator.EventPartition:
			logger.Info(e.Description, zap.Duration("at", e.Time))
		case simulator.EventEvidence, simulator.EventSafety:
			logger.Warn(e.Description, zap.Duration("at", e.Time))
		}
	})

	for _, n := range sim.Nodes() {
		if n.Validator {
			logger.Info("validator", zap.String("node", n.Name), zap.Stringer("address", n.Address))
		}
	}

	if config.MetricsAddr != "" {
		srv := &http.Server{Addr: config.MetricsAddr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", zap.String("addr", config.MetricsAddr))
	}

	if err := sim.Start(ctx); err != nil {
		return err
	}
	defer sim.Stop()

	return drive(ctx, sim, config, logger)
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// drive feeds transactions, injects the configured crash and reports
// progress until ctx ends or the epoch target is reached.
func drive(ctx context.Context, sim *simulator.Simulator, config *Config, logger *zap.Logger) error {
	var txTick <-chan time.Time
	if config.TxRate > 0 {
		t := time.NewTicker(time.Second / time.Duration(config.TxRate))
		defer t.Stop()
		txTick = t.C
	}
	var crash <-chan time.Time
	if config.Crash >= 0 {
		t := time.NewTimer(config.CrashAfter)
		defer t.Stop()
		crash = t.C
	}
	report := time.NewTicker(2 * time.Second)
	defer report.Stop()

	target := config.Epochs * config.Sim.BlocksPerEpoch
	var txs int
	for {
		select {
		case <-ctx.Done():
			logSummary(sim, logger)
			return sim.Agreement()
		case <-txTick:
			txs++
			sim.SubmitTransactions(albatross.Transaction(fmt.Sprintf("tx-%d", txs)))
		case <-crash:
			if err := sim.CrashNode(config.Crash); err != nil {
				return err
			}
		case <-report.C:
			state := sim.GetState()
			logSummary(sim, logger)
			if target > 0 && reached(state, target) {
				logger.Info("epoch target reached", zap.Uint32("epochs", config.Epochs))
				return sim.Agreement()
			}
		}
	}
}

func reached(state simulator.State, height uint32) bool {
	for _, n := range state.Nodes {
		if n.Status == simulator.NodeStatusCrashed {
			continue
		}
		if n.FinalizedHeight < height {
			return false
		}
	}
	return true
}

func logSummary(sim *simulator.Simulator, logger *zap.Logger) {
	state := sim.GetState()
	for _, n := range state.Nodes {
		logger.Info("node",
			zap.String("name", n.Name),
			zap.String("status", string(n.Status)),
			zap.Uint32("head", n.HeadHeight),
			zap.Uint32("finalized", n.FinalizedHeight),
			zap.String("hash", n.FinalizedHash),
			zap.Uint32("epoch", n.Epoch),
			zap.Uint32("round", n.Round),
			zap.Int("tips", n.ForkTips))
	}
	logger.Info("network",
		zap.Duration("elapsed", state.Elapsed),
		zap.Int("sent", state.Network.MessagesSent),
		zap.Int("dropped", state.Network.MessagesDropped))
}
