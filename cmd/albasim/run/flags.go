package run

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"

	"github.com/edgedlt/albatross/simulator"
)

const (
	ValidatorsKey  = "validators"
	ObserversKey   = "observers"
	EpochLengthKey = "epoch-length"
	SlotKey        = "slot"
	DurationKey    = "duration"
	EpochsKey      = "epochs"
	LevelKey       = "level"
	SeedKey        = "seed"
	TxRateKey      = "tx-rate"
	CrashKey       = "crash"
	CrashAfterKey  = "crash-after"
	MetricsAddrKey = "metrics-addr"
	LogLevelKey    = "log-level"
)

func AddFlags(flags *pflag.FlagSet) {
	d := simulator.DefaultConfig()
	flags.Int(ValidatorsKey, d.Validators, "Number of validators, each with weight 1")
	flags.Int(ObserversKey, 0, "Number of non-voting observer nodes")
	flags.Uint32(EpochLengthKey, d.BlocksPerEpoch, "Blocks per epoch, including the closing macro block")
	flags.Duration(SlotKey, d.SlotDuration, "Micro block slot duration")
	flags.Duration(DurationKey, 0, "Stop after this long (0 runs until interrupted or --epochs is reached)")
	flags.Uint32(EpochsKey, 0, "Stop once every live node finalized this many epochs (0 disables)")
	flags.String(LevelKey, "happy", "Network fault level: happy, byzantine or chaos")
	flags.Int64(SeedKey, d.Seed, "Seed for validator keys and network faults")
	flags.Int(TxRateKey, 10, "Transactions submitted per second")
	flags.Int(CrashKey, -1, "Node to crash (-1 crashes none)")
	flags.Duration(CrashAfterKey, 3*time.Second, "When to crash --crash")
	flags.String(MetricsAddrKey, "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.String(LogLevelKey, "info", "Engine log level")
}

type Config struct {
	Sim         simulator.Config
	Duration    time.Duration
	Epochs      uint32
	TxRate      int
	Crash       int
	CrashAfter  time.Duration
	MetricsAddr string
	LogLevel    zapcore.Level
}

func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{Sim: simulator.DefaultConfig()}
	var err error
	if cfg.Sim.Validators, err = flags.GetInt(ValidatorsKey); err != nil {
		return nil, err
	}
	if cfg.Sim.Observers, err = flags.GetInt(ObserversKey); err != nil {
		return nil, err
	}
	if cfg.Sim.BlocksPerEpoch, err = flags.GetUint32(EpochLengthKey); err != nil {
		return nil, err
	}
	if cfg.Sim.SlotDuration, err = flags.GetDuration(SlotKey); err != nil {
		return nil, err
	}
	if cfg.Sim.Seed, err = flags.GetInt64(SeedKey); err != nil {
		return nil, err
	}
	level, err := flags.GetString(LevelKey)
	if err != nil {
		return nil, err
	}
	if cfg.Sim.Level, err = simulator.ParseLevel(level); err != nil {
		return nil, err
	}

	if cfg.Duration, err = flags.GetDuration(DurationKey); err != nil {
		return nil, err
	}
	if cfg.Epochs, err = flags.GetUint32(EpochsKey); err != nil {
		return nil, err
	}
	if cfg.TxRate, err = flags.GetInt(TxRateKey); err != nil {
		return nil, err
	}
	if cfg.Crash, err = flags.GetInt(CrashKey); err != nil {
		return nil, err
	}
	if cfg.CrashAfter, err = flags.GetDuration(CrashAfterKey); err != nil {
		return nil, err
	}
	if cfg.MetricsAddr, err = flags.GetString(MetricsAddrKey); err != nil {
		return nil, err
	}
	logLevel, err := flags.GetString(LogLevelKey)
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = zapcore.ParseLevel(logLevel); err != nil {
		return nil, err
	}

	if cfg.TxRate < 0 {
		return nil, fmt.Errorf("--%s must be non-negative", TxRateKey)
	}
	if total := cfg.Sim.Validators + cfg.Sim.Observers; cfg.Crash >= total {
		return nil, fmt.Errorf("--%s %d out of range for %d nodes", CrashKey, cfg.Crash, total)
	}
	return cfg, nil
}
