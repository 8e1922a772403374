// Package config defines the single configuration struct every aegisd
// subcommand binds its flags onto (SPEC_FULL §1.1), following the reference
// project's single-flat-struct-plus-pflag pattern rather than a layered
// file-format parser.
package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Config bundles every knob the node binary needs: chain identity,
// consensus cadence, mempool admission limits, storage location, network
// listen address, and RPC timeout.
type Config struct {
	ChainIDHex string

	ListenAddr       string
	DataDir          string
	RPCCallTimeout   time.Duration
	LivenessProbeGap time.Duration

	MempoolPoolSize       int
	MempoolTxNumLimit     uint64
	MempoolCyclesLimitMax uint64
	MempoolTxSizeLimitMax int
	MempoolTimeoutGap     uint64

	ConsensusIntervalMillis uint64
	ProposeRatio            uint64
	PrevoteRatio            uint64
	PrecommitRatio          uint64
	BrakeRatio              uint64

	MetricsAddr string
}

// Default returns the configuration a freshly initialized node starts from,
// mirroring the reference project's in-code defaults rather than a
// shipped file.
func Default() Config {
	return Config{
		ChainIDHex: "0000000000000000000000000000000000000000000000000000000000000001",

		ListenAddr:       "0.0.0.0:3000",
		DataDir:          "./data",
		RPCCallTimeout:   5 * time.Second,
		LivenessProbeGap: 10 * time.Second,

		MempoolPoolSize:       20_000,
		MempoolTxNumLimit:     20_000,
		MempoolCyclesLimitMax: 10_000_000,
		MempoolTxSizeLimitMax: 1 << 20,
		MempoolTimeoutGap:     20,

		ConsensusIntervalMillis: 3000,
		ProposeRatio:            1300,
		PrevoteRatio:            1000,
		PrecommitRatio:          1000,
		BrakeRatio:              700,

		MetricsAddr: "0.0.0.0:9090",
	}
}

// BindFlags registers every Config field on fs, following the reference
// CLI's flat flag-per-field binding.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ChainIDHex, "chain-id", c.ChainIDHex, "hex-encoded 32-byte chain id")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "network dispatch listen address")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory holding the bolt-backed store")
	fs.DurationVar(&c.RPCCallTimeout, "rpc-timeout", c.RPCCallTimeout, "network dispatch RPC call timeout")
	fs.DurationVar(&c.LivenessProbeGap, "liveness-probe-interval", c.LivenessProbeGap, "not read by any component (the synchronizer's liveness probe ticks every 2s)")

	fs.IntVar(&c.MempoolPoolSize, "mempool-pool-size", c.MempoolPoolSize, "mempool ring buffer capacity")
	fs.Uint64Var(&c.MempoolTxNumLimit, "mempool-tx-num-limit", c.MempoolTxNumLimit, "max transactions packaged per block")
	fs.Uint64Var(&c.MempoolCyclesLimitMax, "mempool-cycles-limit-max", c.MempoolCyclesLimitMax, "max cycles limit accepted per transaction")
	fs.IntVar(&c.MempoolTxSizeLimitMax, "mempool-tx-size-limit-max", c.MempoolTxSizeLimitMax, "max serialized transaction size in bytes")
	fs.Uint64Var(&c.MempoolTimeoutGap, "mempool-timeout-gap", c.MempoolTimeoutGap, "max height window a transaction's timeout may fall within")

	fs.Uint64Var(&c.ConsensusIntervalMillis, "consensus-interval-ms", c.ConsensusIntervalMillis, "base consensus round interval in milliseconds")
	fs.Uint64Var(&c.ProposeRatio, "propose-ratio", c.ProposeRatio, "propose phase timeout ratio")
	fs.Uint64Var(&c.PrevoteRatio, "prevote-ratio", c.PrevoteRatio, "prevote phase timeout ratio")
	fs.Uint64Var(&c.PrecommitRatio, "precommit-ratio", c.PrecommitRatio, "precommit phase timeout ratio")
	fs.Uint64Var(&c.BrakeRatio, "brake-ratio", c.BrakeRatio, "brake phase timeout ratio")

	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "prometheus /metrics listen address")
}
