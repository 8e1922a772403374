// Command aegisd runs a single aegis validator: Network Dispatch, the
// Consensus Adapter and Engine, the Synchronizer, and a prometheus metrics
// server, wired together the way the reference project's empower1d
// entrypoint wires its own components (SPEC_FULL §1.1).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/config"
	"github.com/aegischain/aegis/internal/consensus"
	"github.com/aegischain/aegis/internal/crypto"
	"github.com/aegischain/aegis/internal/executor"
	"github.com/aegischain/aegis/internal/mempool"
	"github.com/aegischain/aegis/internal/metadata"
	"github.com/aegischain/aegis/internal/metrics"
	"github.com/aegischain/aegis/internal/network"
	"github.com/aegischain/aegis/internal/status"
	"github.com/aegischain/aegis/internal/storage"
	"github.com/aegischain/aegis/internal/sync"
	"github.com/aegischain/aegis/internal/types"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aegisd: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := newRootCommand(sugar).Execute(); err != nil {
		sugar.Fatalw("aegisd exited with error", "error", err)
	}
}

func runNode(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chainID, err := parseChainID(cfg.ChainIDHex)
	if err != nil {
		return err
	}

	wallet, err := loadOrCreateWallet(filepath.Join(cfg.DataDir, walletFileName))
	if err != nil {
		return fmt.Errorf("loading validator wallet: %w", err)
	}
	blsSuite := crypto.NewBLSSuite()
	blsPriv, err := crypto.GenerateBLSPrivateKey()
	if err != nil {
		return fmt.Errorf("generating BLS key: %w", err)
	}

	store, err := storage.Open(filepath.Join(cfg.DataDir, "store.bolt"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	selfValidator := types.Validator{
		Address:       wallet.Address(),
		ProposeWeight: 1,
		VoteWeight:    1,
		BLSPublicKey:  blsSuite.BLSPublicKey(blsPriv),
	}
	validators := types.ValidatorSet{Validators: []types.Validator{selfValidator}}.Sorted()

	reg := metrics.NewRegistry()

	initial := status.Status{
		LatestCommittedHeight:   0,
		Validators:              validators,
		ConsensusIntervalMillis: cfg.ConsensusIntervalMillis,
		ProposeRatio:            cfg.ProposeRatio,
		PrevoteRatio:            cfg.PrevoteRatio,
		PrecommitRatio:          cfg.PrecommitRatio,
		BrakeRatio:              cfg.BrakeRatio,
		TxNumLimit:              cfg.MempoolTxNumLimit,
		CyclesLimit:             cfg.MempoolCyclesLimitMax,
		TxSizeLimit:             uint64(cfg.MempoolTxSizeLimitMax),
		TimeoutGap:              cfg.MempoolTimeoutGap,
	}
	statusAgent, err := status.New(logger.Named("status"), reg, initial)
	if err != nil {
		return fmt.Errorf("starting status agent: %w", err)
	}

	metaSvc := metadata.New(status.Metadata{
		ConsensusIntervalMillis: cfg.ConsensusIntervalMillis,
		ProposeRatio:            cfg.ProposeRatio,
		PrevoteRatio:            cfg.PrevoteRatio,
		PrecommitRatio:          cfg.PrecommitRatio,
		BrakeRatio:              cfg.BrakeRatio,
		TxNumLimit:              cfg.MempoolTxNumLimit,
		CyclesLimit:             cfg.MempoolCyclesLimitMax,
		TxSizeLimit:             uint64(cfg.MempoolTxSizeLimitMax),
		TimeoutGap:              cfg.MempoolTimeoutGap,
		Validators:              validators,
	})

	ledger := executor.NewLedger(nil)
	exec := executor.New(ledger, logger)

	dispatch := network.NewDispatch(wallet.Address(), cfg.RPCCallTimeout, logger)
	consensusNet := network.NewConsensusNetwork(dispatch)
	mempoolNet := network.NewMempoolNetwork(dispatch)
	remoteSource := network.NewRemoteSource(dispatch)

	mp, err := mempool.New(mempool.Config{
		ChainID:          chainID,
		PoolSize:         cfg.MempoolPoolSize,
		TxNumLimit:       cfg.MempoolTxNumLimit,
		CyclesLimitMax:   cfg.MempoolCyclesLimitMax,
		TxSizeLimitMax:   cfg.MempoolTxSizeLimitMax,
		TimeoutGap:       cfg.MempoolTimeoutGap,
		BroadcastTxsSize: 200,
	}, mempoolNet, mempoolNet, store, logger.Named("mempool"), reg)
	if err != nil {
		return fmt.Errorf("starting mempool: %w", err)
	}
	mp.Start()
	defer mp.Stop()

	mempoolNet.HandleInboundTxs(func(_ types.Address, txs []types.SignedTransaction) error {
		for _, tx := range txs {
			if err := mp.Insert(ctx, tx); err != nil {
				logger.Debugw("rejected gossiped transaction", "error", err)
			}
		}
		return nil
	})
	mempoolNet.HandlePullTxs(mp.GetFullTxs)

	adapter := consensus.NewAdapter(chainID, mp, statusAgent, store, exec, metaSvc, consensusNet)

	remoteSource.HandlePulls(
		func(height uint64) (types.RichBlock, error) {
			block, err := store.GetBlockByHeight(height)
			if err != nil {
				return types.RichBlock{}, err
			}
			txs, err := mp.GetFullTxs(block.TxHashes)
			if err != nil {
				return types.RichBlock{}, err
			}
			return types.RichBlock{Block: block, SignedTxs: txs}, nil
		},
		func(height uint64) (types.Proof, error) {
			snap := statusAgent.Snapshot()
			if height != snap.LatestCommittedHeight {
				return types.Proof{}, fmt.Errorf("aegisd: no proof cached for height %d", height)
			}
			return snap.CurrentProof, nil
		},
	)

	engine, err := consensus.NewEngine(adapter, consensus.EngineConfig{
		LocalAddress:  wallet.Address(),
		BLSPrivateKey: blsPriv,
	}, clock.New(), logger.Named("engine"), reg)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	synchronizer, err := sync.New(adapter, statusAgent, remoteSource, clock.New(), logger.Named("sync"), reg)
	if err != nil {
		return fmt.Errorf("starting synchronizer: %w", err)
	}

	consensusNet.HandleInbound(
		func(_ types.Address, p consensus.Proposal) error { engine.HandleProposal(p); return nil },
		func(_ types.Address, v consensus.Vote) error { engine.HandleVote(v); return nil },
		func(_ types.Address, qc consensus.QC) error {
			// The engine assembles its own quorum certificates from inbound
			// votes (HandleVote) and never consumes an already-aggregated
			// one; a gossiped QC only matters to a replica catching up,
			// which the synchronizer's height announcements already drive.
			return nil
		},
		func(_ types.Address, c consensus.Choke) error { engine.HandleChoke(c); return nil },
	)
	remoteSource.HandleHeightAnnouncements(func(_ types.Address, height uint64) error {
		return synchronizer.ReceiveRemoteHeight(ctx, height)
	})

	if err := adapter.TagConsensus(addressesOf(validators)); err != nil {
		return fmt.Errorf("tagging consensus peers: %w", err)
	}

	listener, err := dispatch.Listen(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}
	defer listener.Close()

	metricsServer := metrics.NewServer(cfg.MetricsAddr, reg, logger)
	go metricsServer.Start(ctx)

	if err := engine.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Stop()

	livenessErrs := synchronizer.RunLivenessProbe(ctx)

	logger.Infow("aegisd started", "address", wallet.Address(), "listen", cfg.ListenAddr)

	select {
	case <-ctx.Done():
		logger.Infow("aegisd shutting down")
		return nil
	case err := <-livenessErrs:
		return fmt.Errorf("liveness probe: %w", err)
	}
}

func parseChainID(hexStr string) (types.Hash, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return types.Hash{}, fmt.Errorf("decoding chain id: %w", err)
	}
	if len(raw) != 32 {
		return types.Hash{}, fmt.Errorf("chain id must be 32 bytes, got %d", len(raw))
	}
	var h types.Hash
	copy(h[:], raw)
	return h, nil
}

func loadOrCreateWallet(path string) (*crypto.WalletKey, error) {
	wallet, err := crypto.LoadWalletKey(path)
	if err == nil {
		return wallet, nil
	}
	wallet, genErr := crypto.NewWalletKey()
	if genErr != nil {
		return nil, genErr
	}
	if saveErr := wallet.Save(path); saveErr != nil {
		return nil, saveErr
	}
	return wallet, nil
}

func addressesOf(vs types.ValidatorSet) []types.Address {
	out := make([]types.Address, len(vs.Validators))
	for i, v := range vs.Validators {
		out[i] = v.Address
	}
	return out
}
