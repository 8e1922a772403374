package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegischain/aegis/internal/config"
	"github.com/aegischain/aegis/internal/crypto"
)

const walletFileName = "wallet.key"

// newRootCommand builds the aegisd command tree: run/init/genesis, the same
// subcommand shape the reference project's empower1d entrypoint uses, bound
// onto a single config.Config via pflag rather than a layered file parser.
func newRootCommand(logger *zap.SugaredLogger) *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "aegisd",
		Short: "aegis is a Byzantine fault tolerant blockchain node",
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(newRunCommand(&cfg, logger))
	root.AddCommand(newInitCommand(&cfg, logger))
	root.AddCommand(newGenesisCommand(&cfg, logger))
	return root
}

func newRunCommand(cfg *config.Config, logger *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the node: network dispatch, consensus engine, synchronizer and metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), *cfg, logger)
		},
	}
}

func newInitCommand(cfg *config.Config, logger *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "generate a validator wallet key under --data-dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, err := crypto.NewWalletKey()
			if err != nil {
				return fmt.Errorf("generating wallet key: %w", err)
			}
			path := filepath.Join(cfg.DataDir, walletFileName)
			if err := wallet.Save(path); err != nil {
				return fmt.Errorf("saving wallet key: %w", err)
			}
			logger.Infow("wallet initialized", "address", wallet.Address(), "path", path)
			return nil
		},
	}
}

func newGenesisCommand(cfg *config.Config, logger *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "genesis",
		Short: "print the chain id this node would run with",
		RunE: func(cmd *cobra.Command, args []string) error {
			chainID, err := hex.DecodeString(cfg.ChainIDHex)
			if err != nil {
				return fmt.Errorf("decoding --chain-id: %w", err)
			}
			if len(chainID) != 32 {
				return fmt.Errorf("--chain-id must decode to 32 bytes, got %d", len(chainID))
			}
			logger.Infow("genesis chain id", "chain_id", cfg.ChainIDHex)
			return nil
		},
	}
}
