// Package cli builds rounddctl's command tree: operator-facing commands
// for genesis bootstrap and tip inspection, layered over the consensus
// core the same way empower1d's cli package layers over a *core.Blockchain.
package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/cobra"

	"github.com/tolaris-network/round-dag/internal/config"
	"github.com/tolaris-network/round-dag/internal/genesis"
	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/store"
)

// coinbaseKey returns the key genesis transactions are signed with. Key
// file management is out of this module's scope (spec §1); rounddctl
// generates an ephemeral key for each genesis run rather than implement
// one of its own.
func coinbaseKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// NewCLI returns rounddctl's root command.
func NewCLI() *cobra.Command {
	var dbPath string
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "rounddctl",
		Short: "Operate a consensus-core node: bootstrap genesis, inspect tips.",
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "rounddag.db", "path to the checkpoint store database")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML configuration file")

	rootCmd.AddCommand(newGenesisCmd(&dbPath))
	rootCmd.AddCommand(newTipsCmd(&dbPath))
	rootCmd.AddCommand(newConfigCmd(&cfgPath))

	return rootCmd
}

func newGenesisCmd(dbPath *string) *cobra.Command {
	var allocationsFlag []string

	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Bootstrap the DAG with a coinbase chain and two distribution blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			allocations, err := parseAllocations(allocationsFlag)
			if err != nil {
				return err
			}

			st, err := store.Open(*dbPath)
			if err != nil {
				return fmt.Errorf("rounddctl: open store: %w", err)
			}
			defer st.Close()

			key, err := coinbaseKey()
			if err != nil {
				return err
			}

			builder := genesis.NewBuilder(key, st)
			obs, err := builder.Build(cmd.Context(), allocations)
			if err != nil {
				return fmt.Errorf("rounddctl: build genesis: %w", err)
			}

			fmt.Printf("genesis block:        %s\n", obs.GenesisBlock.SOEHash)
			fmt.Printf("distribution block 1: %s\n", obs.DistributionBlock1.SOEHash)
			fmt.Printf("distribution block 2: %s\n", obs.DistributionBlock2.SOEHash)
			for addr, bal := range obs.Balances {
				fmt.Printf("  %s -> %d\n", addr, bal)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&allocationsFlag, "allocation", nil, "address=balance pair; may be repeated")
	return cmd
}

func newTipsCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tips",
		Short: "List the checkpoint blocks currently marked as tips",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(*dbPath)
			if err != nil {
				return fmt.Errorf("rounddctl: open store: %w", err)
			}
			defer st.Close()

			tips, err := st.CurrentTips(cmd.Context())
			if err != nil {
				return fmt.Errorf("rounddctl: list tips: %w", err)
			}
			if len(tips) == 0 {
				fmt.Println("no tips recorded")
				return nil
			}
			for _, tip := range tips {
				fmt.Printf("%s  height=(%d,%d)  txs=%d\n", tip.SOEHash, tip.Height.Min, tip.Height.Max, len(tip.Transactions))
			}
			return nil
		},
	}
}

func newConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration (defaults merged with --config)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if *cfgPath != "" {
				loaded, err := config.Load(*cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			fmt.Printf("consensus.maxTransactionThreshold: %d\n", cfg.Consensus.MaxTransactionThreshold)
			fmt.Printf("consensus.maxObservationThreshold: %d\n", cfg.Consensus.MaxObservationThreshold)
			fmt.Printf("constellation.consensus.form-checkpoint-blocks-timeout: %s\n", cfg.RoundTimeout())
			fmt.Printf("constellation.cache.expire-after-min.cache: %s\n", cfg.ProposalBufferTTL())
			return nil
		},
	}
}

func parseAllocations(pairs []string) ([]genesis.Allocation, error) {
	allocations := make([]genesis.Allocation, 0, len(pairs))
	for _, pair := range pairs {
		addr, balStr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("rounddctl: malformed allocation %q, want address=balance", pair)
		}
		bal, err := strconv.ParseUint(balStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rounddctl: malformed allocation %q: %w", pair, err)
		}
		allocations = append(allocations, genesis.Allocation{Address: ids.Address(addr), Balance: bal})
	}
	return allocations, nil
}
