package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nimbus-works/staking-monitor/internal/config"
	"github.com/nimbus-works/staking-monitor/internal/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the scan checkpoint and published aggregates",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		agg, ok, err := store.GetAggregates(ctx)
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
		if !ok {
			fmt.Fprintf(out, "no checkpoint; scan starts at genesis block %d\n", cfg.Parachain.GenesisBlock)
		} else {
			fmt.Fprintf(out, "checkpoint:\n")
			fmt.Fprintf(out, "  next_block             %d\n", agg.NextBlock)
			fmt.Fprintf(out, "  last_block_with_events %d\n", agg.LastBlockWithEvents)
			fmt.Fprintf(out, "  deposited              %s (%d events)\n", agg.Deposited, agg.DepositedEventsNum)
			fmt.Fprintf(out, "  redeemed               %s (%d events)\n", agg.Redeemed, agg.RedeemedEventsNum)
		}

		holders, err := store.HolderCount(ctx)
		if err != nil {
			return fmt.Errorf("count holders: %w", err)
		}
		fmt.Fprintf(out, "holders: %d\n", holders)

		rewards, losses, err := store.TotalRewardsAndLosses(ctx)
		if err != nil {
			return fmt.Errorf("read reward totals: %w", err)
		}
		fmt.Fprintf(out, "rewards: %s losses: %s\n", rewards, losses)

		summary, err := store.Summary(ctx)
		if err != nil {
			return fmt.Errorf("read summary: %w", err)
		}
		if len(summary) > 0 {
			keys := make([]string, 0, len(summary))
			for k := range summary {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintln(out, "summary:")
			for _, k := range keys {
				fmt.Fprintf(out, "  %s = %s\n", k, summary[k])
			}
		}

		infos, err := store.ValidatorsInfo(ctx)
		if err != nil {
			return fmt.Errorf("read validators: %w", err)
		}
		if len(infos) > 0 {
			fmt.Fprintln(out, "validators:")
			for _, info := range infos {
				fmt.Fprintf(out, "  ledger %s stash %s stake %s validators %s\n",
					info.Ledger, info.Stash, info.ActiveStake, info.Validators)
			}
		}
		return nil
	},
}
