package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbus-works/staking-monitor/internal/chain"
	"github.com/nimbus-works/staking-monitor/internal/config"
	"github.com/nimbus-works/staking-monitor/internal/reader"
)

const pingTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, ABIs, and RPC endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		abis, err := reader.LoadABIs(cfg.Parachain.ABIs)
		if err != nil {
			return fmt.Errorf("abis invalid: %w", err)
		}
		fmt.Fprintln(out, "abis OK")

		failures := 0
		var para *chain.Client

		for _, url := range cfg.Parachain.Endpoints {
			c, err := chain.DialPara(ctx, url, pingTimeout)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- parachain %s: ERROR %v\n", url, err)
				continue
			}
			head, err := c.FinalizedHead(ctx)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- parachain %s: ERROR %v\n", url, err)
				c.Close()
				continue
			}
			fmt.Fprintf(out, "- parachain %s: finalized %d OK\n", url, head)
			if para == nil {
				para = c
			} else {
				c.Close()
			}
		}

		for _, url := range cfg.Relay.Endpoints {
			c, err := chain.DialRelay(ctx, url, pingTimeout)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- relay %s: ERROR %v\n", url, err)
				continue
			}
			hash, err := c.FinalizedHead(ctx)
			c.Close()
			if err != nil {
				failures++
				fmt.Fprintf(out, "- relay %s: ERROR %v\n", url, err)
				continue
			}
			fmt.Fprintf(out, "- relay %s: finalized %s OK\n", url, hash)
		}

		if para != nil {
			defer para.Close()
			rd := reader.New(para, abis, cfg.Parachain.Contracts)
			if err := rd.CheckDeployed(ctx); err != nil {
				failures++
				fmt.Fprintf(out, "- contracts: ERROR %v\n", err)
			} else {
				fmt.Fprintln(out, "- contracts: deployed OK")
			}
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d check(s) failed", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}
