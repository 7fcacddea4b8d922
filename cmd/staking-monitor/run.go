package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/nimbus-works/staking-monitor/internal/chain"
	"github.com/nimbus-works/staking-monitor/internal/config"
	"github.com/nimbus-works/staking-monitor/internal/exporter"
	"github.com/nimbus-works/staking-monitor/internal/health"
	"github.com/nimbus-works/staking-monitor/internal/logging"
	"github.com/nimbus-works/staking-monitor/internal/metrics"
	"github.com/nimbus-works/staking-monitor/internal/reader"
	"github.com/nimbus-works/staking-monitor/internal/storage"
	"github.com/nimbus-works/staking-monitor/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor pollers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logging.NewWithLevel(cfg.Global.LogLevel)

		rpcTimeout, err := cfg.RPCTimeout()
		if err != nil {
			return err
		}
		pollInterval, err := cfg.PollInterval()
		if err != nil {
			return err
		}
		validatorsInterval, err := cfg.ValidatorsInterval()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		abis, err := reader.LoadABIs(cfg.Parachain.ABIs)
		if err != nil {
			return fmt.Errorf("load abis: %w", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		paraDialer := chain.Dialer{Endpoints: cfg.Parachain.Endpoints, Timeout: rpcTimeout, Log: log}
		relayDialer := chain.Dialer{Endpoints: cfg.Relay.Endpoints, Timeout: rpcTimeout, Log: log}

		dialPara := func(ctx context.Context) (exporter.ParaChain, error) {
			c, err := paraDialer.Para(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		dialScalarPara := func(ctx context.Context) (exporter.ScalarPara, error) {
			c, err := paraDialer.Para(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		dialRelay := func(ctx context.Context) (exporter.RelayChain, error) {
			c, err := relayDialer.Relay(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		}

		// Each poller owns its connections; a reconnect in one never
		// disturbs the others.
		aggPara, err := paraDialer.Para(ctx)
		if err != nil {
			return fmt.Errorf("dial parachain: %w", err)
		}
		scalarPara, err := paraDialer.Para(ctx)
		if err != nil {
			return fmt.Errorf("dial parachain: %w", err)
		}
		validatorsPara, err := paraDialer.Para(ctx)
		if err != nil {
			return fmt.Errorf("dial parachain: %w", err)
		}
		scalarRelay, err := relayDialer.Relay(ctx)
		if err != nil {
			return fmt.Errorf("dial relay: %w", err)
		}
		validatorsRelay, err := relayDialer.Relay(ctx)
		if err != nil {
			return fmt.Errorf("dial relay: %w", err)
		}

		rd := reader.New(aggPara, abis, cfg.Parachain.Contracts)
		if err := rd.CheckDeployed(ctx); err != nil {
			return fmt.Errorf("contract check: %w", err)
		}
		log.Info("contracts verified", "nimbus", cfg.Parachain.Contracts.Nimbus)

		m := metrics.Init()
		sup := supervisor.New(log, m)

		agg := exporter.NewAggregated(exporter.AggregatedConfig{
			Contract:     common.HexToAddress(cfg.Parachain.Contracts.Nimbus),
			ContractABI:  abis.Nimbus,
			Genesis:      cfg.Parachain.GenesisBlock,
			MaxWindow:    cfg.Parachain.MaxBlockRange,
			PollInterval: pollInterval,
			APRMin:       cfg.APRMin(),
			APRMax:       cfg.APRMax(),
			QueryLimit:   cfg.APR.QueryLimit,
			ErasPerDay:   cfg.Relay.ErasPerDay,
		}, store, m, sup, aggPara, dialPara, log)

		payoutAccount, watchPayout := cfg.PayoutAccountID()
		scalar := exporter.NewScalar(exporter.ScalarConfig{
			Contracts:     cfg.Parachain.Contracts,
			PollInterval:  pollInterval,
			ErasPerDay:    cfg.Relay.ErasPerDay,
			APRMin:        cfg.APRMin(),
			APRMax:        cfg.APRMax(),
			Inflation:     cfg.Relay.Inflation,
			PayoutAccount: payoutAccount,
			WatchPayout:   watchPayout,
		}, store, m, sup, abis, scalarPara, scalarRelay, dialScalarPara, dialRelay, log)

		validators := exporter.NewValidators(validatorsInterval, cfg.Parachain.Contracts,
			store, m, sup, abis, validatorsPara, validatorsRelay, dialScalarPara, dialRelay, log)

		var healthSrv *http.Server
		if cfg.Global.HealthAddr != "" {
			healthSrv = health.Serve(cfg.Global.HealthAddr, health.Checker{
				DBPing:    store.Ping,
				ParaPing:  pingPara(paraDialer),
				RelayPing: pingRelay(relayDialer),
			})
			log.Info("health check enabled", "addr", cfg.Global.HealthAddr)
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); agg.Run(ctx) }()
		go func() { defer wg.Done(); scalar.Run(ctx) }()
		go func() { defer wg.Done(); validators.Run(ctx) }()

		// The metrics endpoint opens only once the scanner has recovered
		// its checkpoint and the first snapshot is published, so scrapers
		// never observe zeroed gauges.
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.Global.MetricsAddr, Handler: mux}
		go func() {
			select {
			case <-agg.Ready():
			case <-ctx.Done():
				return
			}
			select {
			case <-scalar.Ready():
			case <-ctx.Done():
				return
			}
			log.Info("metrics enabled", "addr", cfg.Global.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()

		<-ctx.Done()
		log.Info("shutting down")
		wg.Wait()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = metricsSrv.Shutdown(shutdownCtx)
		if healthSrv != nil {
			_ = health.Shutdown(shutdownCtx, healthSrv)
		}
		log.Info("shutdown complete")
		return nil
	},
}

// pingPara probes parachain connectivity with a fresh short-lived client so
// the health endpoint is independent of the pollers' own connections.
func pingPara(d chain.Dialer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		c, err := chain.DialPara(ctx, d.Endpoints[0], d.Timeout)
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.FinalizedHead(ctx)
		return err
	}
}

func pingRelay(d chain.Dialer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		c, err := chain.DialRelay(ctx, d.Endpoints[0], d.Timeout)
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.FinalizedHead(ctx)
		return err
	}
}
