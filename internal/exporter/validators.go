package exporter

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/nimbus-works/staking-monitor/internal/config"
	"github.com/nimbus-works/staking-monitor/internal/metrics"
	"github.com/nimbus-works/staking-monitor/internal/reader"
	"github.com/nimbus-works/staking-monitor/internal/storage"
	"github.com/nimbus-works/staking-monitor/internal/supervisor"
)

// Validators periodically resolves every protocol stash to its ledger
// contract and its relay chain nominator targets, replacing the whole
// validators_info table each pass.
type Validators struct {
	interval  time.Duration
	contracts config.Contracts
	log       *slog.Logger
	m         *metrics.Metrics
	store     *storage.Store
	sup       *supervisor.Supervisor

	abis      *reader.ABISet
	para      ScalarPara
	reader    *reader.Reader
	relay     RelayChain
	dialPara  func(ctx context.Context) (ScalarPara, error)
	dialRelay func(ctx context.Context) (RelayChain, error)
}

func NewValidators(interval time.Duration, contracts config.Contracts, store *storage.Store, m *metrics.Metrics, sup *supervisor.Supervisor, abis *reader.ABISet, para ScalarPara, relay RelayChain, dialPara func(ctx context.Context) (ScalarPara, error), dialRelay func(ctx context.Context) (RelayChain, error), log *slog.Logger) *Validators {
	return &Validators{
		interval:  interval,
		contracts: contracts,
		log:       log.With("poller", PollerValidators),
		m:         m,
		store:     store,
		sup:       sup,
		abis:      abis,
		para:      para,
		reader:    reader.New(para, abis, contracts),
		relay:     relay,
		dialPara:  dialPara,
		dialRelay: dialRelay,
	}
}

// Run drives the refresh loop until ctx is cancelled.
func (v *Validators) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := v.cycle(ctx); err != nil {
			v.handleError(ctx, err)
			continue
		}
		v.sup.Recovered(PollerValidators)
		sleepCtx(ctx, v.interval)
	}
	v.log.Info("validators loop stopped")
}

func (v *Validators) cycle(ctx context.Context) error {
	stashes, err := v.reader.StashAccounts(ctx)
	if err != nil {
		return err
	}

	infos := make([]storage.ValidatorInfo, 0, len(stashes))
	for _, stash := range stashes {
		ledger, err := v.reader.FindLedger(ctx, stash)
		if err != nil {
			return err
		}
		state, err := v.reader.LedgerState(ctx, ledger)
		if err != nil {
			return err
		}
		targets, err := v.relay.NominatorTargets(ctx, stash)
		if err != nil {
			return err
		}

		v.m.ValidatorsCount.WithLabelValues(ledger.Hex()).Set(float64(len(targets)))
		infos = append(infos, storage.ValidatorInfo{
			ActiveStake: state.Active,
			Ledger:      ledger.Hex(),
			Stash:       accountHex(stash),
			Validators:  joinAccounts(targets),
		})
	}

	if err := v.store.ReplaceValidatorsInfo(ctx, infos); err != nil {
		v.log.Warn("replacing validators info failed", "err", err)
	}
	return nil
}

func (v *Validators) handleError(ctx context.Context, err error) {
	switch supervisor.Classify(err) {
	case supervisor.Expected:
		v.log.Warn("transient chain fault", "err", err)
	default:
		v.log.Error("unexpected fault, treating as connectivity loss", "err", err)
	}
	v.sup.Failed(PollerValidators)
	v.reconnect(ctx)
}

func (v *Validators) reconnect(ctx context.Context) {
	err := v.sup.Reconnect(ctx, PollerValidators, func(ctx context.Context) error {
		para, err := v.dialPara(ctx)
		if err != nil {
			return err
		}
		relay, err := v.dialRelay(ctx)
		if err != nil {
			para.Close()
			return err
		}
		oldPara, oldRelay := v.para, v.relay
		v.para, v.relay = para, relay
		v.reader = reader.New(para, v.abis, v.contracts)
		if oldPara != nil {
			oldPara.Close()
		}
		if oldRelay != nil {
			oldRelay.Close()
		}
		return nil
	})
	if err != nil {
		v.log.Error("reconnection failed", "err", err)
	}
}

func accountHex(account [32]byte) string {
	return "0x" + hex.EncodeToString(account[:])
}

func joinAccounts(accounts [][32]byte) string {
	parts := make([]string, len(accounts))
	for i, a := range accounts {
		parts[i] = accountHex(a)
	}
	return strings.Join(parts, ",")
}
