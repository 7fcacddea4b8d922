package exporter

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/nimbus-works/staking-monitor/internal/config"
	"github.com/nimbus-works/staking-monitor/internal/metrics"
	"github.com/nimbus-works/staking-monitor/internal/reader"
	"github.com/nimbus-works/staking-monitor/internal/storage"
	"github.com/nimbus-works/staking-monitor/internal/supervisor"
)

// ScalarPara is the parachain surface of the snapshot pollers: point reads
// plus the finalized head check that paces them.
type ScalarPara interface {
	reader.Caller
	FinalizedHead(ctx context.Context) (uint64, error)
	Close()
}

// RelayChain is the relay surface the snapshot pollers consume.
type RelayChain interface {
	FinalizedHead(ctx context.Context) (string, error)
	BlockNumber(ctx context.Context, hash string) (uint64, error)
	ActiveEra(ctx context.Context) (uint32, error)
	ErasTotalStake(ctx context.Context, era uint32) (*big.Int, error)
	TotalIssuance(ctx context.Context) (*big.Int, error)
	AuctionCounter(ctx context.Context) (uint32, error)
	NominatorTargets(ctx context.Context, stash [32]byte) ([][32]byte, error)
	FreeBalance(ctx context.Context, account [32]byte) (*big.Int, error)
	Close()
}

// ScalarConfig carries the snapshot parameters resolved from configuration.
type ScalarConfig struct {
	Contracts    config.Contracts
	PollInterval time.Duration
	ErasPerDay   int
	APRMin       float64
	APRMax       float64
	Inflation    config.InflationParams

	// Relay account whose free balance funds reward payouts; watched only
	// when configured.
	PayoutAccount [32]byte
	WatchPayout   bool
}

// Reward-window sizes for the month/week APR views, in eras.
const (
	daysPerMonth = 30
	daysPerWeek  = 7
)

// Scalar reads point-in-time contract and relay state on every new
// finalized block of the respective chain and publishes the snapshot gauges.
// It has no durable cursor: a missed snapshot is replaced by the next one.
type Scalar struct {
	cfg   ScalarConfig
	log   *slog.Logger
	m     *metrics.Metrics
	store *storage.Store
	sup   *supervisor.Supervisor

	abis      *reader.ABISet
	para      ScalarPara
	reader    *reader.Reader
	relay     RelayChain
	dialPara  func(ctx context.Context) (ScalarPara, error)
	dialRelay func(ctx context.Context) (RelayChain, error)

	lastPara  uint64
	lastRelay uint64
	aprMonth  float64
	aprWeek   float64

	readyOnce sync.Once
	ready     chan struct{}
}

func NewScalar(cfg ScalarConfig, store *storage.Store, m *metrics.Metrics, sup *supervisor.Supervisor, abis *reader.ABISet, para ScalarPara, relay RelayChain, dialPara func(ctx context.Context) (ScalarPara, error), dialRelay func(ctx context.Context) (RelayChain, error), log *slog.Logger) *Scalar {
	return &Scalar{
		cfg:       cfg,
		log:       log.With("poller", PollerScalar),
		m:         m,
		store:     store,
		sup:       sup,
		abis:      abis,
		para:      para,
		reader:    reader.New(para, abis, cfg.Contracts),
		relay:     relay,
		dialPara:  dialPara,
		dialRelay: dialRelay,
		ready:     make(chan struct{}),
	}
}

// Ready is closed after the first fully published snapshot.
func (s *Scalar) Ready() <-chan struct{} { return s.ready }

// Run drives the snapshot loop until ctx is cancelled.
func (s *Scalar) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.cycle(ctx); err != nil {
			s.handleError(ctx, err)
			continue
		}
		s.sup.Recovered(PollerScalar)
		sleepCtx(ctx, s.cfg.PollInterval)
	}
	s.log.Info("snapshot loop stopped")
}

func (s *Scalar) cycle(ctx context.Context) error {
	paraHead, err := s.para.FinalizedHead(ctx)
	if err != nil {
		return err
	}
	if paraHead > s.lastPara {
		if err := s.snapshotPara(ctx, paraHead); err != nil {
			return err
		}
		s.lastPara = paraHead
	}

	hash, err := s.relay.FinalizedHead(ctx)
	if err != nil {
		return err
	}
	relayHead, err := s.relay.BlockNumber(ctx, hash)
	if err != nil {
		return err
	}
	if relayHead > s.lastRelay {
		if err := s.snapshotRelay(ctx, relayHead); err != nil {
			return err
		}
		s.lastRelay = relayHead
	}

	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

func (s *Scalar) snapshotPara(ctx context.Context, head uint64) error {
	s.m.ParachainBlockNumber.Set(float64(head))

	supply, err := s.reader.TotalSupply(ctx)
	if err != nil {
		return err
	}
	s.m.TotalSupply.Set(bigFloat(supply))

	nimbusTokens, err := s.reader.NimbusTokenBalance(ctx)
	if err != nil {
		return err
	}
	s.m.NimbusTokens.Set(bigFloat(nimbusTokens))

	bufferedDeposits, err := s.reader.BufferedDeposits(ctx)
	if err != nil {
		return err
	}
	s.m.BufferedDeposits.Set(bigFloat(bufferedDeposits))

	bufferedRedeems, err := s.reader.BufferedRedeems(ctx)
	if err != nil {
		return err
	}
	s.m.BufferedRedeems.Set(bigFloat(bufferedRedeems))

	if err := s.snapshotLedgers(ctx); err != nil {
		return err
	}
	if err := s.snapshotOracles(ctx); err != nil {
		return err
	}
	if err := s.snapshotWithdrawal(ctx); err != nil {
		return err
	}

	if s.reader.HasController() {
		balance, err := s.reader.TokenBalanceOf(ctx, s.reader.Controller())
		if err != nil {
			return err
		}
		s.m.ControllerBalance.Set(bigFloat(balance))
	}

	s.refreshWindowedAPR(ctx)

	if err := s.store.UpdateSummary(ctx, map[string]any{
		"total_supply":  supply,
		"apr_per_month": s.aprMonth,
		"apr_per_week":  s.aprWeek,
	}); err != nil {
		s.log.Warn("updating summary failed", "err", err)
	}
	return nil
}

func (s *Scalar) snapshotLedgers(ctx context.Context) error {
	ledgers, err := s.reader.LedgerAddresses(ctx)
	if err != nil {
		return err
	}
	totalStake := new(big.Int)
	for _, ledger := range ledgers {
		label := ledger.Hex()

		stake, err := s.reader.LedgerStake(ctx, ledger)
		if err != nil {
			return err
		}
		s.m.LedgerStake.WithLabelValues(label).Set(bigFloat(stake))
		totalStake.Add(totalStake, stake)

		borrow, err := s.reader.LedgerBorrow(ctx, ledger)
		if err != nil {
			return err
		}
		s.m.LedgerBorrow.WithLabelValues(label).Set(bigFloat(borrow))

		state, err := s.reader.LedgerState(ctx, ledger)
		if err != nil {
			return err
		}
		s.m.LedgerTotalBalance.WithLabelValues(label).Set(bigFloat(state.Total))
		s.m.LedgerActiveBalance.WithLabelValues(label).Set(bigFloat(state.Active))
		s.m.LedgerLockedBalance.WithLabelValues(label).Set(bigFloat(state.Locked))
		s.m.LedgerStatus.WithLabelValues(label).Set(float64(state.Status))

		tokens, err := s.reader.TokenBalanceOf(ctx, ledger)
		if err != nil {
			return err
		}
		s.m.LedgerTokenBalance.WithLabelValues(label).Set(bigFloat(tokens))
	}
	s.m.LedgersStake.Set(bigFloat(totalStake))
	return nil
}

func (s *Scalar) snapshotOracles(ctx context.Context) error {
	members, err := s.reader.OracleMembers(ctx)
	if err != nil {
		return err
	}
	for _, member := range members {
		balance, err := s.reader.NativeBalance(ctx, member)
		if err != nil {
			return err
		}
		s.m.OracleBalance.WithLabelValues(member.Hex()).Set(bigFloat(balance))
	}

	eraID, err := s.reader.OracleEraID(ctx)
	if err != nil {
		return err
	}
	s.m.OracleMasterEraID.Set(bigFloat(eraID))

	currentEra, err := s.reader.OracleCurrentEraID(ctx)
	if err != nil {
		return err
	}
	s.m.OracleMasterCurrentEraID.Set(bigFloat(currentEra))
	return nil
}

func (s *Scalar) snapshotWithdrawal(ctx context.Context) error {
	tokens, err := s.reader.WithdrawalTokenBalance(ctx)
	if err != nil {
		return err
	}
	s.m.WithdrawalTokens.Set(bigFloat(tokens))

	pending, err := s.reader.WithdrawalPending(ctx)
	if err != nil {
		return err
	}
	s.m.WithdrawalPending.Set(bigFloat(pending))

	virtual, err := s.reader.WithdrawalVirtualAmount(ctx)
	if err != nil {
		return err
	}
	s.m.WithdrawalVirtualAmount.Set(bigFloat(virtual))

	shares, err := s.reader.WithdrawalPoolShares(ctx)
	if err != nil {
		return err
	}
	s.m.WithdrawalPoolShares.Set(bigFloat(shares))
	return nil
}

// refreshWindowedAPR recomputes the month and week APR views from bounded
// reward-ledger windows. Datastore faults leave the previous values up.
func (s *Scalar) refreshWindowedAPR(ctx context.Context) {
	ledgers, err := s.store.LedgerAddresses(ctx)
	if err != nil {
		s.log.Warn("listing reward ledgers failed", "err", err)
		return
	}
	window := func(limit int) map[string][]storage.RewardEntry {
		rewards := make(map[string][]storage.RewardEntry, len(ledgers))
		for _, ledger := range ledgers {
			entries, err := s.store.RewardsByLedger(ctx, ledger, limit)
			if err != nil {
				s.log.Warn("reading reward window failed", "ledger", ledger, "err", err)
				continue
			}
			rewards[ledger] = entries
		}
		return rewards
	}

	s.aprMonth = CalculateAPR(s.aprMonth, window(s.cfg.ErasPerDay*daysPerMonth), s.cfg.ErasPerDay, s.cfg.APRMin, s.cfg.APRMax)
	s.aprWeek = CalculateAPR(s.aprWeek, window(s.cfg.ErasPerDay*daysPerWeek), s.cfg.ErasPerDay, s.cfg.APRMin, s.cfg.APRMax)
	s.m.APRPerMonth.Set(s.aprMonth)
	s.m.APRPerWeek.Set(s.aprWeek)
}

func (s *Scalar) snapshotRelay(ctx context.Context, head uint64) error {
	s.m.RelayBlockNumber.Set(float64(head))

	era, err := s.relay.ActiveEra(ctx)
	if err != nil {
		return err
	}
	s.m.ActiveEraID.Set(float64(era))

	staked, err := s.relay.ErasTotalStake(ctx, era)
	if err != nil {
		return err
	}
	s.m.TotalStaked.Set(bigFloat(staked))

	issuance, err := s.relay.TotalIssuance(ctx)
	if err != nil {
		return err
	}
	auctions, err := s.relay.AuctionCounter(ctx)
	if err != nil {
		return err
	}

	if s.cfg.WatchPayout {
		balance, err := s.relay.FreeBalance(ctx, s.cfg.PayoutAccount)
		if err != nil {
			return err
		}
		s.m.PayoutBalance.Set(bigFloat(balance))
	}

	fraction := stakedFraction(staked, issuance)
	inflation := inflationRate(fraction, int(auctions), s.cfg.Inflation)
	s.m.InflationRate.Set(inflation)

	if err := s.store.UpdateSummary(ctx, map[string]any{
		"inflation_rate":     inflation,
		"estimated_apy":      estimatedAPY(inflation, fraction),
		"total_staked_relay": staked,
	}); err != nil {
		s.log.Warn("updating summary failed", "err", err)
	}
	return nil
}

func (s *Scalar) handleError(ctx context.Context, err error) {
	switch supervisor.Classify(err) {
	case supervisor.Expected:
		s.log.Warn("transient chain fault", "err", err)
	default:
		s.log.Error("unexpected fault, treating as connectivity loss", "err", err)
	}
	s.sup.Failed(PollerScalar)
	s.reconnect(ctx)
}

// reconnect rebuilds both chain connections; they share an error path
// because the snapshot cycle touches both chains every pass.
func (s *Scalar) reconnect(ctx context.Context) {
	err := s.sup.Reconnect(ctx, PollerScalar, func(ctx context.Context) error {
		para, err := s.dialPara(ctx)
		if err != nil {
			return err
		}
		relay, err := s.dialRelay(ctx)
		if err != nil {
			para.Close()
			return err
		}
		oldPara, oldRelay := s.para, s.relay
		s.para, s.relay = para, relay
		s.reader = reader.New(para, s.abis, s.cfg.Contracts)
		if oldPara != nil {
			oldPara.Close()
		}
		if oldRelay != nil {
			oldRelay.Close()
		}
		return nil
	})
	if err != nil {
		s.log.Error("reconnection failed", "err", err)
	}
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
