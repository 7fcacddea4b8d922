package exporter

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/nimbus-works/staking-monitor/internal/metrics"
	"github.com/nimbus-works/staking-monitor/internal/scanner"
	"github.com/nimbus-works/staking-monitor/internal/storage"
	"github.com/nimbus-works/staking-monitor/internal/supervisor"
)

// Static poller labels used on the alert gauges.
const (
	PollerAggregated = "aggregated"
	PollerScalar     = "scalar"
	PollerValidators = "validators"
)

// ParaChain is the parachain surface the aggregated scanner consumes.
type ParaChain interface {
	scanner.LogSource
	scanner.ReceiptSource
	FinalizedHead(ctx context.Context) (uint64, error)
	Close()
}

// AggregatedConfig carries the scan parameters resolved from configuration.
type AggregatedConfig struct {
	Contract     common.Address
	ContractABI  abi.ABI
	Genesis      uint64
	MaxWindow    uint32
	PollInterval time.Duration
	APRMin       float64
	APRMax       float64
	QueryLimit   int
	ErasPerDay   int
}

// Aggregated walks finalized parachain blocks in bounded ranges, folds the
// protocol events it finds into running aggregates, and checkpoints after
// every block so a restart resumes exactly where it stopped. Folds are
// deterministic and the checkpoint is written only after a fully processed
// block, so redoing an interrupted range is safe.
type Aggregated struct {
	cfg   AggregatedConfig
	log   *slog.Logger
	m     *metrics.Metrics
	store *storage.Store
	sup   *supervisor.Supervisor
	dial  func(ctx context.Context) (ParaChain, error)

	client     ParaChain
	filter     *scanner.Filter
	classifier *scanner.Classifier

	agg          storage.Aggregates
	rewardsTotal *big.Int
	lossesTotal  *big.Int
	apr          float64
	window       uint32

	readyOnce sync.Once
	ready     chan struct{}
}

func NewAggregated(cfg AggregatedConfig, store *storage.Store, m *metrics.Metrics, sup *supervisor.Supervisor, client ParaChain, dial func(ctx context.Context) (ParaChain, error), log *slog.Logger) *Aggregated {
	a := &Aggregated{
		cfg:          cfg,
		log:          log.With("poller", PollerAggregated),
		m:            m,
		store:        store,
		sup:          sup,
		dial:         dial,
		client:       client,
		rewardsTotal: new(big.Int),
		lossesTotal:  new(big.Int),
		window:       cfg.MaxWindow,
		ready:        make(chan struct{}),
	}
	a.classifier = scanner.NewClassifier(client, cfg.ContractABI, a.log)
	return a
}

// Ready is closed once recovery has finished and the first metric values are
// published.
func (a *Aggregated) Ready() <-chan struct{} { return a.ready }

// Run drives the scan loop until ctx is cancelled.
func (a *Aggregated) Run(ctx context.Context) {
	a.recover(ctx)
	for ctx.Err() == nil {
		if err := a.cycle(ctx); err != nil {
			a.handleError(ctx, err)
			continue
		}
		a.sup.Recovered(PollerAggregated)
	}
	a.log.Info("scan loop stopped")
}

// recover reloads the checkpoint and derived metrics. A fresh database
// starts from the configured genesis block with zeroed aggregates. Datastore
// faults are logged and treated as absent data; reprocessing is safe.
func (a *Aggregated) recover(ctx context.Context) {
	agg, ok, err := a.store.GetAggregates(ctx)
	if err != nil {
		a.log.Warn("reading checkpoint failed, starting from genesis", "err", err)
		ok = false
	}
	if !ok {
		agg = storage.Aggregates{
			Deposited: new(big.Int),
			Redeemed:  new(big.Int),
			NextBlock: a.cfg.Genesis,
		}
	}
	if agg.NextBlock < a.cfg.Genesis {
		agg.NextBlock = a.cfg.Genesis
	}
	a.agg = agg

	rewards, losses, err := a.store.TotalRewardsAndLosses(ctx)
	if err != nil {
		a.log.Warn("reading reward totals failed", "err", err)
		rewards, losses = new(big.Int), new(big.Int)
	}
	a.rewardsTotal, a.lossesTotal = rewards, losses

	a.apr = a.recomputeAPR(ctx)
	a.publish(ctx)
	a.log.Info("scan state recovered",
		"next_block", a.agg.NextBlock,
		"deposited_events", a.agg.DepositedEventsNum,
		"redeemed_events", a.agg.RedeemedEventsNum)
	a.readyOnce.Do(func() { close(a.ready) })
}

// cycle performs one STEADY_POLL check and, when the head has advanced, one
// PROCESSING pass over [next_block, to].
func (a *Aggregated) cycle(ctx context.Context) error {
	head, err := a.client.FinalizedHead(ctx)
	if err != nil {
		return err
	}
	if head <= a.agg.NextBlock {
		sleepCtx(ctx, a.cfg.PollInterval)
		return nil
	}

	from := a.agg.NextBlock
	to := from + uint64(a.window)
	if to > head {
		to = head
	}

	if a.filter == nil {
		a.filter = scanner.NewFilter(a.client, a.log, a.cfg.Contract, scanner.Topics(), from, to)
	} else {
		// the cursor only advances after a block is fully folded, so a
		// retried cycle re-requests the whole failed range
		a.filter.UpdateRange(from, to)
	}

	logs, err := a.filter.Fetch(ctx)
	if err != nil {
		return err
	}
	groups, blocks, err := a.classifier.Classify(ctx, logs)
	if err != nil {
		return err
	}

	for _, block := range blocks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.foldBlock(ctx, block, groups[block])
	}

	a.agg.NextBlock = to + 1
	a.checkpoint(ctx)
	a.publish(ctx)
	a.updateSummary(ctx)

	// a clean range proves the provider can handle the configured window again
	if a.window != a.cfg.MaxWindow {
		a.log.Info("restoring scan window", "window", a.cfg.MaxWindow)
		a.window = a.cfg.MaxWindow
	}
	return nil
}

// foldBlock applies one block's events to the running aggregates and
// persists the checkpoint and ledger rows for that block.
func (a *Aggregated) foldBlock(ctx context.Context, block uint64, events *scanner.BlockEvents) {
	for _, ev := range events.Deposited {
		a.agg.Deposited.Add(a.agg.Deposited, ev.BigArg("amount"))
		a.agg.DepositedEventsNum++
	}
	for _, ev := range events.Redeemed {
		a.agg.Redeemed.Add(a.agg.Redeemed, ev.BigArg("amount"))
		a.agg.RedeemedEventsNum++
	}
	for _, ev := range events.Transfers {
		addr := ev.AddressArg("to")
		if err := a.store.AddHolder(ctx, addr.Hex()); err != nil {
			a.log.Warn("recording holder failed", "address", addr, "err", err)
		}
	}
	for _, ev := range events.Rewards {
		a.addRewardEntry(ctx, storage.RewardEntry{
			Ledger:  ev.AddressArg("ledger").Hex(),
			Amount:  ev.BigArg("rewards"),
			Balance: ev.BigArg("balance"),
			Block:   block,
		})
	}
	for _, ev := range events.Losses {
		a.addRewardEntry(ctx, storage.RewardEntry{
			Ledger:  ev.AddressArg("ledger").Hex(),
			Amount:  new(big.Int).Neg(ev.BigArg("losses")),
			Balance: ev.BigArg("balance"),
			Block:   block,
		})
	}

	a.agg.LastBlockWithEvents = block
	a.agg.NextBlock = block + 1
	a.checkpoint(ctx)

	a.apr = a.recomputeAPR(ctx)
	a.publish(ctx)
	a.log.Debug("block folded", "block", block)
}

func (a *Aggregated) addRewardEntry(ctx context.Context, entry storage.RewardEntry) {
	if err := a.store.AddReward(ctx, entry); err != nil {
		a.log.Warn("appending reward entry failed", "ledger", entry.Ledger, "err", err)
		return
	}
	if entry.Amount.Sign() >= 0 {
		a.rewardsTotal.Add(a.rewardsTotal, entry.Amount)
	} else {
		a.lossesTotal.Sub(a.lossesTotal, entry.Amount)
	}
}

// checkpoint persists the aggregates row. A failed write is logged and the
// cycle continues: a restart reprocesses from the last durable checkpoint,
// which the idempotent folds tolerate.
func (a *Aggregated) checkpoint(ctx context.Context) {
	if err := a.store.UpdateAggregates(ctx, a.agg); err != nil {
		a.log.Warn("writing checkpoint failed", "next_block", a.agg.NextBlock, "err", err)
	}
}

// recomputeAPR rebuilds the APR from the most recent reward-ledger window of
// every protocol ledger seen so far.
func (a *Aggregated) recomputeAPR(ctx context.Context) float64 {
	ledgers, err := a.store.LedgerAddresses(ctx)
	if err != nil {
		a.log.Warn("listing reward ledgers failed", "err", err)
		return a.apr
	}
	rewards := make(map[string][]storage.RewardEntry, len(ledgers))
	for _, ledger := range ledgers {
		entries, err := a.store.RewardsByLedger(ctx, ledger, a.cfg.QueryLimit)
		if err != nil {
			a.log.Warn("reading reward window failed", "ledger", ledger, "err", err)
			continue
		}
		rewards[ledger] = entries
	}
	return CalculateAPR(a.apr, rewards, a.cfg.ErasPerDay, a.cfg.APRMin, a.cfg.APRMax)
}

func (a *Aggregated) publish(ctx context.Context) {
	deposited, _ := new(big.Float).SetInt(a.agg.Deposited).Float64()
	redeemed, _ := new(big.Float).SetInt(a.agg.Redeemed).Float64()
	a.m.Deposited.Set(deposited)
	a.m.DepositedEventsNum.Set(float64(a.agg.DepositedEventsNum))
	a.m.Redeemed.Set(redeemed)
	a.m.RedeemedEventsNum.Set(float64(a.agg.RedeemedEventsNum))
	a.m.LastBlockWithEvents.Set(float64(a.agg.LastBlockWithEvents))
	a.m.RewardsAggregated.Set(bigFloat(a.rewardsTotal))
	a.m.LossesAggregated.Set(bigFloat(a.lossesTotal))
	a.m.APR.Set(a.apr)

	holders, err := a.store.HolderCount(ctx)
	if err != nil {
		a.log.Warn("counting holders failed", "err", err)
		return
	}
	a.m.HoldersNumber.Set(float64(holders))
}

func (a *Aggregated) updateSummary(ctx context.Context) {
	err := a.store.UpdateSummary(ctx, map[string]any{
		"apr":           a.apr,
		"total_rewards": a.rewardsTotal,
		"total_losses":  a.lossesTotal,
	})
	if err != nil {
		a.log.Warn("updating summary failed", "err", err)
	}
}

// handleError routes a cycle failure: shrink on range overflow, reconnect on
// anything else. The cursor never advances on a failed cycle.
func (a *Aggregated) handleError(ctx context.Context, err error) {
	switch supervisor.Classify(err) {
	case supervisor.RangeTooLarge:
		a.shrinkWindow()
		a.log.Warn("scan range overflowed provider limit, shrinking window",
			"window", a.window, "err", err)
	case supervisor.Expected:
		a.log.Warn("transient chain fault", "err", err)
		a.sup.Failed(PollerAggregated)
		a.reconnect(ctx)
	default:
		a.log.Error("unexpected fault, treating as connectivity loss", "err", err)
		a.sup.Failed(PollerAggregated)
		a.reconnect(ctx)
	}
}

// shrinkWindow drops the window by 10%, and by at least one block, never
// below one.
func (a *Aggregated) shrinkWindow() {
	next := a.window - a.window/10
	if next == a.window && next > 1 {
		next--
	}
	if next < 1 {
		next = 1
	}
	a.window = next
}

func (a *Aggregated) reconnect(ctx context.Context) {
	err := a.sup.Reconnect(ctx, PollerAggregated, func(ctx context.Context) error {
		client, err := a.dial(ctx)
		if err != nil {
			return err
		}
		old := a.client
		a.client = client
		if old != nil {
			old.Close()
		}
		// the next cycle builds a fresh filter from the durable cursor
		a.filter = nil
		a.classifier = scanner.NewClassifier(client, a.cfg.ContractABI, a.log)
		return nil
	})
	if err != nil {
		// the alert gauge stays up; the next cycle fails and re-enters here
		a.log.Error("reconnection failed", "err", err)
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
