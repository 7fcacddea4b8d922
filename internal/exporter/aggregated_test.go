package exporter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/nimbus-works/staking-monitor/internal/metrics"
	"github.com/nimbus-works/staking-monitor/internal/scanner"
	"github.com/nimbus-works/staking-monitor/internal/storage"
	"github.com/nimbus-works/staking-monitor/internal/supervisor"
)

const monitorABI = `[
  {"type":"event","name":"Transfer","inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]},
  {"type":"event","name":"Deposited","inputs":[
    {"name":"sender","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Redeemed","inputs":[
    {"name":"receiver","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Rewards","inputs":[
    {"name":"ledger","type":"address","indexed":false},
    {"name":"rewards","type":"uint256","indexed":false},
    {"name":"balance","type":"uint256","indexed":false}]},
  {"type":"event","name":"Losses","inputs":[
    {"name":"ledger","type":"address","indexed":false},
    {"name":"losses","type":"uint256","indexed":false},
    {"name":"balance","type":"uint256","indexed":false}]}
]`

type fakePara struct {
	head        uint64
	headErr     error
	logs        []types.Log
	receipts    map[common.Hash]*types.Receipt
	fetchErr    error
	receiptErrs int // receipt fetches failing before they start succeeding

	from, to uint64
	closed   bool
}

func (f *fakePara) FinalizedHead(context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakePara) InstallLogFilter(_ context.Context, _ common.Address, _ []common.Hash, from, to uint64) (string, error) {
	f.from, f.to = from, to
	return "0x1", nil
}

func (f *fakePara) FilterLogs(context.Context, string) ([]types.Log, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= f.from && lg.BlockNumber <= f.to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakePara) UninstallFilter(context.Context, string) error { return nil }

func (f *fakePara) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.receiptErrs > 0 {
		f.receiptErrs--
		return nil, errors.New("receipt not ready")
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, errors.New("receipt not found")
	}
	return r, nil
}

func (f *fakePara) Close() { f.closed = true }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parsedABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(monitorABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return parsed
}

func packData(t *testing.T, contract abi.ABI, event string, values ...any) []byte {
	t.Helper()
	data, err := contract.Events[event].Inputs.NonIndexed().Pack(values...)
	if err != nil {
		t.Fatalf("pack %s: %v", event, err)
	}
	return data
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir() + "/db.sqlite")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func depositedFixture(t *testing.T, contract abi.ABI, block uint64, tx common.Hash, amount int64) (types.Log, *types.Receipt) {
	t.Helper()
	sender := common.HexToAddress("0xabc")
	topics := []common.Hash{scanner.TopicDeposited, common.BytesToHash(sender.Bytes())}
	receipt := &types.Receipt{Logs: []*types.Log{{
		Index:  0,
		Topics: topics,
		Data:   packData(t, contract, "Deposited", big.NewInt(amount)),
	}}}
	return types.Log{BlockNumber: block, Index: 0, TxHash: tx, Topics: topics}, receipt
}

func testAggregated(t *testing.T, cfg AggregatedConfig, para *fakePara, store *storage.Store) *Aggregated {
	t.Helper()
	m := metrics.Init()
	sup := supervisor.New(testLogger(), m)
	dial := func(context.Context) (ParaChain, error) { return para, nil }
	return NewAggregated(cfg, store, m, sup, para, dial, testLogger())
}

func baseConfig(t *testing.T) AggregatedConfig {
	return AggregatedConfig{
		Contract:     common.HexToAddress("0x01"),
		ContractABI:  parsedABI(t),
		Genesis:      100,
		MaxWindow:    50,
		PollInterval: time.Millisecond,
		APRMin:       0,
		APRMax:       100,
		QueryLimit:   10,
		ErasPerDay:   4,
	}
}

// One Deposited event with amount 50 at block 105 in range [100, 110].
func TestAggregatedFoldsDepositedEvent(t *testing.T) {
	contract := parsedABI(t)
	tx := common.HexToHash("0xd1")
	lg, receipt := depositedFixture(t, contract, 105, tx, 50)
	para := &fakePara{
		head:     110,
		logs:     []types.Log{lg},
		receipts: map[common.Hash]*types.Receipt{tx: receipt},
	}
	store := newTestStore(t)
	a := testAggregated(t, baseConfig(t), para, store)

	ctx := context.Background()
	a.recover(ctx)
	select {
	case <-a.Ready():
	default:
		t.Fatal("not ready after recovery")
	}
	if err := a.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if a.agg.Deposited.Int64() != 50 || a.agg.DepositedEventsNum != 1 {
		t.Fatalf("deposited = %s (%d events)", a.agg.Deposited, a.agg.DepositedEventsNum)
	}
	if a.agg.LastBlockWithEvents != 105 {
		t.Fatalf("last block with events = %d, want 105", a.agg.LastBlockWithEvents)
	}
	if a.agg.NextBlock != 111 {
		t.Fatalf("next block = %d, want 111", a.agg.NextBlock)
	}

	// the checkpoint is durable
	persisted, ok, err := store.GetAggregates(ctx)
	if err != nil || !ok {
		t.Fatalf("checkpoint: ok=%v err=%v", ok, err)
	}
	if persisted.NextBlock != 111 || persisted.Deposited.Int64() != 50 {
		t.Fatalf("persisted checkpoint = %+v", persisted)
	}
}

// A range-too-large refusal shrinks the window by 10% without advancing.
func TestAggregatedShrinksWindowOnOverflow(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MaxWindow = 1000
	para := &fakePara{
		head:     5000,
		fetchErr: errors.New("query returned more than 10000 results"),
	}
	store := newTestStore(t)
	a := testAggregated(t, cfg, para, store)

	ctx := context.Background()
	a.recover(ctx)
	err := a.cycle(ctx)
	if err == nil {
		t.Fatal("expected overflow error")
	}
	a.handleError(ctx, err)

	if a.window != 900 {
		t.Fatalf("window = %d, want 900", a.window)
	}
	if a.agg.NextBlock != 100 {
		t.Fatalf("cursor advanced on failure: %d", a.agg.NextBlock)
	}

	// the next cycle re-requests the same lower bound
	if err := a.cycle(ctx); err == nil {
		t.Fatal("expected overflow error again")
	}
	if para.from != 100 {
		t.Fatalf("refetched from %d, want 100", para.from)
	}
}

func TestWindowShrinkConvergesToOne(t *testing.T) {
	a := &Aggregated{window: 1000}
	prev := a.window
	for i := 0; i < 200; i++ {
		a.shrinkWindow()
		if a.window < 1 {
			t.Fatalf("window dropped below 1: %d", a.window)
		}
		if a.window >= prev && prev > 1 {
			t.Fatalf("window did not shrink: %d -> %d", prev, a.window)
		}
		prev = a.window
	}
	if a.window != 1 {
		t.Fatalf("window = %d after 200 shrinks, want 1", a.window)
	}
}

func TestWindowRestoredAfterCleanRange(t *testing.T) {
	cfg := baseConfig(t)
	para := &fakePara{head: 200}
	store := newTestStore(t)
	a := testAggregated(t, cfg, para, store)

	ctx := context.Background()
	a.recover(ctx)
	a.window = 5
	if err := a.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if a.window != cfg.MaxWindow {
		t.Fatalf("window = %d, want restored %d", a.window, cfg.MaxWindow)
	}
}

// Restarting from a persisted checkpoint replays pending blocks exactly once
// and a second restart with no new blocks changes nothing.
func TestAggregatedRecoversFromCheckpoint(t *testing.T) {
	contract := parsedABI(t)
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpdateAggregates(ctx, storage.Aggregates{
		Deposited:           big.NewInt(50),
		DepositedEventsNum:  1,
		Redeemed:            new(big.Int),
		LastBlockWithEvents: 105,
		NextBlock:           201,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	tx := common.HexToHash("0xd2")
	lg, receipt := depositedFixture(t, contract, 203, tx, 20)
	para := &fakePara{
		head:     205,
		logs:     []types.Log{lg},
		receipts: map[common.Hash]*types.Receipt{tx: receipt},
	}

	a := testAggregated(t, baseConfig(t), para, store)
	a.recover(ctx)
	if a.agg.NextBlock != 201 {
		t.Fatalf("recovered next block = %d, want 201", a.agg.NextBlock)
	}
	if err := a.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if a.agg.Deposited.Int64() != 70 || a.agg.DepositedEventsNum != 2 {
		t.Fatalf("deposited = %s (%d events), want 70 (2)", a.agg.Deposited, a.agg.DepositedEventsNum)
	}
	if a.agg.NextBlock != 206 {
		t.Fatalf("next block = %d, want 206", a.agg.NextBlock)
	}

	// a second restart with no head movement leaves the state untouched
	b := testAggregated(t, baseConfig(t), para, store)
	b.recover(ctx)
	if b.agg.Deposited.Int64() != 70 || b.agg.DepositedEventsNum != 2 || b.agg.NextBlock != 206 {
		t.Fatalf("state changed across restart: %+v", b.agg)
	}
	if err := b.cycle(ctx); err != nil {
		t.Fatalf("idle cycle: %v", err)
	}
	if b.agg.Deposited.Int64() != 70 || b.agg.DepositedEventsNum != 2 {
		t.Fatalf("idle cycle mutated aggregates: %+v", b.agg)
	}
}

func TestAggregatedFoldsTransfersAndRewards(t *testing.T) {
	contract := parsedABI(t)
	store := newTestStore(t)
	ctx := context.Background()

	holder := common.HexToAddress("0x0000000000000000000000000000000000000bbb")
	ledger := common.HexToAddress("0x0000000000000000000000000000000000000ccc")
	rewardTx := common.HexToHash("0xd3")
	lossTx := common.HexToHash("0xd4")

	transferLog := types.Log{
		BlockNumber: 120,
		Index:       0,
		TxHash:      common.HexToHash("0xd5"),
		Topics: []common.Hash{
			scanner.TopicTransfer,
			common.BytesToHash(common.HexToAddress("0x0").Bytes()),
			common.BytesToHash(holder.Bytes()),
		},
	}
	rewardLog := types.Log{
		BlockNumber: 121, Index: 0, TxHash: rewardTx,
		Topics: []common.Hash{scanner.TopicRewards},
	}
	lossLog := types.Log{
		BlockNumber: 122, Index: 0, TxHash: lossTx,
		Topics: []common.Hash{scanner.TopicLosses},
	}
	receipts := map[common.Hash]*types.Receipt{
		rewardTx: {Logs: []*types.Log{{
			Index:  0,
			Topics: []common.Hash{scanner.TopicRewards},
			Data:   packData(t, contract, "Rewards", ledger, big.NewInt(13), big.NewInt(1013)),
		}}},
		lossTx: {Logs: []*types.Log{{
			Index:  0,
			Topics: []common.Hash{scanner.TopicLosses},
			Data:   packData(t, contract, "Losses", ledger, big.NewInt(5), big.NewInt(1008)),
		}}},
	}
	para := &fakePara{
		head:     130,
		logs:     []types.Log{transferLog, rewardLog, lossLog},
		receipts: receipts,
	}

	a := testAggregated(t, baseConfig(t), para, store)
	a.recover(ctx)
	if err := a.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if n, err := store.HolderCount(ctx); err != nil || n != 1 {
		t.Fatalf("holder count = %d, %v", n, err)
	}
	rewards, losses, err := store.TotalRewardsAndLosses(ctx)
	if err != nil || rewards.Int64() != 13 || losses.Int64() != 5 {
		t.Fatalf("totals = %s/%s, %v; want 13/5", rewards, losses, err)
	}
	if a.rewardsTotal.Int64() != 13 || a.lossesTotal.Int64() != 5 {
		t.Fatalf("in-memory totals = %s/%s", a.rewardsTotal, a.lossesTotal)
	}
	entries, err := store.RewardsByLedger(ctx, ledger.Hex(), 10)
	if err != nil || len(entries) != 2 {
		t.Fatalf("ledger entries = %d, %v", len(entries), err)
	}
	// newest first: the loss is the negative entry
	if entries[0].Amount.Int64() != -5 || entries[1].Amount.Int64() != 13 {
		t.Fatalf("entry amounts = %s, %s", entries[0].Amount, entries[1].Amount)
	}
}

// A cycle that fetched its range but failed before folding must re-request
// the whole range on retry, not just the blocks past the fetch's advance.
func TestAggregatedRetriesWholeRangeAfterReceiptFault(t *testing.T) {
	contract := parsedABI(t)
	tx := common.HexToHash("0xd6")
	lg, receipt := depositedFixture(t, contract, 105, tx, 50)
	para := &fakePara{
		head:        110,
		logs:        []types.Log{lg},
		receipts:    map[common.Hash]*types.Receipt{tx: receipt},
		receiptErrs: 1,
	}
	store := newTestStore(t)
	a := testAggregated(t, baseConfig(t), para, store)

	ctx := context.Background()
	a.recover(ctx)
	err := a.cycle(ctx)
	if err == nil {
		t.Fatal("expected receipt failure")
	}
	a.handleError(ctx, err)
	if a.agg.NextBlock != 100 {
		t.Fatalf("cursor advanced on failure: %d", a.agg.NextBlock)
	}

	if err := a.cycle(ctx); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if para.from != 100 || para.to != 110 {
		t.Fatalf("retry fetched [%d, %d], want [100, 110]", para.from, para.to)
	}
	if a.agg.Deposited.Int64() != 50 || a.agg.DepositedEventsNum != 1 {
		t.Fatalf("deposited = %s (%d events), want 50 (1)", a.agg.Deposited, a.agg.DepositedEventsNum)
	}
	if a.agg.NextBlock != 111 {
		t.Fatalf("next block = %d, want 111", a.agg.NextBlock)
	}
}

// An event at the range's upper bound advances the filter past the whole
// range; a reconnect right after must not rebuild it from the inverted
// bounds, and the retried cycle still folds the event.
func TestAggregatedReconnectAfterBoundaryAdvance(t *testing.T) {
	contract := parsedABI(t)
	tx := common.HexToHash("0xd7")
	lg, receipt := depositedFixture(t, contract, 110, tx, 50)
	para := &fakePara{
		head:        110,
		logs:        []types.Log{lg},
		receipts:    map[common.Hash]*types.Receipt{tx: receipt},
		receiptErrs: 1,
	}
	store := newTestStore(t)
	a := testAggregated(t, baseConfig(t), para, store)

	ctx := context.Background()
	a.recover(ctx)
	err := a.cycle(ctx)
	if err == nil {
		t.Fatal("expected receipt failure")
	}
	a.handleError(ctx, err) // reconnects; must not rebuild an inverted filter

	if err := a.cycle(ctx); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if a.agg.Deposited.Int64() != 50 || a.agg.DepositedEventsNum != 1 {
		t.Fatalf("deposited = %s (%d events), want 50 (1)", a.agg.Deposited, a.agg.DepositedEventsNum)
	}
	if a.agg.NextBlock != 111 {
		t.Fatalf("next block = %d, want 111", a.agg.NextBlock)
	}
}

// Reward amounts near the uint256 range fold and persist without wrapping.
func TestAggregatedFoldsLargeReward(t *testing.T) {
	contract := parsedABI(t)
	store := newTestStore(t)
	ctx := context.Background()

	ledger := common.HexToAddress("0x0000000000000000000000000000000000000ccc")
	amount := new(big.Int).Lsh(big.NewInt(1), 70)
	balance := new(big.Int).Add(amount, big.NewInt(1000))
	rewardTx := common.HexToHash("0xd8")
	rewardLog := types.Log{
		BlockNumber: 121, Index: 0, TxHash: rewardTx,
		Topics: []common.Hash{scanner.TopicRewards},
	}
	receipts := map[common.Hash]*types.Receipt{
		rewardTx: {Logs: []*types.Log{{
			Index:  0,
			Topics: []common.Hash{scanner.TopicRewards},
			Data:   packData(t, contract, "Rewards", ledger, amount, balance),
		}}},
	}
	para := &fakePara{head: 130, logs: []types.Log{rewardLog}, receipts: receipts}

	a := testAggregated(t, baseConfig(t), para, store)
	a.recover(ctx)
	if err := a.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if a.rewardsTotal.Cmp(amount) != 0 || a.lossesTotal.Sign() != 0 {
		t.Fatalf("in-memory totals = %s/%s, want %s/0", a.rewardsTotal, a.lossesTotal, amount)
	}
	rewards, losses, err := store.TotalRewardsAndLosses(ctx)
	if err != nil || rewards.Cmp(amount) != 0 || losses.Sign() != 0 {
		t.Fatalf("totals = %s/%s, %v; want %s/0", rewards, losses, err, amount)
	}
}
