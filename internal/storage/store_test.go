package storage

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAggregatesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetAggregates(ctx); err != nil || ok {
		t.Fatalf("fresh store: ok=%v err=%v, want no checkpoint", ok, err)
	}

	want := Aggregates{
		Deposited:           big.NewInt(50),
		DepositedEventsNum:  1,
		Redeemed:            big.NewInt(7),
		RedeemedEventsNum:   2,
		LastBlockWithEvents: 105,
		NextBlock:           111,
	}
	if err := store.UpdateAggregates(ctx, want); err != nil {
		t.Fatalf("update aggregates: %v", err)
	}

	got, ok, err := store.GetAggregates(ctx)
	if err != nil || !ok {
		t.Fatalf("get aggregates: ok=%v err=%v", ok, err)
	}
	if got.Deposited.Cmp(want.Deposited) != 0 || got.DepositedEventsNum != 1 ||
		got.Redeemed.Cmp(want.Redeemed) != 0 || got.RedeemedEventsNum != 2 ||
		got.LastBlockWithEvents != 105 || got.NextBlock != 111 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Second write replaces the single row rather than appending.
	want.LastBlockWithEvents = 200
	if err := store.UpdateAggregates(ctx, want); err != nil {
		t.Fatalf("update aggregates again: %v", err)
	}
	got, _, _ = store.GetAggregates(ctx)
	if got.LastBlockWithEvents != 200 {
		t.Fatalf("checkpoint not replaced: %d", got.LastBlockWithEvents)
	}
}

func TestRewardLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries := []RewardEntry{
		{Ledger: "L1", Amount: big.NewInt(10), Balance: big.NewInt(110), Block: 1},
		{Ledger: "L1", Amount: big.NewInt(-5), Balance: big.NewInt(95), Block: 2},
		{Ledger: "L2", Amount: big.NewInt(3), Balance: big.NewInt(53), Block: 2},
	}
	for _, e := range entries {
		if err := store.AddReward(ctx, e); err != nil {
			t.Fatalf("add reward: %v", err)
		}
	}

	got, err := store.RewardsByLedger(ctx, "L1", 10)
	if err != nil {
		t.Fatalf("rewards by ledger: %v", err)
	}
	if len(got) != 2 || got[0].Block != 2 || got[1].Block != 1 {
		t.Fatalf("expected newest-first L1 entries, got %+v", got)
	}

	if got, err := store.RewardsByLedger(ctx, "L1", 1); err != nil || len(got) != 1 {
		t.Fatalf("limit not applied: %v %v", got, err)
	}

	ledgers, err := store.LedgerAddresses(ctx)
	if err != nil || len(ledgers) != 2 {
		t.Fatalf("ledger addresses: %v %v", ledgers, err)
	}

	rewards, losses, err := store.TotalRewardsAndLosses(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if rewards.Int64() != 13 || losses.Int64() != 5 {
		t.Fatalf("totals = %s/%s, want 13/5", rewards, losses)
	}
}

// Amounts past int64 must survive the round trip and sum exactly.
func TestRewardLedgerBigAmounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	loss := new(big.Int).Neg(new(big.Int).Add(huge, big.NewInt(1)))
	for _, e := range []RewardEntry{
		{Ledger: "L1", Amount: huge, Balance: new(big.Int).Lsh(big.NewInt(1), 71), Block: 1},
		{Ledger: "L1", Amount: loss, Balance: big.NewInt(0), Block: 2},
	} {
		if err := store.AddReward(ctx, e); err != nil {
			t.Fatalf("add reward: %v", err)
		}
	}

	got, err := store.RewardsByLedger(ctx, "L1", 10)
	if err != nil || len(got) != 2 {
		t.Fatalf("rewards by ledger: %v %v", got, err)
	}
	if got[1].Amount.Cmp(huge) != 0 || got[0].Amount.Cmp(loss) != 0 {
		t.Fatalf("amounts = %s, %s, want %s, %s", got[0].Amount, got[1].Amount, loss, huge)
	}

	rewards, losses, err := store.TotalRewardsAndLosses(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if rewards.Cmp(huge) != 0 {
		t.Fatalf("rewards = %s, want %s", rewards, huge)
	}
	if losses.Cmp(new(big.Int).Neg(loss)) != 0 {
		t.Fatalf("losses = %s, want %s", losses, new(big.Int).Neg(loss))
	}
}

func TestHolderSetSemantics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, a := range []string{"0xaa", "0xbb", "0xaa"} {
		if err := store.AddHolder(ctx, a); err != nil {
			t.Fatalf("add holder %s: %v", a, err)
		}
	}
	n, err := store.HolderCount(ctx)
	if err != nil {
		t.Fatalf("holder count: %v", err)
	}
	if n != 2 {
		t.Fatalf("holder count = %d, want 2 (duplicates ignored)", n)
	}
}

func TestSummaryColumnUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpdateSummary(ctx, map[string]any{
		"apr":           0.12,
		"total_rewards": big.NewInt(42),
	}); err != nil {
		t.Fatalf("update summary: %v", err)
	}

	got, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got["apr"] != "0.12" {
		t.Errorf("apr = %q", got["apr"])
	}
	if got["total_rewards"] != "42" {
		t.Errorf("total_rewards = %q", got["total_rewards"])
	}

	if err := store.UpdateSummary(ctx, map[string]any{"nope": 1}); err == nil {
		t.Fatal("expected rejection of unknown column")
	}
}

func TestReplaceValidatorsInfo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []ValidatorInfo{{ActiveStake: big.NewInt(100), Ledger: "L1", Stash: "S1", Validators: "v1,v2"}}
	if err := store.ReplaceValidatorsInfo(ctx, first); err != nil {
		t.Fatalf("replace validators: %v", err)
	}
	second := []ValidatorInfo{
		{ActiveStake: big.NewInt(5), Ledger: "L2", Stash: "S2", Validators: ""},
		{ActiveStake: big.NewInt(6), Ledger: "L3", Stash: "S3", Validators: "v9"},
	}
	if err := store.ReplaceValidatorsInfo(ctx, second); err != nil {
		t.Fatalf("replace validators: %v", err)
	}

	var n int
	if err := store.db.QueryRow(`SELECT count(*) FROM validators_info;`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("validators rows = %d, want replace-all semantics", n)
	}
}
