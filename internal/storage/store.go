package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for the scan checkpoint, the reward
// ledger, the holder set, the validators info, and the api summary row.
type Store struct {
	db *sql.DB
}

// Aggregates is the durable scan checkpoint. Totals are unsigned 256-bit
// quantities kept as big integers; they only grow. NextBlock is the height
// the scan resumes from after a restart.
type Aggregates struct {
	Deposited           *big.Int
	DepositedEventsNum  uint64
	Redeemed            *big.Int
	RedeemedEventsNum   uint64
	LastBlockWithEvents uint64
	NextBlock           uint64
}

// RewardEntry is one row of the append-only reward ledger. Amount is a
// signed big integer: positive for rewards, negative for losses, kept as
// text so event amounts near the uint256 range never wrap. Balance is the
// ledger balance at the time of the event.
type RewardEntry struct {
	Ledger  string
	Amount  *big.Int
	Balance *big.Int
	Block   uint64
}

// ValidatorInfo is a snapshot row for one protocol ledger.
type ValidatorInfo struct {
	ActiveStake *big.Int
	Ledger      string
	Stash       string
	Validators  string
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS aggregated_data (
  deposited             TEXT NOT NULL,
  deposited_events_num  INTEGER NOT NULL,
  redeemed              TEXT NOT NULL,
  redeemed_events_num   INTEGER NOT NULL,
  last_block_with_events INTEGER NOT NULL,
  next_block            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reward (
  ledger   TEXT NOT NULL,
  amount   TEXT NOT NULL,
  balance  TEXT NOT NULL,
  block    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reward_ledger ON reward (ledger);

CREATE TABLE IF NOT EXISTS holder (
  address TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS validators_info (
  active_stake TEXT NOT NULL,
  ledger       TEXT NOT NULL,
  stash        TEXT NOT NULL,
  validators   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api (
  apr                 REAL NOT NULL DEFAULT 0,
  apr_per_month       REAL NOT NULL DEFAULT 0,
  apr_per_week        REAL NOT NULL DEFAULT 0,
  estimated_apy       REAL NOT NULL DEFAULT 0,
  inflation_rate      REAL NOT NULL DEFAULT 0,
  total_rewards       TEXT NOT NULL DEFAULT '0',
  total_losses        TEXT NOT NULL DEFAULT '0',
  total_staked_relay  TEXT NOT NULL DEFAULT '0',
  total_supply        TEXT NOT NULL DEFAULT '0'
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// The api table is single-row: seed it once so updates never have to
	// check for existence.
	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM api;`).Scan(&n); err != nil {
		return fmt.Errorf("seed api table: %w", err)
	}
	if n == 0 {
		if _, err := db.ExecContext(ctx, `INSERT INTO api DEFAULT VALUES;`); err != nil {
			return fmt.Errorf("seed api table: %w", err)
		}
	}
	return nil
}

// GetAggregates fetches the checkpoint row. ok is false when no checkpoint
// has ever been written.
func (s *Store) GetAggregates(ctx context.Context) (Aggregates, bool, error) {
	var (
		agg                 Aggregates
		deposited, redeemed string
	)
	row := s.db.QueryRowContext(ctx, `
SELECT deposited, deposited_events_num, redeemed, redeemed_events_num, last_block_with_events, next_block
FROM aggregated_data;
`)
	err := row.Scan(&deposited, &agg.DepositedEventsNum, &redeemed, &agg.RedeemedEventsNum, &agg.LastBlockWithEvents, &agg.NextBlock)
	switch {
	case err == sql.ErrNoRows:
		return Aggregates{}, false, nil
	case err != nil:
		return Aggregates{}, false, fmt.Errorf("get aggregates: %w", err)
	}

	var ok bool
	if agg.Deposited, ok = new(big.Int).SetString(deposited, 10); !ok {
		return Aggregates{}, false, fmt.Errorf("get aggregates: bad deposited value %q", deposited)
	}
	if agg.Redeemed, ok = new(big.Int).SetString(redeemed, 10); !ok {
		return Aggregates{}, false, fmt.Errorf("get aggregates: bad redeemed value %q", redeemed)
	}
	return agg, true, nil
}

// UpdateAggregates replaces the checkpoint row (delete+insert, last write wins).
func (s *Store) UpdateAggregates(ctx context.Context, agg Aggregates) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM aggregated_data;`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO aggregated_data (deposited, deposited_events_num, redeemed, redeemed_events_num, last_block_with_events, next_block)
VALUES (?, ?, ?, ?, ?, ?);
`, agg.Deposited.String(), agg.DepositedEventsNum, agg.Redeemed.String(), agg.RedeemedEventsNum, agg.LastBlockWithEvents, agg.NextBlock)
		return err
	})
}

// AddReward appends one reward-ledger row.
func (s *Store) AddReward(ctx context.Context, e RewardEntry) error {
	if e.Ledger == "" {
		return errors.New("ledger address required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reward (ledger, amount, balance, block) VALUES (?, ?, ?, ?);
`, e.Ledger, e.Amount.String(), e.Balance.String(), e.Block)
	if err != nil {
		return fmt.Errorf("add reward: %w", err)
	}
	return nil
}

// RewardsByLedger returns up to limit entries for a ledger, newest block first.
func (s *Store) RewardsByLedger(ctx context.Context, ledger string, limit int) ([]RewardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ledger, amount, balance, block FROM reward
WHERE ledger = ?
ORDER BY block DESC
LIMIT ?;
`, ledger, limit)
	if err != nil {
		return nil, fmt.Errorf("rewards by ledger: %w", err)
	}
	defer rows.Close()

	var out []RewardEntry
	for rows.Next() {
		var (
			e               RewardEntry
			amount, balance string
		)
		if err := rows.Scan(&e.Ledger, &amount, &balance, &e.Block); err != nil {
			return nil, fmt.Errorf("rewards by ledger: %w", err)
		}
		var ok bool
		if e.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
			return nil, fmt.Errorf("rewards by ledger: bad amount %q", amount)
		}
		if e.Balance, ok = new(big.Int).SetString(balance, 10); !ok {
			return nil, fmt.Errorf("rewards by ledger: bad balance %q", balance)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LedgerAddresses lists the distinct ledger addresses present in the reward table.
func (s *Store) LedgerAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT ledger FROM reward;`)
	if err != nil {
		return nil, fmt.Errorf("ledger addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("ledger addresses: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TotalRewardsAndLosses sums positive and negative ledger amounts over the
// whole reward table. Amounts are text, so the sums are built in Go rather
// than via SQL SUM, which would coerce to lossy floats. Losses come back as
// a non-negative magnitude.
func (s *Store) TotalRewardsAndLosses(ctx context.Context) (rewards, losses *big.Int, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM reward;`)
	if err != nil {
		return nil, nil, fmt.Errorf("total rewards and losses: %w", err)
	}
	defer rows.Close()

	rewards, losses = new(big.Int), new(big.Int)
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, nil, fmt.Errorf("total rewards and losses: %w", err)
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, nil, fmt.Errorf("total rewards and losses: bad amount %q", amount)
		}
		if v.Sign() >= 0 {
			rewards.Add(rewards, v)
		} else {
			losses.Sub(losses, v)
		}
	}
	return rewards, losses, rows.Err()
}

// AddHolder records a token holder; duplicates are ignored.
func (s *Store) AddHolder(ctx context.Context, address string) error {
	if address == "" {
		return errors.New("holder address required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO holder (address) VALUES (?);`, address)
	if err != nil {
		return fmt.Errorf("add holder: %w", err)
	}
	return nil
}

// HolderCount returns the number of distinct holders recorded.
func (s *Store) HolderCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(address) FROM holder;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("holder count: %w", err)
	}
	return n, nil
}

// ReplaceValidatorsInfo swaps the validators snapshot wholesale.
func (s *Store) ReplaceValidatorsInfo(ctx context.Context, infos []ValidatorInfo) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM validators_info;`); err != nil {
			return err
		}
		for _, v := range infos {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO validators_info (active_stake, ledger, stash, validators) VALUES (?, ?, ?, ?);
`, v.ActiveStake.String(), v.Ledger, v.Stash, v.Validators); err != nil {
				return err
			}
		}
		return nil
	})
}

// ValidatorsInfo reads the current validators snapshot.
func (s *Store) ValidatorsInfo(ctx context.Context) ([]ValidatorInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT active_stake, ledger, stash, validators FROM validators_info ORDER BY ledger;
`)
	if err != nil {
		return nil, fmt.Errorf("validators info: %w", err)
	}
	defer rows.Close()

	var infos []ValidatorInfo
	for rows.Next() {
		var v ValidatorInfo
		var stake string
		if err := rows.Scan(&stake, &v.Ledger, &v.Stash, &v.Validators); err != nil {
			return nil, fmt.Errorf("validators info: %w", err)
		}
		var ok bool
		if v.ActiveStake, ok = new(big.Int).SetString(stake, 10); !ok {
			return nil, fmt.Errorf("validators info: bad stake value %q", stake)
		}
		infos = append(infos, v)
	}
	return infos, rows.Err()
}

// summaryColumns lists the updatable api-table columns. UpdateSummary builds
// SQL from the column name, so the allowlist is load-bearing.
var summaryColumns = map[string]struct{}{
	"apr":                {},
	"apr_per_month":      {},
	"apr_per_week":       {},
	"estimated_apy":      {},
	"inflation_rate":     {},
	"total_rewards":      {},
	"total_losses":       {},
	"total_staked_relay": {},
	"total_supply":       {},
}

// UpdateSummary sets single columns of the one-row api table.
func (s *Store) UpdateSummary(ctx context.Context, values map[string]any) error {
	for column, value := range values {
		if _, ok := summaryColumns[column]; !ok {
			return fmt.Errorf("update summary: unknown column %q", column)
		}
		if v, ok := value.(*big.Int); ok {
			value = v.String()
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE api SET `+column+` = ?;`, value); err != nil {
			return fmt.Errorf("update summary %s: %w", column, err)
		}
	}
	return nil
}

// Summary reads the api row into a column->value map for display.
func (s *Store) Summary(ctx context.Context) (map[string]string, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT apr, apr_per_month, apr_per_week, estimated_apy, inflation_rate,
       total_rewards, total_losses, total_staked_relay, total_supply
FROM api;
`)
	var (
		apr, month, week, apy, inflation                         float64
		totalRewards, totalLosses, totalStakedRelay, totalSupply string
	)
	if err := row.Scan(&apr, &month, &week, &apy, &inflation, &totalRewards, &totalLosses, &totalStakedRelay, &totalSupply); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	return map[string]string{
		"apr":                fmt.Sprintf("%g", apr),
		"apr_per_month":      fmt.Sprintf("%g", month),
		"apr_per_week":       fmt.Sprintf("%g", week),
		"estimated_apy":      fmt.Sprintf("%g", apy),
		"inflation_rate":     fmt.Sprintf("%g", inflation),
		"total_rewards":      totalRewards,
		"total_losses":       totalLosses,
		"total_staked_relay": totalStakedRelay,
		"total_supply":       totalSupply,
	}, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
