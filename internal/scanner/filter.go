package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/nimbus-works/staking-monitor/internal/chain"
)

// LogSource is the slice of the parachain client the filter needs.
type LogSource interface {
	InstallLogFilter(ctx context.Context, address common.Address, topics []common.Hash, from, to uint64) (string, error)
	FilterLogs(ctx context.Context, id string) ([]types.Log, error)
	UninstallFilter(ctx context.Context, id string) error
}

// installRetries bounds re-installation of a stale provider-side filter
// handle within one Fetch.
const installRetries = 2

// Filter owns (address, topics, from, to) and the lifecycle of the
// provider-side filter handles backing them. Handles are perishable: one is
// installed per Fetch and always released afterward, whatever the outcome.
//
// The filter is stateful: after a successful Fetch the lower bound advances
// past the highest block seen. Callers reuse one Filter across cycles via
// UpdateRange, which resets both bounds from the caller's durable cursor.
type Filter struct {
	src     LogSource
	log     *slog.Logger
	address common.Address
	topics  []common.Hash
	from    uint64
	to      uint64
}

// NewFilter builds a filter over [from, to]. from > to is a programmer
// error.
func NewFilter(src LogSource, log *slog.Logger, address common.Address, topics []common.Hash, from, to uint64) *Filter {
	if from > to {
		panic(fmt.Sprintf("scanner: filter range [%d, %d] is inverted", from, to))
	}
	return &Filter{src: src, log: log, address: address, topics: topics, from: from, to: to}
}

// From reports the current lower bound of the filter.
func (f *Filter) From() uint64 { return f.from }

// To reports the current upper bound of the filter.
func (f *Filter) To() uint64 { return f.to }

// UpdateRange moves the filter to a new range unconditionally, including
// backwards past a previous Fetch's advance: the caller owns the durable
// cursor, and a cycle that failed after its fetch re-requests the whole
// range so no fetched-but-unfolded block is ever skipped.
func (f *Filter) UpdateRange(from, to uint64) {
	if from > to {
		panic(fmt.Sprintf("scanner: filter range [%d, %d] is inverted", from, to))
	}
	f.from = from
	f.to = to
}

// Fetch installs a provider-side filter for the current range, pulls all
// matching logs, and returns them sorted ascending by block number (provider
// order preserved within a block). On success the lower bound advances to the
// highest block seen plus one.
//
// A stale-handle report from the provider triggers up to two
// re-installations. A too-large result set (or a timed-out fetch) surfaces as
// chain.ErrRangeTooLarge so the caller can shrink its window.
func (f *Filter) Fetch(ctx context.Context) ([]types.Log, error) {
	id, err := f.src.InstallLogFilter(ctx, f.address, f.topics, f.from, f.to)
	if err != nil {
		return nil, f.classify(err)
	}

	logs, err := f.src.FilterLogs(ctx, id)
	for attempt := 0; err != nil && chain.IsFilterNotFound(err) && attempt < installRetries; attempt++ {
		f.log.Warn("provider dropped filter handle, reinstalling",
			"attempt", attempt+1, "from", f.from, "to", f.to)
		f.uninstall(ctx, id)
		id, err = f.src.InstallLogFilter(ctx, f.address, f.topics, f.from, f.to)
		if err != nil {
			return nil, f.classify(err)
		}
		logs, err = f.src.FilterLogs(ctx, id)
	}
	f.uninstall(ctx, id)
	if err != nil {
		return nil, f.classify(err)
	}

	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].BlockNumber < logs[j].BlockNumber
	})
	if len(logs) > 0 {
		if next := logs[len(logs)-1].BlockNumber + 1; next > f.from {
			f.from = next
		}
	}
	return logs, nil
}

func (f *Filter) classify(err error) error {
	if chain.IsRangeTooLarge(err) {
		return fmt.Errorf("%w: [%d, %d]: %s", chain.ErrRangeTooLarge, f.from, f.to, err)
	}
	return fmt.Errorf("fetching logs [%d, %d]: %w", f.from, f.to, err)
}

// uninstall releases a handle; failure to release is a provider-side leak at
// worst, never fatal.
func (f *Filter) uninstall(ctx context.Context, id string) {
	if err := f.src.UninstallFilter(ctx, id); err != nil {
		f.log.Warn("uninstalling filter failed", "id", id, "err", err)
	}
}
