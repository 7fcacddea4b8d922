package exporter

import (
	"math/big"

	"github.com/nimbus-works/staking-monitor/internal/storage"
)

const daysPerYear = 365

// CalculateAPR averages instantaneous reward rates over bounded windows of
// reward-ledger entries, one window per protocol ledger.
//
// Each entry yields rate = amount / (balance - amount) * erasPerDay * 365,
// skipped when the denominator is zero. Rates outside [aprMin, aprMax] are
// data-quality noise (slashes, dust balances) and are discarded. Retained
// rates are averaged per ledger, then across ledgers. When every rate is
// discarded the previous APR stands: stale beats zero.
func CalculateAPR(prev float64, rewards map[string][]storage.RewardEntry, erasPerDay int, aprMin, aprMax float64) float64 {
	var perLedger []float64
	for _, entries := range rewards {
		var sum float64
		var retained int
		for _, e := range entries {
			denom := new(big.Int).Sub(e.Balance, e.Amount)
			if denom.Sign() == 0 {
				continue
			}
			d, _ := new(big.Float).SetInt(denom).Float64()
			amount, _ := new(big.Float).SetInt(e.Amount).Float64()
			rate := amount / d * float64(erasPerDay) * daysPerYear
			if rate < aprMin || rate > aprMax {
				continue
			}
			sum += rate
			retained++
		}
		if retained > 0 {
			perLedger = append(perLedger, sum/float64(retained))
		}
	}
	if len(perLedger) == 0 {
		return prev
	}
	var total float64
	for _, r := range perLedger {
		total += r
	}
	return total / float64(len(perLedger))
}
