package exporter

import (
	"math"
	"math/big"

	"github.com/nimbus-works/staking-monitor/internal/config"
)

// stakedFraction is the share of total issuance currently staked.
func stakedFraction(staked, issuance *big.Int) float64 {
	if issuance == nil || issuance.Sign() == 0 {
		return 0
	}
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(staked),
		new(big.Float).SetInt(issuance),
	).Float64()
	return f
}

// inflationRate estimates network inflation for the observed staked fraction
// using the Polkadot UI model: linear growth up to the ideal staking rate,
// exponential falloff beyond it. Parachain auctions lower the ideal rate.
func inflationRate(fraction float64, auctions int, p config.InflationParams) float64 {
	if auctions > p.AuctionMax {
		auctions = p.AuctionMax
	}
	idealStake := p.StakeTarget - float64(auctions)*p.AuctionAdjust
	idealInterest := p.MaxInflation / idealStake
	if fraction <= idealStake {
		return p.MinInflation + fraction*(idealInterest-p.MinInflation/idealStake)
	}
	return p.MinInflation + (idealInterest*idealStake-p.MinInflation)*
		math.Pow(2, (idealStake-fraction)/p.Falloff)
}

// estimatedAPY is the average staker return implied by the inflation rate.
func estimatedAPY(inflation, fraction float64) float64 {
	if fraction == 0 {
		return 0
	}
	return inflation / fraction
}
