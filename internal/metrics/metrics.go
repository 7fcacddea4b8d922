package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus gauge the pollers publish. Gauges are safe
// for concurrent Set calls, so pollers share one instance without locking.
type Metrics struct {
	// Aggregated scan metrics.
	Deposited           prometheus.Gauge
	DepositedEventsNum  prometheus.Gauge
	Redeemed            prometheus.Gauge
	RedeemedEventsNum   prometheus.Gauge
	RewardsAggregated   prometheus.Gauge
	LossesAggregated    prometheus.Gauge
	HoldersNumber       prometheus.Gauge
	APR                 prometheus.Gauge
	APRPerMonth         prometheus.Gauge
	APRPerWeek          prometheus.Gauge
	LastBlockWithEvents prometheus.Gauge

	// Parachain snapshot metrics.
	ParachainBlockNumber prometheus.Gauge
	TotalSupply          prometheus.Gauge
	NimbusTokens         prometheus.Gauge
	BufferedDeposits     prometheus.Gauge
	BufferedRedeems      prometheus.Gauge
	ControllerBalance    prometheus.Gauge
	LedgersStake         prometheus.Gauge

	LedgerStake         *prometheus.GaugeVec
	LedgerBorrow        *prometheus.GaugeVec
	LedgerTotalBalance  *prometheus.GaugeVec
	LedgerActiveBalance *prometheus.GaugeVec
	LedgerLockedBalance *prometheus.GaugeVec
	LedgerStatus        *prometheus.GaugeVec
	LedgerTokenBalance  *prometheus.GaugeVec
	OracleBalance       *prometheus.GaugeVec
	ValidatorsCount     *prometheus.GaugeVec

	OracleMasterEraID        prometheus.Gauge
	OracleMasterCurrentEraID prometheus.Gauge
	WithdrawalTokens         prometheus.Gauge
	WithdrawalPending        prometheus.Gauge
	WithdrawalVirtualAmount  prometheus.Gauge
	WithdrawalPoolShares     prometheus.Gauge

	// Relay chain snapshot metrics.
	RelayBlockNumber prometheus.Gauge
	ActiveEraID      prometheus.Gauge
	TotalStaked      prometheus.Gauge
	InflationRate    prometheus.Gauge
	PayoutBalance    prometheus.Gauge

	// Alerting.
	AlertNotConnected *prometheus.GaugeVec
	AlertPollerFailed *prometheus.GaugeVec
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes and registers global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = build()
	})
	return metrics
}

func build() *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		prometheus.MustRegister(g)
		return g
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		prometheus.MustRegister(g)
		return g
	}

	return &Metrics{
		Deposited:           gauge("nimbus_deposits", "Lifetime amount carried by Deposited events"),
		DepositedEventsNum:  gauge("nimbus_deposited_events_number", "Number of Deposited events observed"),
		Redeemed:            gauge("nimbus_redeems", "Lifetime amount carried by Redeemed events"),
		RedeemedEventsNum:   gauge("nimbus_redeemed_events_number", "Number of Redeemed events observed"),
		RewardsAggregated:   gauge("nimbus_rewards_aggregated", "Lifetime sum of Rewards event amounts"),
		LossesAggregated:    gauge("nimbus_losses_aggregated", "Lifetime sum of Losses event amounts"),
		HoldersNumber:       gauge("holders_number", "Distinct token holder addresses seen"),
		APR:                 gauge("apr", "Averaged annual percentage rate across protocol ledgers"),
		APRPerMonth:         gauge("apr_per_month", "APR averaged over roughly one month of eras"),
		APRPerWeek:          gauge("apr_per_week", "APR averaged over roughly one week of eras"),
		LastBlockWithEvents: gauge("parachain_last_block_number_with_events", "Last parachain block carrying a protocol event"),

		ParachainBlockNumber: gauge("parachain_block_number", "Last finalized parachain block observed"),
		TotalSupply:          gauge("nimbus_total_supply", "Total supply of liquid tokens issued"),
		NimbusTokens:         gauge("nimbus_tokens", "Token balance held by the Nimbus contract"),
		BufferedDeposits:     gauge("nimbus_buffered_deposits", "Nimbus bufferedDeposits()"),
		BufferedRedeems:      gauge("nimbus_buffered_redeems", "Nimbus bufferedRedeems()"),
		ControllerBalance:    gauge("controller_balance", "xcToken balance of the controller"),
		LedgersStake:         gauge("parachain_ledgers_stake", "Sum of stakes across protocol ledgers"),

		LedgerStake:         gaugeVec("parachain_ledger_stake", "Nimbus ledgerStake(ledger)", "address"),
		LedgerBorrow:        gaugeVec("parachain_ledger_borrow", "Nimbus ledgerBorrow(ledger)", "address"),
		LedgerTotalBalance:  gaugeVec("parachain_ledger_total_balance", "Total balance of the ledger", "address"),
		LedgerActiveBalance: gaugeVec("parachain_ledger_active_balance", "Active balance of the ledger", "address"),
		LedgerLockedBalance: gaugeVec("parachain_ledger_locked_balance", "Locked balance of the ledger", "address"),
		LedgerStatus:        gaugeVec("parachain_ledger_status", "Ledger status: 0 idle, 1 nominator, 2 validator, 3 none", "address"),
		LedgerTokenBalance:  gaugeVec("parachain_ledger_xctoken_balance", "xcToken balance of the ledger", "address"),
		OracleBalance:       gaugeVec("oracle_service_balance", "Native balance of an oracle member account", "address"),
		ValidatorsCount:     gaugeVec("validators_count", "Number of validators nominated by the ledger", "ledger"),

		OracleMasterEraID:        gauge("oracle_master_era_id", "eraId stored in the OracleMaster contract"),
		OracleMasterCurrentEraID: gauge("oracle_master_current_era_id", "OracleMaster getCurrentEraId()"),
		WithdrawalTokens:         gauge("withdrawal_tokens", "xcToken balance of the Withdrawal contract"),
		WithdrawalPending:        gauge("withdrawal_pending_for_claiming", "Withdrawal pendingForClaiming()"),
		WithdrawalVirtualAmount:  gauge("withdrawal_total_virtual_xctoken_amount", "Withdrawal totalVirtualXcTokenAmount()"),
		WithdrawalPoolShares:     gauge("withdrawal_total_xctoken_pool_shares", "Withdrawal totalXcTokenPoolShares()"),

		RelayBlockNumber: gauge("relay_chain_block_number", "Last finalized relay chain block observed"),
		ActiveEraID:      gauge("relay_chain_active_era_id", "Active staking era on the relay chain"),
		TotalStaked:      gauge("relay_chain_total_staked_tokens", "Total staked amount on the relay chain"),
		InflationRate:    gauge("inflation_rate", "Estimated network inflation rate"),
		PayoutBalance:    gauge("payout_service_balance", "Free relay chain balance of the payout account"),

		AlertNotConnected: gaugeVec("alert_not_connected", "1 while the poller has lost its chain connection", "poller"),
		AlertPollerFailed: gaugeVec("alert_poller_failing", "1 while the poller keeps failing within a short window", "poller"),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
