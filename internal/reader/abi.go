package reader

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/nimbus-works/staking-monitor/internal/config"
)

// ABISet holds the parsed interfaces of every protocol contract.
type ABISet struct {
	Nimbus       abi.ABI
	Ledger       abi.ABI
	OracleMaster abi.ABI
	Withdrawal   abi.ABI
	XcToken      abi.ABI
}

// Members each ABI must carry for the readers and the scanner to function.
// Checked at load time so a wrong ABI file fails the process at startup, not
// mid-poll.
var (
	requiredEvents = map[string][]string{
		"nimbus":  {"Deposited", "Redeemed", "Rewards", "Losses"},
		"xctoken": {"Transfer"},
	}
	requiredMethods = map[string][]string{
		"nimbus": {
			"getLedgerAddresses", "bufferedDeposits", "bufferedRedeems",
			"ledgerStake", "ledgerBorrow", "getStashAccounts", "findLedger",
		},
		"ledger":        {"totalBalance", "activeBalance", "lockedBalance", "status"},
		"oracle_master": {"members", "eraId", "getCurrentEraId"},
		"withdrawal":    {"pendingForClaiming", "totalVirtualXcTokenAmount", "totalXcTokenPoolShares"},
		"xctoken":       {"totalSupply", "balanceOf"},
	}
)

// LoadABIs reads and parses the ABI files named in the configuration and
// verifies each carries the events and methods the monitor relies on.
func LoadABIs(paths config.ABIPaths) (*ABISet, error) {
	set := &ABISet{}
	for name, target := range map[string]*abi.ABI{
		"nimbus":        &set.Nimbus,
		"ledger":        &set.Ledger,
		"oracle_master": &set.OracleMaster,
		"withdrawal":    &set.Withdrawal,
		"xctoken":       &set.XcToken,
	} {
		path := map[string]string{
			"nimbus":        paths.Nimbus,
			"ledger":        paths.Ledger,
			"oracle_master": paths.OracleMaster,
			"withdrawal":    paths.Withdrawal,
			"xctoken":       paths.XcToken,
		}[name]

		parsed, err := loadABI(path)
		if err != nil {
			return nil, fmt.Errorf("abi %s: %w", name, err)
		}
		if err := checkMembers(name, parsed); err != nil {
			return nil, err
		}
		*target = parsed
	}
	return set, nil
}

func loadABI(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read %s: %w", path, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

func checkMembers(name string, parsed abi.ABI) error {
	for _, event := range requiredEvents[name] {
		if _, ok := parsed.Events[event]; !ok {
			return fmt.Errorf("abi %s: missing event %s", name, event)
		}
	}
	for _, method := range requiredMethods[name] {
		if _, ok := parsed.Methods[method]; !ok {
			return fmt.Errorf("abi %s: missing method %s", name, method)
		}
	}
	return nil
}
