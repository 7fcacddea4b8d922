package reader

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/nimbus-works/staking-monitor/internal/config"
)

// Caller is the slice of the parachain client the reader needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, address common.Address, block *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, address common.Address, block *big.Int) (*big.Int, error)
}

// oracleMembersCap bounds member enumeration; the contract holds a handful.
const oracleMembersCap = 64

// Reader performs point-in-time reads against the protocol contracts. It is
// a thin translation layer with no state machine; a fresh one is built after
// every reconnect.
type Reader struct {
	caller Caller
	abis   *ABISet

	nimbus       common.Address
	oracleMaster common.Address
	withdrawal   common.Address
	xcToken      common.Address
	controller   common.Address
}

func New(caller Caller, abis *ABISet, contracts config.Contracts) *Reader {
	return &Reader{
		caller:       caller,
		abis:         abis,
		nimbus:       common.HexToAddress(contracts.Nimbus),
		oracleMaster: common.HexToAddress(contracts.OracleMaster),
		withdrawal:   common.HexToAddress(contracts.Withdrawal),
		xcToken:      common.HexToAddress(contracts.XcToken),
		controller:   common.HexToAddress(contracts.Controller),
	}
}

// HasController reports whether a controller address was configured.
func (r *Reader) HasController() bool {
	return r.controller != (common.Address{})
}

// Controller returns the configured controller address.
func (r *Reader) Controller() common.Address { return r.controller }

func (r *Reader) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: pack: %w", method, err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%s: unpack: %w", method, err)
	}
	return values, nil
}

func (r *Reader) callBig(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	values, err := r.call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := toBig(values[0])
	if !ok {
		return nil, fmt.Errorf("%s: returned %T, want an integer", method, values[0])
	}
	return v, nil
}

// toBig widens the integer types the abi decoder can produce for numeric
// returns; contracts declare era counters as narrow uints.
func toBig(v any) (*big.Int, bool) {
	switch x := v.(type) {
	case *big.Int:
		return x, true
	case uint64:
		return new(big.Int).SetUint64(x), true
	case uint32:
		return new(big.Int).SetUint64(uint64(x)), true
	case uint8:
		return new(big.Int).SetUint64(uint64(x)), true
	default:
		return nil, false
	}
}

// LedgerAddresses lists the protocol ledger contracts registered in Nimbus.
func (r *Reader) LedgerAddresses(ctx context.Context) ([]common.Address, error) {
	values, err := r.call(ctx, r.abis.Nimbus, r.nimbus, "getLedgerAddresses")
	if err != nil {
		return nil, err
	}
	addrs, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getLedgerAddresses: returned %T", values[0])
	}
	return addrs, nil
}

// TotalSupply reads the liquid token total supply.
func (r *Reader) TotalSupply(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.abis.XcToken, r.xcToken, "totalSupply")
}

// TokenBalanceOf reads an xcToken balance.
func (r *Reader) TokenBalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	return r.callBig(ctx, r.abis.XcToken, r.xcToken, "balanceOf", holder)
}

// NimbusTokenBalance reads the xcToken balance held by the Nimbus contract.
func (r *Reader) NimbusTokenBalance(ctx context.Context) (*big.Int, error) {
	return r.TokenBalanceOf(ctx, r.nimbus)
}

func (r *Reader) BufferedDeposits(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.abis.Nimbus, r.nimbus, "bufferedDeposits")
}

func (r *Reader) BufferedRedeems(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.abis.Nimbus, r.nimbus, "bufferedRedeems")
}

func (r *Reader) LedgerStake(ctx context.Context, ledger common.Address) (*big.Int, error) {
	return r.callBig(ctx, r.abis.Nimbus, r.nimbus, "ledgerStake", ledger)
}

func (r *Reader) LedgerBorrow(ctx context.Context, ledger common.Address) (*big.Int, error) {
	return r.callBig(ctx, r.abis.Nimbus, r.nimbus, "ledgerBorrow", ledger)
}

// LedgerBalances is the point-read bundle taken from one ledger contract.
type LedgerBalances struct {
	Total  *big.Int
	Active *big.Int
	Locked *big.Int
	Status uint8
}

// LedgerState reads the balance triple and status from a ledger contract.
func (r *Reader) LedgerState(ctx context.Context, ledger common.Address) (LedgerBalances, error) {
	var out LedgerBalances
	var err error
	if out.Total, err = r.callBig(ctx, r.abis.Ledger, ledger, "totalBalance"); err != nil {
		return out, err
	}
	if out.Active, err = r.callBig(ctx, r.abis.Ledger, ledger, "activeBalance"); err != nil {
		return out, err
	}
	if out.Locked, err = r.callBig(ctx, r.abis.Ledger, ledger, "lockedBalance"); err != nil {
		return out, err
	}
	values, err := r.call(ctx, r.abis.Ledger, ledger, "status")
	if err != nil {
		return out, err
	}
	status, ok := values[0].(uint8)
	if !ok {
		return out, fmt.Errorf("status: returned %T, want uint8", values[0])
	}
	out.Status = status
	return out, nil
}

// OracleMembers enumerates the oracle member accounts by calling members(i)
// until the contract reverts past the end of the array.
func (r *Reader) OracleMembers(ctx context.Context) ([]common.Address, error) {
	var members []common.Address
	for i := 0; i < oracleMembersCap; i++ {
		values, err := r.call(ctx, r.abis.OracleMaster, r.oracleMaster, "members", big.NewInt(int64(i)))
		if err != nil {
			// the revert past the last index is the terminator
			break
		}
		addr, ok := values[0].(common.Address)
		if !ok {
			return nil, fmt.Errorf("members(%d): returned %T", i, values[0])
		}
		members = append(members, addr)
	}
	return members, nil
}

func (r *Reader) OracleEraID(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.abis.OracleMaster, r.oracleMaster, "eraId")
}

func (r *Reader) OracleCurrentEraID(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.abis.OracleMaster, r.oracleMaster, "getCurrentEraId")
}

func (r *Reader) WithdrawalPending(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.abis.Withdrawal, r.withdrawal, "pendingForClaiming")
}

func (r *Reader) WithdrawalVirtualAmount(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.abis.Withdrawal, r.withdrawal, "totalVirtualXcTokenAmount")
}

func (r *Reader) WithdrawalPoolShares(ctx context.Context) (*big.Int, error) {
	return r.callBig(ctx, r.abis.Withdrawal, r.withdrawal, "totalXcTokenPoolShares")
}

// WithdrawalTokenBalance reads the xcToken balance of the withdrawal
// contract itself.
func (r *Reader) WithdrawalTokenBalance(ctx context.Context) (*big.Int, error) {
	return r.TokenBalanceOf(ctx, r.withdrawal)
}

// StashAccounts lists the relay chain stash accounts the protocol manages.
func (r *Reader) StashAccounts(ctx context.Context) ([][32]byte, error) {
	values, err := r.call(ctx, r.abis.Nimbus, r.nimbus, "getStashAccounts")
	if err != nil {
		return nil, err
	}
	stashes, ok := values[0].([][32]byte)
	if !ok {
		return nil, fmt.Errorf("getStashAccounts: returned %T", values[0])
	}
	return stashes, nil
}

// FindLedger resolves a stash account to its ledger contract address.
func (r *Reader) FindLedger(ctx context.Context, stash [32]byte) (common.Address, error) {
	values, err := r.call(ctx, r.abis.Nimbus, r.nimbus, "findLedger", stash)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("findLedger: returned %T", values[0])
	}
	return addr, nil
}

// NativeBalance reads the parachain native balance of an account.
func (r *Reader) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return r.caller.BalanceAt(ctx, account, nil)
}

// CheckDeployed verifies each configured contract has code on chain.
func (r *Reader) CheckDeployed(ctx context.Context) error {
	targets := map[string]common.Address{
		"nimbus":        r.nimbus,
		"oracle_master": r.oracleMaster,
		"withdrawal":    r.withdrawal,
		"xctoken":       r.xcToken,
	}
	for name, addr := range targets {
		code, err := r.caller.CodeAt(ctx, addr, nil)
		if err != nil {
			return fmt.Errorf("checking %s at %s: %w", name, addr, err)
		}
		if len(code) == 0 {
			return fmt.Errorf("contract %s has no code at %s", name, addr)
		}
	}
	return nil
}
