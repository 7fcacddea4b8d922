package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RelayClient reads relay chain state over substrate JSON-RPC. It decodes
// only the storage items the snapshot pollers need.
type RelayClient struct {
	rpc     *rpc.Client
	url     string
	timeout time.Duration
}

// DialRelay connects to one relay chain endpoint.
func DialRelay(ctx context.Context, url string, timeout time.Duration) (*RelayClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial relay rpc %s: %w", url, err)
	}
	return &RelayClient{rpc: c, url: url, timeout: timeout}, nil
}

// Close tears down the underlying connection.
func (c *RelayClient) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

// URL reports the endpoint this client is connected to.
func (c *RelayClient) URL() string { return c.url }

func (c *RelayClient) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// FinalizedHead returns the hash of the latest finalized relay block.
func (c *RelayClient) FinalizedHead(ctx context.Context) (string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var hash string
	if err := c.rpc.CallContext(ctx, &hash, "chain_getFinalizedHead"); err != nil {
		return "", fmt.Errorf("relay finalized head: %w", err)
	}
	return hash, nil
}

// BlockNumber resolves a relay block hash to its height.
func (c *RelayClient) BlockNumber(ctx context.Context, hash string) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var header struct {
		Number hexutil.Uint64 `json:"number"`
	}
	if err := c.rpc.CallContext(ctx, &header, "chain_getHeader", hash); err != nil {
		return 0, fmt.Errorf("relay header %s: %w", hash, err)
	}
	return uint64(header.Number), nil
}

// storage fetches a raw storage value; found is false for empty slots.
func (c *RelayClient) storage(ctx context.Context, key []byte) ([]byte, bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var raw *hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &raw, "state_getStorage", hexutil.Encode(key)); err != nil {
		return nil, false, fmt.Errorf("relay storage: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}
	return *raw, true, nil
}

// ActiveEra returns the active staking era index.
func (c *RelayClient) ActiveEra(ctx context.Context) (uint32, error) {
	// ActiveEraInfo is { index: u32, start: Option<u64> }; the index leads.
	value, found, err := c.storage(ctx, StorageKey("Staking", "ActiveEra"))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("relay storage: Staking.ActiveEra is empty")
	}
	return decodeU32(value)
}

// ErasTotalStake returns the total staked amount for an era.
func (c *RelayClient) ErasTotalStake(ctx context.Context, era uint32) (*big.Int, error) {
	arg := make([]byte, 4)
	binary.LittleEndian.PutUint32(arg, era)
	value, found, err := c.storage(ctx, StorageKey("Staking", "ErasTotalStake", Twox64Concat(arg)))
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	return decodeU128(value)
}

// TotalIssuance returns the total token issuance.
func (c *RelayClient) TotalIssuance(ctx context.Context) (*big.Int, error) {
	value, found, err := c.storage(ctx, StorageKey("Balances", "TotalIssuance"))
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	return decodeU128(value)
}

// AuctionCounter returns the number of slot auctions so far; chains without
// the Auctions pallet report zero.
func (c *RelayClient) AuctionCounter(ctx context.Context) (uint32, error) {
	value, found, err := c.storage(ctx, StorageKey("Auctions", "AuctionCounter"))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return decodeU32(value)
}

// NominatorTargets returns the validator accounts a stash nominates, or nil
// when the stash is not a nominator.
func (c *RelayClient) NominatorTargets(ctx context.Context, stash [32]byte) ([][32]byte, error) {
	value, found, err := c.storage(ctx, StorageKey("Staking", "Nominators", Twox64Concat(stash[:])))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	// Nominations = { targets: Vec<AccountId>, submitted_in: u32, suppressed: bool }
	return decodeAccountVec(value)
}

// FreeBalance returns the free balance of an account from System.Account.
func (c *RelayClient) FreeBalance(ctx context.Context, account [32]byte) (*big.Int, error) {
	value, found, err := c.storage(ctx, StorageKey("System", "Account", Blake2128Concat(account[:])))
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	// AccountInfo: nonce u32, consumers u32, providers u32, sufficients u32,
	// then AccountData whose first field is the free balance.
	if len(value) < 32 {
		return nil, fmt.Errorf("relay storage: short AccountInfo (%d bytes)", len(value))
	}
	return decodeU128(value[16:])
}
